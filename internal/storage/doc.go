// Package storage is the durable store for medicines, reminders and user
// devices.
//
// It is the source of truth: the hot cache and every background worker
// derive their state from it. Two drivers are supported:
//   - sqlite: embedded file database (modernc.org/sqlite, no cgo)
//   - postgres: PostgreSQL through the pgx stdlib driver
//
// Times are stored as unix seconds and returned in UTC.
package storage
