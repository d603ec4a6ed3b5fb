// Package notifier renders due reminders and delivers them through a push
// transport.
//
// Delivery is fire-and-forget: each dispatch is one multicast to every device
// token of the owning user, per-token failures are logged and nothing is
// retried. Device tokens are cached in-process for a short TTL so a burst of
// reminders for one user costs a single store lookup.
//
// For operator visibility the dispatcher keeps a small in-memory history of
// recent deliveries.
package notifier
