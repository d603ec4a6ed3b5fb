// Package scheduler parses schedule strings (cron, interval, HH:MM) and runs
// periodic jobs one tick at a time.
//
// A Runner never overlaps two runs of the same job: the next trigger is
// computed only after the previous run returns, so a slow run delays the
// following tick instead of queueing behind it.
package scheduler
