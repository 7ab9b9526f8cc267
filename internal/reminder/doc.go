// Package reminder owns the recurring abandonment pass.
//
// A Runner is Stopped, Armed (timer scheduled, idle) or Processing (a pass is
// executing, with or without a timer). Passes are single-flight: the timer
// and every manual trigger go through one compare-and-swap guard, and a
// trigger that loses the race is skipped rather than queued.
//
// Stop only disarms the timer. A pass that has started always runs to the
// end; Close is the only way to cancel one, and only after its grace period.
package reminder
