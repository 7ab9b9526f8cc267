// Package abandonment holds the per-pass building blocks of the reminder
// pipeline: the Detector that lists idle carts, the Policy that picks the next
// ladder stage for a cart, the Dispatcher that sends and records a reminder,
// and the StatsAggregator behind the admin stats endpoint.
//
// None of these types schedule anything; internal/reminder drives them.
package abandonment
