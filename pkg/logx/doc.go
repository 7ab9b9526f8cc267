// Package logx is cartwatch's structured logging layer over zerolog.
//
// Components take a Logger value and tag it with a "comp" field. A Logger
// built from a Service follows Service.Apply, so level and sink changes from
// a config reload reach every component without re-wiring. Console output is
// human-readable, the file sink is JSON, and lines at or above the alert level
// are forwarded to an AlertSender (for example a Telegram chat), rate limited
// and with repeats folded.
package logx
