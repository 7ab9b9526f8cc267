// Package mail renders reminder emails and hands them to a delivery provider.
//
// Providers:
//   - log:  writes the rendered message to the log and never fails (dry runs, dev)
//   - http: POSTs JSON to a transactional mail API with an Idempotency-Key header
//   - smtp: plain SMTP submission with STARTTLS when offered
//
// Every provider is wrapped by a token-bucket limiter so a large pass cannot
// flood the upstream.
package mail
