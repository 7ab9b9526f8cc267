// Package storage provides the cart persistence backends used by cartwatch.
//
// It currently supports:
//   - Cart reads and reminder bookkeeping (cart.Store)
//   - Audit log appends (operator actions on the admin surface)
//
// Drivers: "memory" (process-local, for development and tests), "sqlite"
// (modernc.org/sqlite, pure Go) and "mongo" (the commerce MongoDB database).
package storage
