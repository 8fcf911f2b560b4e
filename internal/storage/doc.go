// Package storage is the relay's message store.
//
// A Store is an append-only, strictly ordered record of accepted messages.
// Every record gets its id and timestamp from the store at append time; ids are
// never reused and their order is the acceptance order.
//
// Drivers:
//   - sqlite: database file (default)
//   - file:   JSON Lines, replayed on open
//   - badger: badger key/value store, in-memory when no path is given
//   - memory: process-local, lost on exit
package storage
