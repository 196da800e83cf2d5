// Package storage persists the delivery pipeline's durable state.
//
// Two key-value stores live behind one Store:
//   - the run ledger: slot id -> last confirmed run time + content hash
//   - the content cache: fingerprint -> first delivery time (short-lived)
//
// Drivers: "file" (atomic JSON documents), "sqlite", "redis" and "memory".
// Missing state is never an error; it reads as "never run".
package storage
