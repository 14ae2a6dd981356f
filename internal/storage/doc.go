// Package storage keeps an append-only audit log of producer fires.
//
// Two drivers exist: "file" writes JSON Lines next to the configured path,
// "sqlite" writes rows into a SQLite database through modernc.org/sqlite.
// Measurements themselves are never stored here; consumers own delivery.
package storage
