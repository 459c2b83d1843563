// Package storage persists the transport session credential between restarts.
//
// A CredentialStore keeps one opaque blob per logical key. Drivers:
//   - "none":     nothing persists; every start needs fresh pairing
//   - "memory":   process-local map (tests, local runs)
//   - "file":     one JSON document per key, replaced atomically
//   - "sqlite":   embedded database file
//   - "postgres": remote table, upsert on the key column
//   - "redis":    one hash per key
//
// Concurrent writers are resolved last-writer-wins; every save bumps the
// record's Version so operators can tell which write landed.
package storage
