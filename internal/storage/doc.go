// Package storage provides the small persistent key-value layer used by boostd.
//
// Two logical records live in it:
//   - the timer snapshot (entity -> timer record, versioned JSON)
//   - the durable wake table owned by the wake bridge
//
// Only Get/Set semantics are relied upon; each Set replaces the whole value.
package storage
