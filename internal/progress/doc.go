// Package progress provides the shared registry that download and merge
// operations publish into and that a polling front end reads from. Entries
// are immutable snapshots replaced atomically under a short lock, so many
// concurrent writers (one per segment or subprocess) merge without lost
// updates and readers never observe a partially written entry.
package progress
