// Package services defines shared error markers consumed by the operation
// layers. Wrap tags failures with a sentinel so callers can classify them
// (auth vs validation vs external tool) without string matching.
package services
