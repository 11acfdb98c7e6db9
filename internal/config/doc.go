// Package config loads and validates the folio TOML configuration. Values
// not present in the file fall back to Default(), and all path fields are
// expanded to absolute paths during Load.
package config
