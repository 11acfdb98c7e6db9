// Package activation parses the fixed-layout binary blob returned by device
// registration into the activation secret the container codec needs. The
// blob ends in a 568-byte window of eight line-wrapped 71-byte records; the
// secret is the first unwrapped little-endian uint32 rendered as eight hex
// digits.
package activation
