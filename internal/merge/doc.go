// Package merge reassembles one chapter-accurate audiobook from the
// independently decrypted segments of a multi-part book: concurrent
// boundary trims, a stream-copy concat, and a rewritten global chapter
// table on a continuous timeline.
package merge
