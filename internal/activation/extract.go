package activation

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// windowLength is the fixed trailing window carrying the activation
	// payload (0x238 bytes).
	windowLength = 568
	// recordLength is one line-wrapped record: 70 data bytes plus the wrap
	// byte appended by the registration endpoint.
	recordLength = 71
	recordData   = 70
	recordCount  = 8

	secretLength = 8
)

var (
	markerGroupID  = []byte("group_id")
	markerBadLogin = []byte("BAD_LOGIN")
	markerWhoops   = []byte("Whoops")
)

// InvalidBlobError reports a registration blob the extractor refused to
// derive a secret from.
type InvalidBlobError struct {
	Reason     string
	BlobLength int
}

func (e *InvalidBlobError) Error() string {
	return fmt.Sprintf("invalid activation blob (%d bytes): %s", e.BlobLength, e.Reason)
}

// Extract derives the 8-hex-digit device activation secret from the raw
// blob returned by the device registration endpoint. It is a pure function;
// every malformed input yields an *InvalidBlobError, never a bogus secret.
func Extract(blob []byte) (string, error) {
	if bytes.Contains(blob, markerBadLogin) || bytes.Contains(blob, markerWhoops) {
		return "", &InvalidBlobError{Reason: "response contains a failure marker", BlobLength: len(blob)}
	}
	if !bytes.Contains(blob, markerGroupID) {
		return "", &InvalidBlobError{Reason: "expected group_id marker missing", BlobLength: len(blob)}
	}
	if len(blob) < windowLength {
		return "", &InvalidBlobError{
			Reason:     fmt.Sprintf("shorter than the %d-byte activation window", windowLength),
			BlobLength: len(blob),
		}
	}

	window := blob[len(blob)-windowLength:]

	// Strip the wrap byte from each record. The final record may run short;
	// copy only what is there.
	cleaned := make([]byte, 0, recordCount*recordData)
	for i := 0; i < recordCount; i++ {
		offset := i * recordLength
		if offset >= len(window) {
			break
		}
		end := offset + recordData
		if end > len(window) {
			end = len(window)
		}
		cleaned = append(cleaned, window[offset:end]...)
	}

	if len(cleaned) < 4 {
		return "", &InvalidBlobError{Reason: "fewer than 4 bytes after unwrapping", BlobLength: len(blob)}
	}

	value := binary.LittleEndian.Uint32(cleaned[:4])
	return fmt.Sprintf("%0*x", secretLength, value), nil
}
