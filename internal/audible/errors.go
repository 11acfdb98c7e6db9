package audible

import "fmt"

// APIError reports an HTTP or deserialization failure from a catalog call.
// The status and raw body are retained for diagnostics; this layer never
// retries.
type APIError struct {
	Operation string
	Status    int
	Body      string
	Err       error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v (status %d)", e.Operation, e.Err, e.Status)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Operation, e.Status)
}

func (e *APIError) Unwrap() error { return e.Err }
