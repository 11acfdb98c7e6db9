// Package logging builds the slog loggers used across folio. It provides a
// compact console handler for interactive use and a JSON handler for
// machine-consumed output, both driven by the [logging] config section.
package logging
