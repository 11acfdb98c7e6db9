package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate reports configuration values that cannot work at runtime.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.StateDir) == "" {
		problems = append(problems, "paths.state_dir must not be empty")
	}
	if strings.TrimSpace(c.Paths.LibraryDir) == "" {
		problems = append(problems, "paths.library_dir must not be empty")
	}
	if c.API.PageSize <= 0 {
		problems = append(problems, fmt.Sprintf("api.page_size must be positive, got %d", c.API.PageSize))
	}
	if c.API.PageSize > 1000 {
		problems = append(problems, fmt.Sprintf("api.page_size must not exceed 1000, got %d", c.API.PageSize))
	}
	if strings.TrimSpace(c.API.Codec) == "" {
		problems = append(problems, "api.codec must not be empty")
	}
	if c.Download.TimeoutSeconds < 0 {
		problems = append(problems, "download.timeout_seconds must not be negative")
	}
	if c.Merge.ToolTimeoutSeconds < 0 {
		problems = append(problems, "merge.tool_timeout_seconds must not be negative")
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format must be console or json, got %q", c.Logging.Format))
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
