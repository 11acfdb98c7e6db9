package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"folio/internal/progress"
)

// watchProgress polls the registry for key and renders a single updating
// line until the entry reaches a terminal phase or ctx ends.
func watchProgress(ctx context.Context, registry *progress.Registry, key string, out io.Writer) {
	interactive := isTerminal(out)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastLine string
	render := func() bool {
		entry, ok := registry.Get(key)
		if !ok {
			return false
		}
		line := fmt.Sprintf("%-16s %5.1f%%  %s", phaseLabel(entry.Phase), entry.Fraction*100, entry.Message)
		if line != lastLine {
			if interactive {
				fmt.Fprintf(out, "\r%-80s", line)
			} else {
				fmt.Fprintln(out, strings.TrimRight(line, " "))
			}
			lastLine = line
		}
		return entry.Phase.IsTerminal()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if render() {
				if interactive {
					fmt.Fprintln(out)
				}
				return
			}
		}
	}
}

func phaseLabel(phase progress.Phase) string {
	switch phase {
	case progress.PhaseDownloadingTool:
		return "fetching tools"
	case progress.PhaseNotStarted:
		return "queued"
	default:
		return strings.ReplaceAll(string(phase), "_", " ")
	}
}
