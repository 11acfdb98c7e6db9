package progress

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Phase identifies where an operation currently is. The set is closed; bare
// integers never cross a package boundary.
type Phase string

const (
	PhaseNotStarted      Phase = "not_started"
	PhaseDownloading     Phase = "downloading"
	PhaseDecrypting      Phase = "decrypting"
	PhaseDownloadingTool Phase = "downloading_tool"
	PhaseTrimming        Phase = "trimming"
	PhaseMerging         Phase = "merging"
	PhaseCompleted       Phase = "completed"
	PhaseFailed          Phase = "failed"
	PhaseCanceled        Phase = "canceled"
)

// IsTerminal reports whether no further updates are expected for the phase.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCanceled:
		return true
	}
	return false
}

// ParsePhase converts a string into a known Phase.
func ParsePhase(value string) (Phase, bool) {
	normalized := Phase(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case PhaseNotStarted, PhaseDownloading, PhaseDecrypting, PhaseDownloadingTool,
		PhaseTrimming, PhaseMerging, PhaseCompleted, PhaseFailed, PhaseCanceled:
		return normalized, true
	}
	return "", false
}

// startedEpsilon distinguishes "operation seen" from "key unknown" for
// pollers that treat 0 as absent.
const startedEpsilon = 0.0001

// Entry is an immutable snapshot of one operation's progress.
type Entry struct {
	Phase     Phase
	Fraction  float64
	Message   string
	UpdatedAt time.Time
}

// Delta describes a partial update. Nil fields keep the current value; an
// empty Phase keeps the current phase.
type Delta struct {
	Phase    Phase
	Fraction *float64
	Message  *string
}

// Fraction returns a Delta fraction pointer for literal values.
func Fraction(v float64) *float64 { return &v }

// Message returns a Delta message pointer for literal values.
func Message(v string) *string { return &v }

// Registry is a concurrent keyed store of progress snapshots. Writers merge
// deltas; readers always observe a complete snapshot.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry), now: time.Now}
}

// Update upserts the entry for key, merging the delta into the current
// snapshot. On first sight a nil fraction defaults to a small epsilon so a
// created entry never reads as unseen.
func (r *Registry) Update(key string, delta Delta) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.entries[key]
	if !ok {
		current = Entry{Phase: PhaseNotStarted, Fraction: startedEpsilon}
	}
	if delta.Phase != "" {
		current.Phase = delta.Phase
	}
	if delta.Fraction != nil {
		current.Fraction = clamp01(*delta.Fraction)
	}
	if delta.Message != nil {
		current.Message = *delta.Message
	}
	current.UpdatedAt = r.now()
	r.entries[key] = current
	return current
}

// Get returns the current snapshot for key.
func (r *Registry) Get(key string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[key]
	return entry, ok
}

// Clear removes the entry for key. Callers clear after consuming a terminal
// snapshot.
func (r *Registry) Clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Keys returns the tracked keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
