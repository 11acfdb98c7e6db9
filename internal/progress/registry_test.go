package progress_test

import (
	"sync"
	"testing"

	"folio/internal/progress"
)

func TestUpdateCreatesWithEpsilon(t *testing.T) {
	reg := progress.NewRegistry()

	entry := reg.Update("B000000001", progress.Delta{Phase: progress.PhaseDownloading})
	if entry.Fraction <= 0 {
		t.Fatalf("created entry should carry a positive fraction, got %v", entry.Fraction)
	}
	if entry.Fraction > 0.001 {
		t.Fatalf("created entry fraction should be epsilon-sized, got %v", entry.Fraction)
	}
	if entry.Phase != progress.PhaseDownloading {
		t.Fatalf("phase: %v", entry.Phase)
	}
}

func TestUpdateMergesOnlySuppliedFields(t *testing.T) {
	reg := progress.NewRegistry()
	reg.Update("key", progress.Delta{
		Phase:    progress.PhaseTrimming,
		Fraction: progress.Fraction(0.25),
		Message:  progress.Message("Trimming parts..."),
	})

	reg.Update("key", progress.Delta{Fraction: progress.Fraction(0.5)})

	entry, ok := reg.Get("key")
	if !ok {
		t.Fatal("entry missing")
	}
	if entry.Fraction != 0.5 {
		t.Fatalf("fraction: %v", entry.Fraction)
	}
	if entry.Phase != progress.PhaseTrimming {
		t.Fatalf("phase overwritten: %v", entry.Phase)
	}
	if entry.Message != "Trimming parts..." {
		t.Fatalf("message overwritten: %q", entry.Message)
	}
}

func TestFractionClamped(t *testing.T) {
	reg := progress.NewRegistry()
	reg.Update("key", progress.Delta{Fraction: progress.Fraction(1.7)})
	entry, _ := reg.Get("key")
	if entry.Fraction != 1 {
		t.Fatalf("expected clamp to 1, got %v", entry.Fraction)
	}
	reg.Update("key", progress.Delta{Fraction: progress.Fraction(-0.2)})
	entry, _ = reg.Get("key")
	if entry.Fraction != 0 {
		t.Fatalf("expected clamp to 0, got %v", entry.Fraction)
	}
}

func TestClearRemovesEntry(t *testing.T) {
	reg := progress.NewRegistry()
	reg.Update("key", progress.Delta{Phase: progress.PhaseCompleted})
	reg.Clear("key")
	if _, ok := reg.Get("key"); ok {
		t.Fatal("entry should be gone")
	}
}

func TestConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	reg := progress.NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Update("shared", progress.Delta{Fraction: progress.Fraction(0.5)})
				reg.Get("shared")
			}
		}()
	}
	wg.Wait()

	entry, ok := reg.Get("shared")
	if !ok || entry.Fraction != 0.5 {
		t.Fatalf("unexpected final entry: %+v ok=%v", entry, ok)
	}
	if keys := reg.Keys(); len(keys) != 1 || keys[0] != "shared" {
		t.Fatalf("keys: %v", keys)
	}
}

func TestPhaseClassification(t *testing.T) {
	if progress.PhaseTrimming.IsTerminal() {
		t.Fatal("trimming is not terminal")
	}
	for _, p := range []progress.Phase{progress.PhaseCompleted, progress.PhaseFailed, progress.PhaseCanceled} {
		if !p.IsTerminal() {
			t.Fatalf("%v should be terminal", p)
		}
	}
	if _, ok := progress.ParsePhase("Merging"); !ok {
		t.Fatal("parse should accept mixed case")
	}
	if _, ok := progress.ParsePhase("bogus"); ok {
		t.Fatal("parse should reject unknown phases")
	}
}
