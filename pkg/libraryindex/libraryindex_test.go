package libraryindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRefreshIndexesFilesAndAssignsStableIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.mp3"), []byte("not a real mp3 but has the right extension"))
	writeFile(t, filepath.Join(dir, "_Serato_", "database V2"), []byte("ignored"))

	idx := New([]string{dir}, nil)
	if err := idx.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if idx.State() != StateComplete {
		t.Fatalf("state = %v, want complete", idx.State())
	}

	all := idx.All()
	if len(all) != 1 {
		t.Fatalf("got %d tracks, want 1 (expected _Serato_ dir skipped): %+v", len(all), all)
	}
	if all[0].TrackID == "" {
		t.Error("expected non-empty trackID")
	}

	// Re-resolving the same track by trackID.
	again, ok := idx.Lookup(all[0].TrackID)
	if !ok || again.Path != all[0].Path {
		t.Errorf("Lookup(%q) = %+v, %v", all[0].TrackID, again, ok)
	}
}

func TestRefreshSkipsHiddenEntries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".hidden.mp3"), []byte("x"))
	writeFile(t, filepath.Join(dir, ".hiddendir", "b.mp3"), []byte("x"))
	writeFile(t, filepath.Join(dir, "visible.flac"), []byte("x"))

	idx := New([]string{dir}, nil)
	if err := idx.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	all := idx.All()
	if len(all) != 1 || filepath.Base(all[0].Path) != "visible.flac" {
		t.Fatalf("got %+v", all)
	}
}

func TestTrackIDStableAcrossRebuild(t *testing.T) {
	t1 := &Track{Artist: "Daft Punk", Title: "One More Time", Duration: 320}
	t2 := &Track{Artist: "daft punk", Title: "one more time", Duration: 320.4}
	if trackID(t1) != trackID(t2) {
		t.Errorf("expected stable id across case/rounding differences: %s vs %s", trackID(t1), trackID(t2))
	}
}

func TestResolvePathExactHit(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "track.mp3")
	writeFile(t, p, []byte("x"))

	idx := New([]string{dir}, nil)
	if err := idx.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := idx.ResolvePath(Track{Path: p})
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != p {
		t.Errorf("got %q, want %q", got.Path, p)
	}
}

func TestResolvePathFilenameFallback(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "nested", "track.mp3")
	writeFile(t, p, []byte("x"))

	idx := New([]string{dir}, nil)
	if err := idx.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Stale path (moved/renamed directory) but same filename.
	got, err := idx.ResolvePath(Track{Path: "/old/location/track.mp3"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != p {
		t.Errorf("got %q, want %q", got.Path, p)
	}
}

func TestResolvePathUnresolved(t *testing.T) {
	idx := New(nil, nil)
	if err := idx.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.ResolvePath(Track{Path: "/nowhere/missing.mp3"}); err == nil {
		t.Error("expected error for unresolvable path")
	}
}

func TestSearchCaseInsensitiveSubstring(t *testing.T) {
	idx := New(nil, nil)
	idx.tracks = map[string]*Track{
		"1": {TrackID: "1", Artist: "Daft Punk", Title: "One More Time"},
		"2": {TrackID: "2", Artist: "Justice", Title: "Genesis"},
	}
	idx.byPath = map[string]*Track{}

	results := idx.Search("daft")
	if len(results) != 1 || results[0].TrackID != "1" {
		t.Fatalf("got %+v", results)
	}
}

func TestProgressCallbackFiresOnCompletion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.mp3"), []byte("x"))

	var last Progress
	idx := New([]string{dir}, nil, WithProgress(func(p Progress) { last = p }))
	if err := idx.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if last.State != StateComplete {
		t.Errorf("expected final progress callback to report complete, got %+v", last)
	}
}
