package cratewriter

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/halvard-ems/cratebridge/pkg/seratodb"
)

func TestValidateName(t *testing.T) {
	cases := map[string]bool{
		"House Tracks": true,
		"":             false,
		"a":            true,
		"bad:name":     false,
		"bad<name>":    false,
	}
	for name, want := range cases {
		if got := ValidateName(name) == nil; got != want {
			t.Errorf("ValidateName(%q) ok=%v, want %v", name, got, want)
		}
	}
	if ValidateName(string(make([]byte, 101))) == nil {
		t.Error("expected name over 100 chars to be invalid")
	}
}

func TestSlugID(t *testing.T) {
	if got := SlugID("House Tracks!!"); got != "house-tracks" {
		t.Errorf("got %q", got)
	}
}

func TestCreateAddRemoveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, false)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Create("Test"); err != nil {
		t.Fatal(err)
	}
	if err := w.Create("Test"); !errors.Is(err, ErrExist) {
		t.Fatalf("expected ErrExist on duplicate create, got %v", err)
	}

	if err := w.AddTracks("Test", []string{"/music/a.mp3", "/music/b.mp3", "/music/a.mp3"}); err != nil {
		t.Fatal(err)
	}

	paths, err := seratodb.ReadCrateTracks(filepath.Join(dir, "Test.crate"))
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected de-duplicated 2 tracks, got %+v", paths)
	}

	if err := w.RemoveTrack("Test", "/music/a.mp3"); err != nil {
		t.Fatal(err)
	}
	paths, err = seratodb.ReadCrateTracks(filepath.Join(dir, "Test.crate"))
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != "/music/b.mp3" {
		t.Fatalf("got %+v", paths)
	}
}

func TestAddTracksBacksUpPreviousVersion(t *testing.T) {
	dir := t.TempDir()
	fixedTime := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	w, err := New(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	w.now = func() time.Time { return fixedTime }

	if err := w.Create("Test"); err != nil {
		t.Fatal(err)
	}
	if err := w.AddTracks("Test", []string{"/music/a.mp3"}); err != nil {
		t.Fatal(err)
	}

	wantBackup := filepath.Join(dir, "Test.crate.backup-2026-07-31T120000Z")
	if _, err := os.Stat(wantBackup); err != nil {
		entries, _ := os.ReadDir(dir)
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Fatalf("expected backup file %s, dir contains %v", wantBackup, names)
	}

	if _, err := os.Stat(filepath.Join(dir, "Test.crate.tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected temp file to not survive a successful commit")
	}
}

func TestDeleteBacksUpThenRemoves(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Create("Test"); err != nil {
		t.Fatal(err)
	}
	if err := w.Delete("Test"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "Test.crate")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected crate file removed after delete")
	}
	entries, _ := os.ReadDir(dir)
	foundBackup := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".crate" && e.Name() != "Test.crate" {
			foundBackup = true
		}
	}
	if !foundBackup {
		t.Error("expected a backup file left behind by Delete")
	}
}

func TestReadOnlyWriterRejectsMutations(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Create("Test"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Create: got %v, want ErrReadOnly", err)
	}
	if err := w.AddTracks("Test", nil); !errors.Is(err, ErrReadOnly) {
		t.Errorf("AddTracks: got %v, want ErrReadOnly", err)
	}
	if err := w.RemoveTrack("Test", "x"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("RemoveTrack: got %v, want ErrReadOnly", err)
	}
	if err := w.Delete("Test"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Delete: got %v, want ErrReadOnly", err)
	}
}

func TestListExcludesBackupsAndTempFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Create("Alpha"); err != nil {
		t.Fatal(err)
	}
	if err := w.Create("Beta"); err != nil {
		t.Fatal(err)
	}
	if err := w.AddTracks("Alpha", []string{"/music/a.mp3"}); err != nil {
		t.Fatal(err)
	}

	names, err := w.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("got %+v, want 2 crates", names)
	}
}

func TestEncodeTrackSectionReadsBack(t *testing.T) {
	data := encode([]string{"/music/a.mp3"})

	dir := t.TempDir()
	path := filepath.Join(dir, "layout.crate")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := seratodb.ReadCrateTracks(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0] != "/music/a.mp3" {
		t.Fatalf("got %+v", entries)
	}

	n, err := seratodb.CountCrateTracks(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}
