package seratodb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/halvard-ems/cratebridge/pkg/tagio"
)

func writeTrackChunk(path string, bpm, key string) []byte {
	var payload []byte
	payload = append(payload, tagio.Encode("pfil", tagio.EncodeUTF16BE(path))...)
	if bpm != "" {
		payload = append(payload, tagio.Encode("tbpm", tagio.EncodeUTF16BE(bpm))...)
	}
	if key != "" {
		payload = append(payload, tagio.Encode("tkey", tagio.EncodeUTF16BE(key))...)
	}
	return tagio.Encode("otrk", payload)
}

func TestReadDatabase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "database V2")

	var buf []byte
	buf = append(buf, writeTrackChunk("music/song.mp3", "128.5", "Am")...)
	buf = append(buf, writeTrackChunk("music/ignored.txt", "100", "C")...) // not audio
	buf = append(buf, writeTrackChunk("music/nobpm.flac", "", "")...)

	if err := os.WriteFile(dbPath, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	entries := ReadDatabase(dbPath)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(entries), entries)
	}
	if entries[0].Path != "/music/song.mp3" {
		t.Errorf("path = %q", entries[0].Path)
	}
	if entries[0].BPM != 128.5 {
		t.Errorf("bpm = %v", entries[0].BPM)
	}
	if entries[0].Key != "Am" {
		t.Errorf("key = %q", entries[0].Key)
	}
	if entries[1].BPM != 0 {
		t.Errorf("expected zero bpm for missing field, got %v", entries[1].BPM)
	}
}

func TestReadDatabaseMissingFileIsNonFatal(t *testing.T) {
	entries := ReadDatabase(filepath.Join(t.TempDir(), "does-not-exist"))
	if entries != nil {
		t.Errorf("expected nil entries for missing file, got %+v", entries)
	}
}

func TestCrateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cratePath := filepath.Join(dir, "Test.crate")

	vrsn := tagio.Encode("vrsn", tagio.EncodeUTF16BE("1.0/Serato ScratchLive Crate"))
	track1 := tagio.Wrap("otrk", tagio.Encode("ptrk", tagio.EncodeUTF16BE("music/a.mp3")))
	track2 := tagio.Wrap("otrk", tagio.Encode("ptrk", tagio.EncodeUTF16BE("music/b.flac")))

	var buf []byte
	buf = append(buf, vrsn...)
	buf = append(buf, track1...)
	buf = append(buf, track2...)
	if err := os.WriteFile(cratePath, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	paths, err := ReadCrateTracks(cratePath)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 || paths[0] != "music/a.mp3" || paths[1] != "music/b.flac" {
		t.Fatalf("got %+v", paths)
	}

	count, err := CountCrateTracks(cratePath)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestIsAudioExt(t *testing.T) {
	for _, ext := range []string{".mp3", "flac", ".WAV", ".aiff"} {
		if !IsAudioExt(ext) {
			t.Errorf("expected %q to be an audio extension", ext)
		}
	}
	if IsAudioExt(".txt") {
		t.Error("expected .txt to not be an audio extension")
	}
}
