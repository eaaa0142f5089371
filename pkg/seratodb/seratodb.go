// Package seratodb reads the proprietary on-disk library database and
// .crate files: both use the tag/length chunk framing in pkg/tagio, with
// UTF-16BE-encoded string fields. Parse failures are never fatal — callers
// fall back to directory scanning (see pkg/libraryindex).
package seratodb

import (
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/halvard-ems/cratebridge/pkg/tagio"
)

// Entry is one track record decoded from the library database: a file path
// plus whatever BPM/key the database carries for it.
type Entry struct {
	Path string
	BPM  float64 // 0 means absent
	Key  string
}

var audioExts = map[string]struct{}{
	".mp3":  {},
	".flac": {},
	".wav":  {},
	".aac":  {},
	".m4a":  {},
	".ogg":  {},
	".aiff": {},
}

// IsAudioExt reports whether ext (with or without a leading dot) names one
// of the supported audio extensions, case-insensitively.
func IsAudioExt(ext string) bool {
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	_, ok := audioExts[strings.ToLower(ext)]
	return ok
}

// ReadDatabase parses the library database file at path and returns every
// track entry whose path has a supported audio extension. Any I/O or parse
// failure is logged and an empty slice is returned — never an error —
// matching the "non-fatal, fall back to directory scanning" contract.
func ReadDatabase(path string) []Entry {
	buf, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("seratodb: read database failed", "path", path, "err", err)
		return nil
	}

	var entries []Entry
	for _, chunk := range tagio.Scan(buf) {
		if chunk.Tag != "otrk" {
			continue
		}
		e, ok := decodeTrackChunk(chunk.Payload)
		if !ok {
			continue
		}
		if !IsAudioExt(filepath.Ext(e.Path)) {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

func decodeTrackChunk(payload []byte) (Entry, bool) {
	var e Entry
	havePath := false
	for _, field := range tagio.Scan(payload) {
		switch field.Tag {
		case "pfil":
			path, err := tagio.DecodeUTF16BE(field.Payload)
			if err != nil || path == "" {
				continue
			}
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
			e.Path = path
			havePath = true
		case "tbpm":
			s, err := tagio.DecodeUTF16BE(field.Payload)
			if err != nil {
				continue
			}
			if v, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(v, 0) && !math.IsNaN(v) {
				e.BPM = v
			}
		case "tkey":
			s, err := tagio.DecodeUTF16BE(field.Payload)
			if err == nil {
				e.Key = s
			}
		}
	}
	return e, havePath
}

// ReadCrateTracks parses a .crate file and returns every ptrk (track path)
// payload it contains, in file order.
func ReadCrateTracks(path string) ([]string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("seratodb: read crate failed", "path", path, "err", err)
		return nil, err
	}

	var paths []string
	for _, chunk := range tagio.Scan(buf) {
		if chunk.Tag != "otrk" {
			continue
		}
		for _, field := range tagio.Scan(chunk.Payload) {
			if field.Tag != "ptrk" {
				continue
			}
			p, err := tagio.DecodeUTF16BE(field.Payload)
			if err == nil && p != "" {
				paths = append(paths, p)
			}
		}
	}
	return paths, nil
}

// CountCrateTracks is the cheap variant of ReadCrateTracks: it counts ptrk
// occurrences without decoding any UTF-16BE payload.
func CountCrateTracks(path string) (int, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, chunk := range tagio.Scan(buf) {
		if chunk.Tag != "otrk" {
			continue
		}
		n += tagio.CountTag(tagio.Scan(chunk.Payload), "ptrk")
	}
	return n, nil
}
