// Package cratewriter produces and mutates .crate files in the same
// tag/length framing pkg/seratodb reads, with crash-safe, backup-preserving
// writes: every mutation copies the existing file aside before replacing it,
// and the replacement itself lands via a same-filesystem rename.
package cratewriter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/halvard-ems/cratebridge/pkg/tagio"
)

const crateVersion = "1.0/Serato ScratchLive Crate"

// defaultColumns is the column definition set written into every new crate,
// in order. Width 0xFA is reserved for the artist column; every other
// column gets the default width 0x30.
var defaultColumns = []string{"bpm", "year", "song", "playCount", "artist", "genre", "length"}

const (
	artistColumnWidth  = 0xFA
	defaultColumnWidth = 0x30
)

// ErrReadOnly is returned by every mutating operation when the Writer is
// constructed in read-only mode.
var ErrReadOnly = errors.New("cratewriter: writer is read-only")

// ErrInvalidName is returned when a crate name fails validation (empty,
// too long, or containing a character illegal in a filename).
var ErrInvalidName = errors.New("cratewriter: invalid crate name")

// ErrExist is returned by Create when a crate with the same name already
// exists on disk.
var ErrExist = errors.New("cratewriter: crate already exists")

var invalidNameChars = regexp.MustCompile(`[<>:"|?*]`)

// ValidateName checks a crate name against the write-protocol rules: non
// empty, at most 100 characters, and none of <>:"|?*.
func ValidateName(name string) error {
	if name == "" || len(name) > 100 {
		return ErrInvalidName
	}
	if invalidNameChars.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// SlugID returns the URL-slug crate ID for a crate name: lowercase, with
// every run of non-alphanumeric characters collapsed to a single hyphen.
func SlugID(name string) string {
	var sb strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			prevDash = false
			continue
		}
		if !prevDash {
			sb.WriteByte('-')
			prevDash = true
		}
	}
	return strings.Trim(sb.String(), "-")
}

// Writer mutates .crate files under a subcrates directory.
type Writer struct {
	subcratesDir string
	readOnly     bool
	// now is overridable for deterministic backup-filename tests.
	now func() time.Time
}

// New returns a Writer rooted at subcratesDir, creating it if needed.
func New(subcratesDir string, readOnly bool) (*Writer, error) {
	if !readOnly {
		if err := os.MkdirAll(subcratesDir, 0o755); err != nil {
			return nil, fmt.Errorf("cratewriter: create subcrates dir: %w", err)
		}
	}
	return &Writer{subcratesDir: subcratesDir, readOnly: readOnly, now: time.Now}, nil
}

func (w *Writer) cratePath(name string) string {
	return filepath.Join(w.subcratesDir, name+".crate")
}

// FilePath returns the on-disk path of the crate file named name, whether or
// not it currently exists.
func (w *Writer) FilePath(name string) string {
	return w.cratePath(name)
}

// List returns the names of every crate file in the subcrates directory,
// excluding backups and in-flight temp files.
func (w *Writer) List() ([]string, error) {
	entries, err := os.ReadDir(w.subcratesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("cratewriter: list subcrates dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if filepath.Ext(n) == ".crate" {
			names = append(names, n[:len(n)-len(".crate")])
		}
	}
	return names, nil
}

// backupPath returns the timestamped backup path for name, using a
// colon-free UTC ISO-8601 stamp as the write protocol requires.
func (w *Writer) backupPath(name string) string {
	stamp := w.now().UTC().Format("2006-01-02T150405Z")
	return filepath.Join(w.subcratesDir, name+".crate.backup-"+stamp)
}

// encode serializes the full byte layout of a crate file: version header,
// sort section, column definitions, then one otrk/ptrk wrapper per track.
func encode(trackPaths []string) []byte {
	var buf []byte
	buf = append(buf, tagio.Encode("vrsn", tagio.EncodeUTF16BE(crateVersion))...)

	sortPayload := append([]byte{}, tagio.Encode("tvcn", tagio.EncodeUTF16BE("bpm"))...)
	sortPayload = append(sortPayload, tagio.Encode("brev", []byte{0x01})...)
	buf = append(buf, tagio.Wrap("osrt", sortPayload)...)

	for _, col := range defaultColumns {
		width := defaultColumnWidth
		if col == "artist" {
			width = artistColumnWidth
		}
		colPayload := append([]byte{}, tagio.Encode("tvcn", tagio.EncodeUTF16BE(col))...)
		colPayload = append(colPayload, tagio.Encode("tvcw", []byte{byte(width >> 8), byte(width)})...)
		buf = append(buf, tagio.Wrap("ovct", colPayload)...)
	}

	for _, p := range dedupeByPath(trackPaths) {
		inner := tagio.Encode("ptrk", tagio.EncodeUTF16BE(p))
		buf = append(buf, tagio.Wrap("otrk", inner)...)
	}
	return buf
}

func dedupeByPath(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// backupIfExists copies an existing crate file aside before it is replaced.
// A missing file is not an error — there is nothing to back up yet.
func (w *Writer) backupIfExists(name string) error {
	src := w.cratePath(name)
	data, err := os.ReadFile(src)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cratewriter: read existing crate for backup: %w", err)
	}
	if err := os.WriteFile(w.backupPath(name), data, 0o644); err != nil {
		return fmt.Errorf("cratewriter: write backup: %w", err)
	}
	return nil
}

// commit writes data via a temp file in the subcrates directory, then
// renames it over the final path — atomic on the same filesystem.
func (w *Writer) commit(name string, data []byte) error {
	final := w.cratePath(name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cratewriter: write temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cratewriter: rename into place: %w", err)
	}
	return nil
}

// Create creates a new, empty crate. It fails with ErrInvalidName if name
// fails validation, and returns ErrExist if the crate file already exists.
func (w *Writer) Create(name string) error {
	if w.readOnly {
		return ErrReadOnly
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := os.Stat(w.cratePath(name)); err == nil {
		return ErrExist
	}
	return w.commit(name, encode(nil))
}

// AddTracks appends trackPaths to the crate's track list, de-duplicating by
// path, and backs up the previous version first.
func (w *Writer) AddTracks(name string, trackPaths []string) error {
	if w.readOnly {
		return ErrReadOnly
	}
	existing, err := readExistingPaths(w.cratePath(name))
	if err != nil {
		return err
	}
	if err := w.backupIfExists(name); err != nil {
		return err
	}
	merged := append(existing, trackPaths...)
	return w.commit(name, encode(merged))
}

// RemoveTrack removes every occurrence of trackPath from the crate's track
// list, backing up the previous version first.
func (w *Writer) RemoveTrack(name string, trackPath string) error {
	if w.readOnly {
		return ErrReadOnly
	}
	existing, err := readExistingPaths(w.cratePath(name))
	if err != nil {
		return err
	}
	filtered := existing[:0:0]
	for _, p := range existing {
		if p != trackPath {
			filtered = append(filtered, p)
		}
	}
	if err := w.backupIfExists(name); err != nil {
		return err
	}
	return w.commit(name, encode(filtered))
}

// Delete backs up the crate file, then removes it.
func (w *Writer) Delete(name string) error {
	if w.readOnly {
		return ErrReadOnly
	}
	if err := w.backupIfExists(name); err != nil {
		return err
	}
	if err := os.Remove(w.cratePath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cratewriter: delete: %w", err)
	}
	return nil
}

func readExistingPaths(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cratewriter: read crate: %w", err)
	}
	return decodeTrackPaths(data), nil
}

func decodeTrackPaths(data []byte) []string {
	var paths []string
	for _, chunk := range tagio.Scan(data) {
		if chunk.Tag != "otrk" {
			continue
		}
		for _, field := range tagio.Scan(chunk.Payload) {
			if field.Tag != "ptrk" {
				continue
			}
			if p, err := tagio.DecodeUTF16BE(field.Payload); err == nil && p != "" {
				paths = append(paths, p)
			}
		}
	}
	return paths
}
