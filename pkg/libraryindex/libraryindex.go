// Package libraryindex builds and maintains the in-memory library: it walks
// the configured music directories, reads whatever database the proprietary
// library format exposes (via pkg/seratodb), and reconciles the two into a
// stable, path-resolvable set of tracks.
package libraryindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dhowden/tag"

	"github.com/halvard-ems/cratebridge/pkg/seratodb"
)

// State is the indexing lifecycle state, reported to callers polling
// /api/library/status.
type State int

const (
	StateIdle State = iota
	StateParsingDatabase
	StateScanning
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateParsingDatabase:
		return "parsing_database"
	case StateScanning:
		return "scanning"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Track is one resolved library entry.
type Track struct {
	TrackID    string  `json:"trackId"`
	Path       string  `json:"filePath"` // absolute filesystem path, empty if unresolved
	Artist     string  `json:"artist"`
	Title      string  `json:"title"`
	Album      string  `json:"album"`
	Genre      string  `json:"genre"`
	Year       int     `json:"year,omitempty"`
	TrackNum   int     `json:"trackNumber,omitempty"`
	Duration   float64 `json:"duration"` // seconds, 0 if unknown
	BPM        float64 `json:"bpm,omitempty"`
	Key        string  `json:"key,omitempty"`
	FileSize   int64   `json:"fileSize"`
	Format     string  `json:"format"`
	AddedAt    time.Time `json:"addedAt"`
	Resolved   bool    `json:"-"`
	Unresolved bool    `json:"-"`
}

// Progress is emitted every progressInterval tracks during a scan.
type Progress struct {
	State     State
	Processed int
	Total     int
}

const progressInterval = 100

// skipDirNames names directories libraryindex never descends into.
var skipDirNames = map[string]struct{}{"_Serato_": {}}

// Index holds the resolved library and serves lookups. All exported methods
// are safe for concurrent use.
type Index struct {
	musicPaths  []string
	dbPaths     []string
	concurrency int

	mu      sync.RWMutex
	state   State
	tracks  map[string]*Track // trackId -> Track
	byPath  map[string]*Track // absolute path -> Track
	lastErr error

	// indexOnce coalesces concurrent Refresh calls into a single pass.
	indexOnce   sync.Mutex
	indexActive bool

	onProgress func(Progress)
}

// Option configures an Index at construction time.
type Option func(*Index)

// WithProgress registers a callback invoked roughly every 100 resolved
// tracks during a scan.
func WithProgress(fn func(Progress)) Option {
	return func(idx *Index) { idx.onProgress = fn }
}

// New builds an Index over the given music directories and optional
// database file paths (e.g. one per attached library volume).
func New(musicPaths, dbPaths []string, opts ...Option) *Index {
	idx := &Index{
		musicPaths:  musicPaths,
		dbPaths:     dbPaths,
		concurrency: 100,
		tracks:      make(map[string]*Track),
		byPath:      make(map[string]*Track),
	}
	for _, o := range opts {
		o(idx)
	}
	return idx
}

// State reports the current indexing lifecycle state.
func (idx *Index) State() State {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.state
}

// Refresh performs (or joins, if already running) a full reindex pass:
// parse whatever database files are configured, then walk the music
// directories for files the database pass didn't already resolve.
func (idx *Index) Refresh(ctx context.Context) error {
	idx.indexOnce.Lock()
	if idx.indexActive {
		idx.indexOnce.Unlock()
		// Another caller is already indexing; this call joins that result by
		// waiting for the state to leave the active states.
		for {
			s := idx.State()
			if s == StateComplete || s == StateError {
				idx.mu.RLock()
				defer idx.mu.RUnlock()
				return idx.lastErr
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	idx.indexActive = true
	idx.indexOnce.Unlock()
	defer func() {
		idx.indexOnce.Lock()
		idx.indexActive = false
		idx.indexOnce.Unlock()
	}()

	idx.setState(StateParsingDatabase)

	dbByPath := make(map[string]seratodb.Entry)
	for _, dbPath := range idx.dbPaths {
		for _, e := range seratodb.ReadDatabase(dbPath) {
			dbByPath[e.Path] = e
		}
	}

	idx.setState(StateScanning)

	files, err := idx.walkMusicPaths(ctx)
	if err != nil {
		idx.setErr(err)
		return err
	}

	newTracks := make(map[string]*Track, len(files))
	newByPath := make(map[string]*Track, len(files))

	type result struct {
		track *Track
	}
	resultCh := make(chan result, idx.concurrency)
	pathCh := make(chan string, idx.concurrency)

	var wg sync.WaitGroup
	workers := idx.concurrency
	if workers > len(files) && len(files) > 0 {
		workers = len(files)
	}
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range pathCh {
				t := buildTrack(path, dbByPath[path])
				resultCh <- result{track: t}
			}
		}()
	}
	go func() {
		for _, p := range files {
			pathCh <- p
		}
		close(pathCh)
		wg.Wait()
		close(resultCh)
	}()

	processed := 0
	for res := range resultCh {
		newTracks[res.track.TrackID] = res.track
		newByPath[res.track.Path] = res.track
		processed++
		if idx.onProgress != nil && processed%progressInterval == 0 {
			idx.onProgress(Progress{State: StateScanning, Processed: processed, Total: len(files)})
		}
	}

	// Any database entry whose path we never saw on disk becomes an
	// unresolved track — present in the catalog, but not streamable.
	for path, e := range dbByPath {
		if _, ok := newByPath[path]; ok {
			continue
		}
		t := unresolvedFromDBEntry(e)
		newTracks[t.TrackID] = t
	}

	idx.mu.Lock()
	idx.tracks = newTracks
	idx.byPath = newByPath
	idx.state = StateComplete
	idx.lastErr = nil
	idx.mu.Unlock()

	if idx.onProgress != nil {
		idx.onProgress(Progress{State: StateComplete, Processed: processed, Total: len(files)})
	}
	return nil
}

func (idx *Index) setState(s State) {
	idx.mu.Lock()
	idx.state = s
	idx.mu.Unlock()
}

func (idx *Index) setErr(err error) {
	idx.mu.Lock()
	idx.state = StateError
	idx.lastErr = err
	idx.mu.Unlock()
}

func (idx *Index) err() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.lastErr != nil
}

// walkMusicPaths recursively enumerates audio files under every configured
// music directory, skipping hidden entries, _Serato_-named directories, and
// guarding against symlink cycles via a canonical-path visited set.
func (idx *Index) walkMusicPaths(ctx context.Context) ([]string, error) {
	var files []string
	visited := make(map[string]struct{})

	var walk func(dir string) error
	walk = func(dir string) error {
		real, err := filepath.EvalSymlinks(dir)
		if err != nil {
			real = dir
		}
		if _, ok := visited[real]; ok {
			return nil
		}
		visited[real] = struct{}{}

		entries, err := os.ReadDir(dir)
		if err != nil {
			slog.Warn("libraryindex: read dir failed", "dir", dir, "err", err)
			return nil
		}
		for _, e := range entries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			name := e.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			if _, skip := skipDirNames[name]; skip {
				continue
			}
			full := filepath.Join(dir, name)
			if e.IsDir() {
				if err := walk(full); err != nil {
					return err
				}
				continue
			}
			if seratodb.IsAudioExt(filepath.Ext(name)) {
				files = append(files, full)
			}
		}
		return nil
	}

	for _, root := range idx.musicPaths {
		if err := walk(root); err != nil {
			return nil, err
		}
	}
	return files, nil
}

// buildTrack extracts metadata for an on-disk file, preferring database
// fields (bpm, key) the audio file itself doesn't carry, and falling back to
// basic filename-derived fields on tag-read failure.
func buildTrack(path string, dbEntry seratodb.Entry) *Track {
	t := &Track{
		Path:     path,
		Resolved: true,
		BPM:      dbEntry.BPM,
		Key:      dbEntry.Key,
		Format:   strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."),
		AddedAt:  time.Now().UTC(),
	}
	if info, err := os.Stat(path); err == nil {
		t.FileSize = info.Size()
	}

	f, err := os.Open(path)
	if err != nil {
		slog.Warn("libraryindex: open file failed", "path", path, "err", err)
		t.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		t.TrackID = trackID(t)
		return t
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		t.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		t.TrackID = trackID(t)
		return t
	}

	t.Artist = m.Artist()
	t.Title = m.Title()
	t.Album = m.Album()
	t.Genre = m.Genre()
	t.Year = m.Year()
	if n, _ := m.Track(); n > 0 {
		t.TrackNum = n
	}
	if t.Title == "" {
		t.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	t.TrackID = trackID(t)
	return t
}

// picture returns the embedded cover art for path, if the audio file's tags
// carry one.
func picture(path string) (mime string, data []byte, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, false
	}
	defer f.Close()
	m, err := tag.ReadFrom(f)
	if err != nil {
		return "", nil, false
	}
	pic := m.Picture()
	if pic == nil {
		return "", nil, false
	}
	return pic.MIMEType, pic.Data, true
}

// Artwork returns the embedded cover art for trackID, if the track is
// resolved to a file and that file carries one.
func (idx *Index) Artwork(trackID string) (mime string, data []byte, ok bool) {
	idx.mu.RLock()
	t, found := idx.tracks[trackID]
	idx.mu.RUnlock()
	if !found || !t.Resolved || t.Path == "" {
		return "", nil, false
	}
	return picture(t.Path)
}

func unresolvedFromDBEntry(e seratodb.Entry) *Track {
	t := &Track{
		Path:       e.Path,
		BPM:        e.BPM,
		Key:        e.Key,
		Format:     strings.TrimPrefix(strings.ToLower(filepath.Ext(e.Path)), "."),
		Unresolved: true,
	}
	t.Title = strings.TrimSuffix(filepath.Base(e.Path), filepath.Ext(e.Path))
	t.TrackID = trackID(t)
	return t
}

// trackID derives a stable 16-hex-char identifier from artist/title/duration
// when available, falling back to album/track-number/duration. Two tracks
// with identical derivable metadata collide on purpose — this is a content
// hash, not a UUID.
func trackID(t *Track) string {
	seed := strings.ToLower(t.Artist) + "|" + strings.ToLower(t.Title) + "|" + roundedDuration(t.Duration)
	if t.Artist == "" && t.Title == "" {
		seed = strings.ToLower(t.Album) + "|" + strconv.Itoa(t.TrackNum) + "|" + roundedDuration(t.Duration)
	}
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:8])
}

func roundedDuration(d float64) string {
	return strconv.FormatFloat(math.Round(d), 'f', 0, 64)
}

// ResolvedPath implements pkg/mediastream.PathResolver: it returns the
// on-disk path for trackID, if the track is resolved to one.
func (idx *Index) ResolvedPath(trackID string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	t, ok := idx.tracks[trackID]
	if !ok || !t.Resolved || t.Path == "" {
		return "", false
	}
	return t.Path, true
}

// Lookup returns the track with the given ID, if it exists.
func (idx *Index) Lookup(trackID string) (*Track, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	t, ok := idx.tracks[trackID]
	return t, ok
}

// TrackByPath returns the track currently indexed at the given absolute
// path, if one exists.
func (idx *Index) TrackByPath(path string) (*Track, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	t, ok := idx.byPath[path]
	return t, ok
}

// All returns every track currently in the index, sorted by artist then
// title for stable pagination.
func (idx *Index) All() []*Track {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*Track, 0, len(idx.tracks))
	for _, t := range idx.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Artist != out[j].Artist {
			return out[i].Artist < out[j].Artist
		}
		return out[i].Title < out[j].Title
	})
	return out
}

// Search performs a linear, case-folded substring match over artist, title,
// and album.
func (idx *Index) Search(query string) []*Track {
	return idx.SearchField(query, "all")
}

// SearchField performs a linear, case-folded substring match over a single
// field (title, artist, album) or all three when field is "" or "all".
func (idx *Index) SearchField(query, field string) []*Track {
	q := strings.ToLower(query)
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []*Track
	for _, t := range idx.tracks {
		if matchesField(t, q, field) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Artist != out[j].Artist {
			return out[i].Artist < out[j].Artist
		}
		return out[i].Title < out[j].Title
	})
	return out
}

func matchesField(t *Track, q, field string) bool {
	switch field {
	case "title":
		return strings.Contains(strings.ToLower(t.Title), q)
	case "artist":
		return strings.Contains(strings.ToLower(t.Artist), q)
	case "album":
		return strings.Contains(strings.ToLower(t.Album), q)
	default:
		return strings.Contains(strings.ToLower(t.Artist), q) ||
			strings.Contains(strings.ToLower(t.Title), q) ||
			strings.Contains(strings.ToLower(t.Album), q)
	}
}

// ResolvePath resolves a path recorded in a .crate file (which may be stale:
// moved, renamed, or on a volume mounted elsewhere) against the current
// index. Strategy, in order: exact path hit; filename match (disambiguated
// by artist/title/duration when more than one candidate shares a filename);
// metadata-hash match; otherwise unresolved.
func (idx *Index) ResolvePath(crateEntry Track) (*Track, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if t, ok := idx.byPath[crateEntry.Path]; ok {
		return t, nil
	}

	base := filepath.Base(crateEntry.Path)
	var candidates []*Track
	for _, t := range idx.byPath {
		if filepath.Base(t.Path) == base {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 1 {
		if metadataValidates(candidates[0], crateEntry) {
			return candidates[0], nil
		}
	}
	if len(candidates) > 1 {
		if best := disambiguate(candidates, crateEntry); best != nil {
			return best, nil
		}
	}

	if t, ok := idx.tracks[trackID(&crateEntry)]; ok {
		return t, nil
	}

	return nil, fmt.Errorf("libraryindex: unresolved path %q", crateEntry.Path)
}

// metadataValidates reports whether a sole filename-match candidate doesn't
// contradict whatever metadata the crate entry carries: any known field
// (artist, title, duration) that's present on both sides must agree. A
// crate entry with no metadata at all vacuously passes — there's nothing to
// contradict.
func metadataValidates(c *Track, want Track) bool {
	if want.Artist != "" && c.Artist != "" && !strings.EqualFold(c.Artist, want.Artist) {
		return false
	}
	if want.Title != "" && c.Title != "" && !strings.EqualFold(c.Title, want.Title) {
		return false
	}
	if want.Duration > 0 && c.Duration > 0 && math.Abs(c.Duration-want.Duration) > 2 {
		return false
	}
	return true
}

// disambiguate picks the candidate that best matches crateEntry's metadata
// using a lenient 2-of-3 rule across artist, title, and duration (within 2
// seconds); returns nil when no candidate clears the bar.
func disambiguate(candidates []*Track, want Track) *Track {
	var best *Track
	bestScore := 0
	for _, c := range candidates {
		score := 0
		if want.Artist != "" && strings.EqualFold(c.Artist, want.Artist) {
			score++
		}
		if want.Title != "" && strings.EqualFold(c.Title, want.Title) {
			score++
		}
		if want.Duration > 0 && math.Abs(c.Duration-want.Duration) <= 2 {
			score++
		}
		if score >= 2 && score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}
