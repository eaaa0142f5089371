// Package originserver implements the local library server: the HTTP API a
// desktop/LAN client talks to directly, plus the tunnel client that mirrors
// the same operations out to a relay for remote (mobile) clients.
package originserver

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/halvard-ems/cratebridge/internal/apierr"
	"github.com/halvard-ems/cratebridge/pkg/cratewriter"
	"github.com/halvard-ems/cratebridge/pkg/libraryindex"
	"github.com/halvard-ems/cratebridge/pkg/mediastream"
)

// Service wires the origin's HTTP surface: library browsing, crate
// management, and audio streaming.
type Service struct {
	index     *libraryindex.Index
	stream    *mediastream.Service
	crates    *cratewriter.Writer
	startedAt time.Time
}

// New returns an origin Service over the given library index and crate
// writer, with a media streamer that resolves tracks through the index.
func New(index *libraryindex.Index, crates *cratewriter.Writer) *Service {
	return &Service{
		index:     index,
		crates:    crates,
		stream:    mediastream.New(index),
		startedAt: time.Now(),
	}
}

// Routes registers the origin's HTTP endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/health", s.health)
	r.Get("/api/library", s.listLibrary)
	r.Get("/api/library/status", s.libraryStatus)
	r.Get("/api/library/{trackId}", s.getTrack)
	r.Get("/api/search", s.search)

	r.Get("/api/crates", s.listCrates)
	r.Get("/api/crates/{crateId}", s.getCrate)
	r.Post("/api/crates", s.createCrate)
	r.Post("/api/crates/{crateId}/tracks", s.addCrateTracks)
	r.Delete("/api/crates/{crateId}/tracks/{trackId}", s.removeCrateTrack)
	r.Delete("/api/crates/{crateId}", s.deleteCrate)

	r.Get("/api/stream/{trackId}", s.streamTrack)
	r.Head("/api/stream/{trackId}", s.streamTrack)
	r.Get("/api/artwork/{trackId}", s.artwork)
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startedAt).Seconds(),
	})
}

func (s *Service) libraryStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"phase": s.index.State().String()})
}

func (s *Service) listLibrary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var tracks []*libraryindex.Track
	if search := q.Get("search"); search != "" {
		tracks = s.index.Search(search)
	} else {
		tracks = s.index.All()
	}
	sortTracks(tracks, q.Get("sortBy"))

	limit, offset := pagination(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"tracks": paginate(tracks, limit, offset),
		"total":  len(tracks),
	})
}

// sortTracks orders tracks in place by the requested field, defaulting to
// the artist/title order libraryindex.Index already returns them in.
func sortTracks(tracks []*libraryindex.Track, by string) {
	switch by {
	case "title":
		sort.SliceStable(tracks, func(i, j int) bool { return tracks[i].Title < tracks[j].Title })
	case "album":
		sort.SliceStable(tracks, func(i, j int) bool { return tracks[i].Album < tracks[j].Album })
	case "addedAt":
		sort.SliceStable(tracks, func(i, j int) bool { return tracks[i].AddedAt.Before(tracks[j].AddedAt) })
	case "duration":
		sort.SliceStable(tracks, func(i, j int) bool { return tracks[i].Duration < tracks[j].Duration })
	case "artist", "":
		// already artist/title ordered
	}
}

func (s *Service) getTrack(w http.ResponseWriter, r *http.Request) {
	trackID := chi.URLParam(r, "trackId")
	t, ok := s.index.Lookup(trackID)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.KindTrackNotFound, "no such track"))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Service) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	field := r.URL.Query().Get("field")
	writeJSON(w, http.StatusOK, map[string]any{"tracks": s.index.SearchField(q, field)})
}

func (s *Service) streamTrack(w http.ResponseWriter, r *http.Request) {
	trackID := chi.URLParam(r, "trackId")
	if err := s.stream.Stream(w, r, trackID); err != nil {
		switch err {
		case mediastream.ErrNotFound:
			apierr.WriteJSON(w, apierr.New(apierr.KindTrackNotFound, "track not found or not accessible"))
		case mediastream.ErrRangeNotSatisfiable:
			apierr.WriteJSON(w, apierr.New(apierr.KindRangeNotSatisfiable, "range not satisfiable"))
		default:
			apierr.WriteJSON(w, apierr.Wrap(apierr.KindInternal, err))
		}
	}
}

func (s *Service) artwork(w http.ResponseWriter, r *http.Request) {
	trackID := chi.URLParam(r, "trackId")
	mime, data, ok := s.index.Artwork(trackID)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.KindTrackNotFound, "no artwork for this track"))
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(data)
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 100
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func paginate(tracks []*libraryindex.Track, limit, offset int) []*libraryindex.Track {
	if offset >= len(tracks) {
		return nil
	}
	end := offset + limit
	if end > len(tracks) {
		end = len(tracks)
	}
	return tracks[offset:end]
}
