package originserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/halvard-ems/cratebridge/internal/apierr"
	"github.com/halvard-ems/cratebridge/pkg/cratewriter"
	"github.com/halvard-ems/cratebridge/pkg/libraryindex"
	"github.com/halvard-ems/cratebridge/pkg/seratodb"
)

// crateSummary is the list-view shape for a crate.
type crateSummary struct {
	CrateID    string `json:"crateId"`
	Name       string `json:"name"`
	TrackCount int    `json:"trackCount"`
}

// crateDetail is the single-crate shape, with tracks resolved against the
// library index where possible.
type crateDetail struct {
	crateSummary
	Tracks []*libraryindex.Track `json:"tracks"`
}

// resolveCrateID maps a crateId (a URL slug) back to the underlying crate
// file name, since the writer's on-disk files are keyed by name, not slug.
func (s *Service) resolveCrateID(crateID string) (string, bool) {
	names, err := s.crates.List()
	if err != nil {
		return "", false
	}
	for _, n := range names {
		if cratewriter.SlugID(n) == crateID {
			return n, true
		}
	}
	return "", false
}

func (s *Service) listCrates(w http.ResponseWriter, r *http.Request) {
	names, err := s.crates.List()
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindInternal, err))
		return
	}
	summaries := make([]crateSummary, 0, len(names))
	for _, n := range names {
		count, _ := seratodb.CountCrateTracks(s.crates.FilePath(n))
		summaries = append(summaries, crateSummary{CrateID: cratewriter.SlugID(n), Name: n, TrackCount: count})
	}
	writeJSON(w, http.StatusOK, map[string]any{"crates": summaries})
}

func (s *Service) getCrate(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resolveCrateID(chi.URLParam(r, "crateId"))
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.KindCrateNotFound, "no such crate"))
		return
	}
	paths, err := seratodb.ReadCrateTracks(s.crates.FilePath(name))
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindInternal, err))
		return
	}
	tracks := make([]*libraryindex.Track, 0, len(paths))
	for _, p := range paths {
		if t, ok := s.index.TrackByPath(p); ok {
			tracks = append(tracks, t)
		}
	}
	writeJSON(w, http.StatusOK, crateDetail{
		crateSummary: crateSummary{CrateID: chi.URLParam(r, "crateId"), Name: name, TrackCount: len(paths)},
		Tracks:       tracks,
	})
}

func (s *Service) createCrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindInvalidRequest, "invalid JSON body"))
		return
	}
	if err := s.crates.Create(req.Name); err != nil {
		writeCrateErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, crateSummary{CrateID: cratewriter.SlugID(req.Name), Name: req.Name})
}

func (s *Service) addCrateTracks(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resolveCrateID(chi.URLParam(r, "crateId"))
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.KindCrateNotFound, "no such crate"))
		return
	}
	var req struct {
		TrackIDs []string `json:"trackIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindInvalidRequest, "invalid JSON body"))
		return
	}
	paths := make([]string, 0, len(req.TrackIDs))
	for _, id := range req.TrackIDs {
		if t, ok := s.index.Lookup(id); ok && t.Resolved {
			paths = append(paths, t.Path)
		}
	}
	if err := s.crates.AddTracks(name, paths); err != nil {
		writeCrateErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crateId": chi.URLParam(r, "crateId"), "added": len(paths)})
}

func (s *Service) removeCrateTrack(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resolveCrateID(chi.URLParam(r, "crateId"))
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.KindCrateNotFound, "no such crate"))
		return
	}
	t, ok := s.index.Lookup(chi.URLParam(r, "trackId"))
	if !ok || !t.Resolved {
		apierr.WriteJSON(w, apierr.New(apierr.KindTrackNotFound, "no such track"))
		return
	}
	if err := s.crates.RemoveTrack(name, t.Path); err != nil {
		writeCrateErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) deleteCrate(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resolveCrateID(chi.URLParam(r, "crateId"))
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.KindCrateNotFound, "no such crate"))
		return
	}
	if err := s.crates.Delete(name); err != nil {
		writeCrateErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeCrateErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cratewriter.ErrReadOnly):
		apierr.WriteJSON(w, apierr.New(apierr.KindReadOnlyWriter, "origin is in read-only mode"))
	case errors.Is(err, cratewriter.ErrInvalidName):
		apierr.WriteJSON(w, apierr.New(apierr.KindInvalidRequest, "invalid crate name"))
	case errors.Is(err, cratewriter.ErrExist):
		apierr.WriteJSON(w, apierr.New(apierr.KindCrateExists, "crate already exists"))
	default:
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindInternal, err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
