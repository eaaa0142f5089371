package originserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/halvard-ems/cratebridge/pkg/cratewriter"
	"github.com/halvard-ems/cratebridge/pkg/libraryindex"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	musicDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(musicDir, "track.mp3"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	idx := libraryindex.New([]string{musicDir}, nil)
	if err := idx.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	crates, err := cratewriter.New(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}

	return New(idx, crates), musicDir
}

func newRouter(s *Service) http.Handler {
	r := chi.NewRouter()
	s.Routes(r)
	return r
}

func TestHealthReturnsOK(t *testing.T) {
	s, _ := newTestService(t)
	rec := httptest.NewRecorder()
	newRouter(s).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListLibraryAndGetTrack(t *testing.T) {
	s, _ := newTestService(t)
	router := newRouter(s)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/library", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Tracks []libraryindex.Track `json:"tracks"`
		Total  int                  `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 1 {
		t.Fatalf("total = %d, want 1", body.Total)
	}

	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/api/library/"+body.Tracks[0].TrackID, nil))
	if getRec.Code != http.StatusOK {
		t.Fatalf("get track status = %d", getRec.Code)
	}
}

func TestGetTrackNotFound(t *testing.T) {
	s, _ := newTestService(t)
	rec := httptest.NewRecorder()
	newRouter(s).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/library/does-not-exist", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStreamTrack(t *testing.T) {
	s, _ := newTestService(t)
	router := newRouter(s)

	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, httptest.NewRequest(http.MethodGet, "/api/library", nil))
	var body struct {
		Tracks []libraryindex.Track `json:"tracks"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}

	streamRec := httptest.NewRecorder()
	router.ServeHTTP(streamRec, httptest.NewRequest(http.MethodGet, "/api/stream/"+body.Tracks[0].TrackID, nil))
	if streamRec.Code != http.StatusOK {
		t.Fatalf("stream status = %d", streamRec.Code)
	}
}

func TestCrateLifecycleThroughHTTP(t *testing.T) {
	s, _ := newTestService(t)
	router := newRouter(s)

	createRec := httptest.NewRecorder()
	router.ServeHTTP(createRec, httptest.NewRequest(http.MethodPost, "/api/crates",
		strings.NewReader(`{"name":"Warmup"}`)))
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", createRec.Code, createRec.Body.String())
	}

	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, httptest.NewRequest(http.MethodGet, "/api/crates", nil))
	var listBody struct {
		Crates []crateSummary `json:"crates"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &listBody); err != nil {
		t.Fatal(err)
	}
	if len(listBody.Crates) != 1 || listBody.Crates[0].Name != "Warmup" || listBody.Crates[0].CrateID != "warmup" {
		t.Fatalf("got %+v", listBody)
	}

	// Create again with the same name should conflict.
	dupRec := httptest.NewRecorder()
	router.ServeHTTP(dupRec, httptest.NewRequest(http.MethodPost, "/api/crates",
		strings.NewReader(`{"name":"Warmup"}`)))
	if dupRec.Code != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want 409", dupRec.Code)
	}

	libRec := httptest.NewRecorder()
	router.ServeHTTP(libRec, httptest.NewRequest(http.MethodGet, "/api/library", nil))
	var libBody struct {
		Tracks []libraryindex.Track `json:"tracks"`
	}
	if err := json.Unmarshal(libRec.Body.Bytes(), &libBody); err != nil {
		t.Fatal(err)
	}
	trackID := libBody.Tracks[0].TrackID

	addRec := httptest.NewRecorder()
	router.ServeHTTP(addRec, httptest.NewRequest(http.MethodPost, "/api/crates/warmup/tracks",
		strings.NewReader(`{"trackIds":["`+trackID+`"]}`)))
	if addRec.Code != http.StatusOK {
		t.Fatalf("add tracks status = %d body=%s", addRec.Code, addRec.Body.String())
	}

	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/api/crates/warmup", nil))
	var detail crateDetail
	if err := json.Unmarshal(getRec.Body.Bytes(), &detail); err != nil {
		t.Fatal(err)
	}
	if detail.TrackCount != 1 || len(detail.Tracks) != 1 || detail.Tracks[0].TrackID != trackID {
		t.Fatalf("got %+v", detail)
	}

	removeRec := httptest.NewRecorder()
	router.ServeHTTP(removeRec, httptest.NewRequest(http.MethodDelete, "/api/crates/warmup/tracks/"+trackID, nil))
	if removeRec.Code != http.StatusNoContent {
		t.Fatalf("remove track status = %d", removeRec.Code)
	}

	deleteRec := httptest.NewRecorder()
	router.ServeHTTP(deleteRec, httptest.NewRequest(http.MethodDelete, "/api/crates/warmup", nil))
	if deleteRec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", deleteRec.Code)
	}

	missingRec := httptest.NewRecorder()
	router.ServeHTTP(missingRec, httptest.NewRequest(http.MethodDelete, "/api/crates/warmup", nil))
	if missingRec.Code != http.StatusNotFound {
		t.Fatalf("delete-again status = %d, want 404", missingRec.Code)
	}
}
