package apierr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusFor(t *testing.T) {
	cases := map[Kind]int{
		KindTrackNotFound:       http.StatusNotFound,
		KindRangeNotSatisfiable: http.StatusRequestedRangeNotSatisfiable,
		KindReadOnlyWriter:      http.StatusNotImplemented,
		Kind("made_up"):         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := StatusFor(kind); got != want {
			t.Errorf("StatusFor(%q) = %d, want %d", kind, got, want)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, New(KindTrackNotFound, "no such track"))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var b struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatal(err)
	}
	if b.Kind != string(KindTrackNotFound) || b.Error != "no such track" {
		t.Errorf("got %+v", b)
	}
}

type plainErr struct{}

func (p *plainErr) Error() string { return "unexpected failure" }

func TestWriteJSONFallsBackToInternalForPlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, &plainErr{})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
