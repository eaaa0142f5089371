// Package relayserver implements the cloud relay side of the tunnel: it
// accepts WebSocket connections from origins, proxies mobile clients'
// requests to them as stream requests, and persists device pairings.
package relayserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/halvard-ems/cratebridge/internal/apierr"
	"github.com/halvard-ems/cratebridge/pkg/devicereg"
)

// deviceRegistry is the subset of *devicereg.Store the relay needs,
// narrowed to an interface so tests can substitute an in-memory fake.
type deviceRegistry interface {
	Register(ctx context.Context, deviceID, secretHash, userLabel string) (devicereg.Device, error)
	Get(ctx context.Context, deviceID string) (devicereg.Device, error)
	TouchLastSeen(ctx context.Context, deviceID string) error
	Delete(ctx context.Context, deviceID string) error
}

// Service wires the relay's HTTP and WebSocket surface together.
type Service struct {
	devices   deviceRegistry
	kv        *redis.Client
	jwtSecret []byte
	hub       *deviceHub
}

// New returns a relay Service backed by the given device registry and
// Redis client, signing mobile JWTs with jwtSecret.
func New(devices deviceRegistry, kv *redis.Client, jwtSecret string) *Service {
	return &Service{
		devices:   devices,
		kv:        kv,
		jwtSecret: []byte(jwtSecret),
		hub:       newDeviceHub(),
	}
}

// Routes registers the relay's HTTP endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/health", s.health)
	r.Get("/ws/desktop", s.handleOriginSocket)

	r.Post("/api/pair", s.startPairing)
	r.Post("/api/pair/verify", s.verifyPairing)

	r.Group(func(r chi.Router) {
		r.Use(s.mobileAuthMiddleware)
		r.Get("/api/device/{deviceId}/status", s.deviceStatus)
		r.Delete("/api/device/{deviceId}/pairing", s.unpairDevice)
		// Catch-all proxy: every method under /api/{deviceId}/* is forwarded
		// to the origin as a stream_request tunnel frame, using only the
		// final path segment as the trackId — deeper route hierarchies on
		// the origin side are not addressable through the relay.
		r.Handle("/api/{deviceId}/*", http.HandlerFunc(s.proxyToOrigin))
	})
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"connectedDevices": s.hub.count(),
	})
}

func (s *Service) deviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	connected := s.hub.isConnected(deviceID)
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId":  deviceID,
		"connected": connected,
	})
}

// unpairDevice revokes the caller's mobile token, evicts any live tunnel
// connection for the device, and removes its pairing from the registry.
// Only the device the presented token authenticates for can be unpaired.
func (s *Service) unpairDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	if deviceID != DeviceIDFromCtx(r.Context()) {
		apierr.WriteJSON(w, apierr.New(apierr.KindUnauthorized, "token does not authorize this device"))
		return
	}
	if jti := tokenIDFromCtx(r.Context()); jti != "" {
		_ = s.revokeMobileToken(r.Context(), jti)
	}
	if conn, ok := s.hub.get(deviceID); ok {
		conn.close()
	}
	if err := s.devices.Delete(r.Context(), deviceID); err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindInternal, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lastPathSegment returns the final "/"-separated segment of a proxied
// path, matching the relay's literal, non-hierarchical routing: a request
// for /api/<device>/library/tracks/abc is treated as a request for trackId
// "abc", with "/library/tracks/" simply discarded.
func lastPathSegment(path string) string {
	path = strings.TrimSuffix(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

func (s *Service) proxyToOrigin(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	trackID := lastPathSegment(r.URL.Path)

	conn, ok := s.hub.get(deviceID)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.KindDeviceNotConnected, "device is not connected"))
		return
	}

	conn.streamRequest(w, r, trackID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
