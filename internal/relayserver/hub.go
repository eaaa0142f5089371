package relayserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/halvard-ems/cratebridge/internal/apierr"
	"github.com/halvard-ems/cratebridge/pkg/kvkeys"
	"github.com/halvard-ems/cratebridge/pkg/tunnel"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(_ *http.Request) bool { return true },
}

// deviceHub tracks the single live connection per deviceId. Registering a
// new connection for an already-connected device evicts the old one —
// there is never more than one active origin session per device.
type deviceHub struct {
	mu      sync.RWMutex
	devices map[string]*deviceConn
}

func newDeviceHub() *deviceHub {
	return &deviceHub{devices: make(map[string]*deviceConn)}
}

func (h *deviceHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

func (h *deviceHub) isConnected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.devices[deviceID]
	return ok
}

func (h *deviceHub) get(deviceID string) (*deviceConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.devices[deviceID]
	return c, ok
}

// register installs c as the active connection for deviceID, evicting and
// closing whatever connection (if any) previously held that slot.
func (h *deviceHub) register(deviceID string, c *deviceConn) {
	h.mu.Lock()
	old, existed := h.devices[deviceID]
	h.devices[deviceID] = c
	h.mu.Unlock()
	if existed {
		slog.Info("relayserver: evicting previous connection", "device_id", deviceID)
		old.close()
	}
}

// unregister removes c from the hub, but only if it is still the
// currently-registered connection for its device (a newer registration may
// have already replaced it).
func (h *deviceHub) unregister(c *deviceConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.devices[c.deviceID]; ok && cur == c {
		delete(h.devices, c.deviceID)
	}
}

// pendingRequest correlates a proxied HTTP request with the frames the
// origin sends back for it: exactly one goroutine owns resolving it.
type pendingRequest struct {
	headers  chan tunnel.Envelope
	chunks   chan []byte
	done     chan error
	closedMu sync.Mutex
	closed   bool
}

func newPendingRequest() *pendingRequest {
	return &pendingRequest{
		headers: make(chan tunnel.Envelope, 1),
		chunks:  make(chan []byte, 64),
		done:    make(chan error, 1),
	}
}

func (p *pendingRequest) finish(err error) {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.done <- err
	close(p.chunks)
}

// deviceConn is one origin's live tunnel connection.
type deviceConn struct {
	deviceID string
	conn     *websocket.Conn
	writeMu  sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest
}

func newDeviceConn(deviceID string, conn *websocket.Conn) *deviceConn {
	return &deviceConn{
		deviceID: deviceID,
		conn:     conn,
		pending:  make(map[string]*pendingRequest),
	}
}

func (c *deviceConn) close() {
	c.writeMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.writeMu.Unlock()

	c.pendingMu.Lock()
	for id, p := range c.pending {
		p.finish(fmt.Errorf("relayserver: device disconnected"))
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func (c *deviceConn) writeEnvelope(e tunnel.Envelope) error {
	raw, err := tunnel.EncodeEnvelope(e)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(tunnel.WriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// dispatchEnvelope routes a text frame received from the origin to the
// pendingRequest it answers, identified by RequestID. Binary chunk frames go
// through dispatchChunk instead.
func (c *deviceConn) dispatchEnvelope(e tunnel.Envelope) {
	c.pendingMu.Lock()
	p, ok := c.pending[e.RequestID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	switch e.Type {
	case tunnel.MsgStreamResponse, tunnel.MsgHTTPResponse:
		select {
		case p.headers <- e:
		default:
		}
	case tunnel.MsgStreamEnd:
		p.finish(nil)
	case tunnel.MsgError:
		p.finish(apierr.New(apierr.Kind(e.ErrorKind), e.Message))
	}
}

func (c *deviceConn) dispatchChunk(requestID string, payload []byte) {
	c.pendingMu.Lock()
	p, ok := c.pending[requestID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case p.chunks <- buf:
	default:
		// Back-pressure: the HTTP writer is falling behind. Drop the
		// connection rather than buffer unboundedly.
		p.finish(fmt.Errorf("relayserver: chunk backlog exceeded"))
	}
}

// streamRequest proxies a single HTTP request to the origin over the
// tunnel and copies the response back to w as chunks arrive.
func (c *deviceConn) streamRequest(w http.ResponseWriter, r *http.Request, trackID string) {
	requestID := uuid.NewString()
	p := newPendingRequest()

	c.pendingMu.Lock()
	c.pending[requestID] = p
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	err := c.writeEnvelope(tunnel.Envelope{
		Type:      tunnel.MsgStreamRequest,
		RequestID: requestID,
		TrackID:   trackID,
		Range:     r.Header.Get("Range"),
	})
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindDeviceNotConnected, err))
		return
	}

	timeout := time.NewTimer(tunnel.RequestTimeout)
	defer timeout.Stop()

	var headers tunnel.Envelope
	select {
	case headers = <-p.headers:
	case <-timeout.C:
		apierr.WriteJSON(w, apierr.New(apierr.KindRequestTimeout, "origin did not respond in time"))
		return
	case <-r.Context().Done():
		c.sendCancel(requestID)
		return
	}

	for k, v := range headers.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(headers.Status)

	for {
		select {
		case chunk, ok := <-p.chunks:
			if !ok {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
		case err := <-p.done:
			if err != nil {
				slog.Warn("relayserver: stream ended with error", "request_id", requestID, "err", err)
			}
			// Drain any chunks that arrived before the end frame.
			for {
				select {
				case chunk, ok := <-p.chunks:
					if !ok {
						return
					}
					_, _ = w.Write(chunk)
				default:
					return
				}
			}
		case <-r.Context().Done():
			c.sendCancel(requestID)
			return
		}
	}
}

// sendCancel tells the origin to abort a request whose mobile client has
// disconnected. Errors are ignored: the tunnel itself may already be gone,
// in which case the origin has nothing left to cancel.
func (c *deviceConn) sendCancel(requestID string) {
	_ = c.writeEnvelope(tunnel.Envelope{Type: tunnel.MsgCancelStream, RequestID: requestID})
}

// handleOriginSocket upgrades an inbound connection from an origin and runs
// its read loop until disconnect.
func (s *Service) handleOriginSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("relayserver: websocket upgrade failed", "err", err)
		return
	}

	ws.SetReadLimit(tunnel.MaxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(tunnel.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(tunnel.PongWait))
	})

	_, raw, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return
	}
	env, err := tunnel.DecodeEnvelope(raw)
	if err != nil || env.Type != tunnel.MsgRegister || env.DeviceID == "" {
		ws.Close()
		return
	}

	if !s.authenticateOrigin(r.Context(), env.DeviceID, env.PairingSecret) {
		ack, _ := tunnel.EncodeEnvelope(tunnel.Envelope{Type: tunnel.MsgRegistered, OK: false, Message: "pairing rejected"})
		_ = ws.WriteMessage(websocket.TextMessage, ack)
		ws.Close()
		return
	}

	conn := newDeviceConn(env.DeviceID, ws)
	s.hub.register(env.DeviceID, conn)
	_ = s.devices.TouchLastSeen(r.Context(), env.DeviceID)
	if s.kv != nil {
		s.kv.Set(r.Context(), kvkeys.DeviceSession(env.DeviceID), "1", tunnel.PongWait)
	}

	if err := conn.writeEnvelope(tunnel.Envelope{Type: tunnel.MsgRegistered, OK: true}); err != nil {
		s.hub.unregister(conn)
		ws.Close()
		return
	}

	go s.pingLoop(conn)
	s.readLoop(conn)
}

func (s *Service) pingLoop(c *deviceConn) {
	ticker := time.NewTicker(tunnel.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(tunnel.WriteWait))
		err := c.conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
		if s.kv != nil {
			s.kv.Expire(context.Background(), kvkeys.DeviceSession(c.deviceID), tunnel.PongWait)
		}
	}
}

func (s *Service) readLoop(c *deviceConn) {
	defer func() {
		s.hub.unregister(c)
		c.close()
	}()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(tunnel.PongWait))

		switch msgType {
		case websocket.TextMessage:
			env, err := tunnel.DecodeEnvelope(data)
			if err != nil {
				continue
			}
			c.dispatchEnvelope(env)
		case websocket.BinaryMessage:
			requestID, payload, err := tunnel.DecodeChunk(data)
			if err != nil {
				continue
			}
			c.dispatchChunk(requestID, payload)
		}
	}
}
