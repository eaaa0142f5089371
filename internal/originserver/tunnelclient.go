package originserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halvard-ems/cratebridge/pkg/tunnel"
)

// TunnelClient maintains the origin's outbound connection to a relay,
// answering stream_request frames by invoking the same streaming path the
// local HTTP API uses.
type TunnelClient struct {
	relayURL      string
	deviceID      string
	pairingSecret string
	svc           *Service

	writeMu sync.Mutex
	conn    *websocket.Conn

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	// writeEnvelopeFn and writeChunkFn default to c.writeEnvelope/c.writeChunk;
	// overridable in tests to observe frames without a live socket.
	writeEnvelopeFn func(tunnel.Envelope) error
	writeChunkFn    func(requestID string, payload []byte) error
}

// NewTunnelClient returns a client that will dial relayURL and register as
// deviceID using pairingSecret, proxying stream requests to svc.
func NewTunnelClient(relayURL, deviceID, pairingSecret string, svc *Service) *TunnelClient {
	return &TunnelClient{
		relayURL:      relayURL,
		deviceID:      deviceID,
		pairingSecret: pairingSecret,
		svc:           svc,
		cancels:       make(map[string]context.CancelFunc),
	}
}

func (c *TunnelClient) sendEnvelope(e tunnel.Envelope) error {
	if c.writeEnvelopeFn != nil {
		return c.writeEnvelopeFn(e)
	}
	return c.writeEnvelope(e)
}

func (c *TunnelClient) sendChunk(requestID string, payload []byte) error {
	if c.writeChunkFn != nil {
		return c.writeChunkFn(requestID, payload)
	}
	return c.writeChunk(requestID, payload)
}

// Run dials the relay and services frames until ctx is canceled or the
// connection drops, reconnecting with backoff on failure. It returns only
// when ctx is done.
func (c *TunnelClient) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.runOnce(ctx); err != nil {
			slog.Warn("originserver: tunnel connection failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *TunnelClient) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.relayURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetReadLimit(tunnel.MaxFrameSize)
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	regRaw, err := tunnel.EncodeEnvelope(tunnel.Envelope{
		Type:          tunnel.MsgRegister,
		DeviceID:      c.deviceID,
		PairingSecret: c.pairingSecret,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, regRaw); err != nil {
		return err
	}

	_, ackRaw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	ack, err := tunnel.DecodeEnvelope(ackRaw)
	if err != nil || ack.Type != tunnel.MsgRegistered || !ack.OK {
		return errRegistrationRejected
	}

	go c.pingLoop(conn)

	_ = conn.SetReadDeadline(time.Now().Add(tunnel.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(tunnel.PongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(tunnel.PongWait))

		if msgType != websocket.TextMessage {
			continue
		}
		env, err := tunnel.DecodeEnvelope(data)
		if err != nil {
			continue
		}
		switch env.Type {
		case tunnel.MsgStreamRequest:
			go c.handleStreamRequest(env)
		case tunnel.MsgCancelStream:
			c.cancelRequest(env.RequestID)
		}
	}
}

var errRegistrationRejected = &tunnelError{"originserver: relay rejected registration"}

type tunnelError struct{ msg string }

func (e *tunnelError) Error() string { return e.msg }

func (c *TunnelClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(tunnel.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(tunnel.WriteWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *TunnelClient) writeEnvelope(e tunnel.Envelope) error {
	raw, err := tunnel.EncodeEnvelope(e)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return &tunnelError{"originserver: no active tunnel connection"}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(tunnel.WriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *TunnelClient) writeChunk(requestID string, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return &tunnelError{"originserver: no active tunnel connection"}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(tunnel.WriteWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, tunnel.EncodeChunk(requestID, payload))
}

// handleStreamRequest answers a relay-proxied stream_request by running it
// through the origin's own streaming path (pkg/mediastream), capturing the
// resulting status/headers, then forwarding the body as chunk frames.
func (c *TunnelClient) handleStreamRequest(env tunnel.Envelope) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelMu.Lock()
	c.cancels[env.RequestID] = cancel
	c.cancelMu.Unlock()
	defer func() {
		c.cancelMu.Lock()
		delete(c.cancels, env.RequestID)
		c.cancelMu.Unlock()
		cancel()
	}()

	req := httptest.NewRequest(http.MethodGet, "/api/stream/"+env.TrackID, nil).WithContext(ctx)
	if env.Range != "" {
		req.Header.Set("Range", env.Range)
	}

	pw := &pipeResponseWriter{
		onHeader: func(status int, headers http.Header) {
			h := make(map[string]string, len(headers))
			for k := range headers {
				h[k] = headers.Get(k)
			}
			_ = c.sendEnvelope(tunnel.Envelope{
				Type:      tunnel.MsgStreamResponse,
				RequestID: env.RequestID,
				Status:    status,
				Headers:   h,
			})
		},
		onChunk: func(b []byte) {
			_ = c.sendChunk(env.RequestID, b)
		},
	}

	if err := c.svc.stream.Stream(pw, req, env.TrackID); err != nil {
		_ = c.sendEnvelope(tunnel.Envelope{
			Type:      tunnel.MsgError,
			RequestID: env.RequestID,
			ErrorKind: "track_not_found",
			Message:   err.Error(),
		})
		return
	}
	_ = c.sendEnvelope(tunnel.Envelope{Type: tunnel.MsgStreamEnd, RequestID: env.RequestID})
}

func (c *TunnelClient) cancelRequest(requestID string) {
	c.cancelMu.Lock()
	cancel, ok := c.cancels[requestID]
	c.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

// pipeResponseWriter adapts http.ResponseWriter's header/body model to the
// tunnel's frame-based response model: the first Write (or WriteHeader)
// triggers onHeader, and every Write, the first included, becomes one chunk
// frame.
type pipeResponseWriter struct {
	header      http.Header
	onHeader    func(status int, headers http.Header)
	onChunk     func([]byte)
	wroteHeader bool
}

func (w *pipeResponseWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *pipeResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.onHeader(status, w.header)
}

func (w *pipeResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	w.onChunk(b)
	return len(b), nil
}
