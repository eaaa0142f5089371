// Package tunnel defines the wire protocol shared by the origin's tunnel
// client and the relay's tunnel server: JSON text frames for control
// messages, binary frames for chunked audio payload, multiplexed over a
// single WebSocket connection by requestId.
package tunnel

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// WebSocket connection tuning shared by both ends of the tunnel.
const (
	WriteWait    = 10 * time.Second
	PongWait     = 60 * time.Second
	PingInterval = (PongWait * 9) / 10
	// RequestTimeout bounds how long a relay-side pending request waits for
	// the origin to answer before it is failed and evicted.
	RequestTimeout = 30 * time.Second
	// MaxFrameSize bounds both text and binary frame sizes.
	MaxFrameSize = 10 << 20
)

// MessageType discriminates the JSON control envelope.
type MessageType string

const (
	MsgRegister      MessageType = "register"
	MsgRegistered    MessageType = "registered"
	MsgStreamRequest MessageType = "stream_request"
	MsgStreamResponse MessageType = "stream_response"
	MsgStreamEnd     MessageType = "stream_end"
	MsgCancelStream  MessageType = "cancel_stream"
	MsgError         MessageType = "error"
	MsgHTTPRequest   MessageType = "http_request"
	MsgHTTPResponse  MessageType = "http_response"
	MsgPing          MessageType = "ping"
	MsgPong          MessageType = "pong"
)

// Envelope is the outer shape of every JSON control message. Payload fields
// not relevant to Type are left zero.
type Envelope struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`

	// register
	DeviceID      string `json:"deviceId,omitempty"`
	PairingSecret string `json:"pairingSecret,omitempty"`

	// registered
	OK      bool   `json:"ok,omitempty"`
	Message string `json:"message,omitempty"`

	// stream_request
	TrackID string `json:"trackId,omitempty"`
	Range   string `json:"range,omitempty"`

	// stream_response
	Status        int               `json:"status,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	ContentLength int64             `json:"contentLength,omitempty"`

	// http_request / http_response (generic passthrough for non-stream API
	// calls proxied through the tunnel, e.g. /api/library)
	Method string            `json:"method,omitempty"`
	Path   string            `json:"path,omitempty"`
	Query  string            `json:"query,omitempty"`
	Body   []byte            `json:"body,omitempty"`
	ReqHdr map[string]string `json:"reqHeaders,omitempty"`

	// error
	ErrorKind string `json:"errorKind,omitempty"`
}

// EncodeEnvelope marshals e for sending as a text frame.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope unmarshals a text frame into an Envelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(b, &e)
	return e, err
}

// requestIDLenSize is the width, in bytes, of the binary chunk frame's
// request-id length prefix.
const requestIDLenSize = 4

// EncodeChunk frames a binary audio chunk as
// [uint32 BE requestIdLen][requestId][payload].
func EncodeChunk(requestID string, payload []byte) []byte {
	idBytes := []byte(requestID)
	out := make([]byte, requestIDLenSize+len(idBytes)+len(payload))
	binary.BigEndian.PutUint32(out[:requestIDLenSize], uint32(len(idBytes)))
	copy(out[requestIDLenSize:], idBytes)
	copy(out[requestIDLenSize+len(idBytes):], payload)
	return out
}

// DecodeChunk reverses EncodeChunk. The returned payload aliases frame.
func DecodeChunk(frame []byte) (requestID string, payload []byte, err error) {
	if len(frame) < requestIDLenSize {
		return "", nil, fmt.Errorf("tunnel: frame too short for length prefix")
	}
	idLen := binary.BigEndian.Uint32(frame[:requestIDLenSize])
	start := requestIDLenSize
	end := start + int(idLen)
	if end < start || end > len(frame) {
		return "", nil, fmt.Errorf("tunnel: frame requestId length overruns frame")
	}
	return string(frame[start:end]), frame[end:], nil
}
