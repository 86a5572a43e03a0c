package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/duplexvoice/orchestrator/pkg/orchestrator"
)

// Conn wraps one coder/websocket connection with the duplex-channel framing
// spec.md §6 describes: binary frames are raw PCM, text frames are JSON
// Frames. Writes are serialized through a single mutex so binary audio and
// JSON control frames never interleave mid-message on the wire — the same
// single-writer discipline the teacher's LokutorTTS client applies to its
// own connection.
type Conn struct {
	ws     *websocket.Conn
	logger orchestrator.Logger

	writeMu sync.Mutex
}

func NewConn(ws *websocket.Conn, logger orchestrator.Logger) *Conn {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Conn{ws: ws, logger: logger}
}

// InboundKind distinguishes a binary PCM read from a decoded JSON Frame.
type InboundKind int

const (
	InboundBinary InboundKind = iota
	InboundFrame
	InboundUnknownFrame
)

// InboundMessage is the result of one ReadInbound call.
type InboundMessage struct {
	Kind   InboundKind
	Binary []byte
	Frame  Frame
}

// ReadInbound reads one message off the wire, decoding text messages as
// Frames. A text message with an unrecognized `type` is returned as
// InboundUnknownFrame rather than an error — spec §6 requires the connection
// stay open and the frame be dropped with a WARN log, not treated as fatal.
func (c *Conn) ReadInbound(ctx context.Context) (InboundMessage, error) {
	msgType, data, err := c.ws.Read(ctx)
	if err != nil {
		return InboundMessage{}, err
	}

	if msgType == websocket.MessageBinary {
		return InboundMessage{Kind: InboundBinary, Binary: data}, nil
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("dropping malformed text frame", "error", err)
		return InboundMessage{Kind: InboundUnknownFrame}, nil
	}
	switch f.Type {
	case FrameInput, FrameInterrupt:
		return InboundMessage{Kind: InboundFrame, Frame: f}, nil
	default:
		c.logger.Warn("dropping unrecognized frame type", "type", f.Type)
		return InboundMessage{Kind: InboundUnknownFrame}, nil
	}
}

// WriteBinary writes one raw PCM frame (outbound audio, 16-bit mono 24kHz).
func (c *Conn) WriteBinary(ctx context.Context, pcm []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageBinary, pcm)
}

// WriteFrame writes one JSON control frame.
func (c *Conn) WriteFrame(ctx context.Context, f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, body)
}

func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}
