package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// dialConnPair spins up one httptest server accepting a websocket, dials it,
// and returns both sides wrapped as *Conn, mirroring lokutor_test.go's
// client/server harness pattern but with both ends under transport.Conn.
func dialConnPair(t *testing.T, serverSide func(*Conn)) *Conn {
	t.Helper()
	ready := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		serverSide(NewConn(ws, nil))
		<-ready
	}))
	t.Cleanup(server.Close)

	clientWS, _, err := websocket.Dial(context.Background(), "ws"+server.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() {
		close(ready)
		clientWS.Close(websocket.StatusNormalClosure, "test done")
	})
	return NewConn(clientWS, nil)
}

func TestConn_WriteBinaryReadInbound(t *testing.T) {
	client := dialConnPair(t, func(server *Conn) {
		server.WriteBinary(context.Background(), []byte{1, 2, 3})
	})

	msg, err := client.ReadInbound(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Kind != InboundBinary {
		t.Fatalf("expected InboundBinary, got %v", msg.Kind)
	}
	if len(msg.Binary) != 3 || msg.Binary[0] != 1 {
		t.Errorf("unexpected binary payload: %v", msg.Binary)
	}
}

func TestConn_WriteFrameReadInbound(t *testing.T) {
	client := dialConnPair(t, func(server *Conn) {
		server.WriteFrame(context.Background(), Frame{Type: FrameInput, Content: "turn it off"})
	})

	msg, err := client.ReadInbound(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Kind != InboundFrame {
		t.Fatalf("expected InboundFrame, got %v", msg.Kind)
	}
	if msg.Frame.Type != FrameInput || msg.Frame.Content != "turn it off" {
		t.Errorf("unexpected frame: %+v", msg.Frame)
	}
}

func TestConn_UnrecognizedFrameTypeDropped(t *testing.T) {
	client := dialConnPair(t, func(server *Conn) {
		server.WriteFrame(context.Background(), Frame{Type: FrameType("bogus"), Content: "x"})
	})

	msg, err := client.ReadInbound(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Kind != InboundUnknownFrame {
		t.Fatalf("expected InboundUnknownFrame for an unrecognized type, got %v", msg.Kind)
	}
}

func TestConn_MalformedJSONDropped(t *testing.T) {
	client := dialConnPair(t, func(server *Conn) {
		server.ws.Write(context.Background(), websocket.MessageText, []byte("{not json"))
	})

	msg, err := client.ReadInbound(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Kind != InboundUnknownFrame {
		t.Fatalf("expected InboundUnknownFrame for malformed JSON, got %v", msg.Kind)
	}
}

func TestConn_ReadAfterCloseErrors(t *testing.T) {
	done := make(chan struct{})
	client := dialConnPair(t, func(server *Conn) {
		server.Close(websocket.StatusNormalClosure, "bye")
		close(done)
	})
	<-done

	_, err := client.ReadInbound(context.Background())
	if err == nil {
		t.Fatalf("expected an error reading from a closed connection")
	}
}

func TestConn_Timeout(t *testing.T) {
	client := dialConnPair(t, func(server *Conn) {
		// server writes nothing; client read should time out
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.ReadInbound(ctx)
	if err == nil {
		t.Fatalf("expected a context-deadline error")
	}
}
