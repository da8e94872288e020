package rpc

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// wsStream is a jsonrpc2.ObjectStream over one WebSocket connection.
// Each text frame carries one envelope. Reads hand back the raw frame so a
// malformed or truncated message costs only that frame, never the session.
type wsStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // gorilla allows one concurrent writer
}

func newWebSocketStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) WriteObject(obj any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(obj)
}

// ReadObject reads the next frame. Errors come only from the connection
// itself; frame contents are left for the caller to decode.
func (s *wsStream) ReadObject(v any) error {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return err
	}
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = data
		return nil
	}
	return json.Unmarshal(data, v)
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
