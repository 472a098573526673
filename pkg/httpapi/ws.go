package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"fixloop/pkg/broadcast"
)

// wsWriteTimeout bounds a single WebSocket frame write.
const wsWriteTimeout = 15 * time.Second

// wsSink writes terminal chunks as binary frames and control events
// (connected, heartbeat) as JSON text frames.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Headers() http.Header { return nil }

func (s *wsSink) Write(ctx context.Context, ev broadcast.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()

	if ev.Type == broadcast.EventTerminalOutput {
		var chunk broadcast.TerminalChunk
		if err := json.Unmarshal(ev.Payload, &chunk); err != nil {
			return fmt.Errorf("decode terminal chunk: %w", err)
		}
		return s.conn.Write(writeCtx, websocket.MessageBinary, chunk.Data)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *wsSink) End() error {
	return s.conn.Close(websocket.StatusNormalClosure, "stream ended")
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	issue, err := s.svc.ResolveIssue(r.Context(), r.PathValue("identifier"))
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	identifier := issue.Identifier

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "identifier", identifier, "error", err)
		return
	}
	defer conn.CloseNow()

	// The stream is server to client only; CloseRead ends ctx when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())
	sub := s.svc.SubscribeTerminal(ctx, identifier)
	_ = broadcast.Stream(ctx, sub, &wsSink{conn: conn})
}
