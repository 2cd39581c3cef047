package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"fundledger/services/settlementd/models"
	"fundledger/services/settlementd/tracker"
)

const streamWriteTimeout = 10 * time.Second

// streamTransactions pushes ledger transaction transitions to the caller.
// The optional source query parameter narrows the feed to one source type.
func (s *Server) streamTransactions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Feed == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "stream unavailable"})
		return
	}
	source := models.SourceType(strings.TrimSpace(r.URL.Query().Get("source")))

	events, cancel := s.cfg.Feed.Subscribe()
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Warn("stream upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// CloseRead drains control frames; ctx ends once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if source != "" && ev.SourceType != source {
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				status := websocket.CloseStatus(err)
				if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
					s.logger.Debug("stream write failed", slog.Any("error", err))
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev tracker.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
