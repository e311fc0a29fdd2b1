package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tjfontaine/genpipe/internal/core/domain"
)

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsFrame is one WebSocket message.
type wsFrame struct {
	Seq  uint64        `json:"seq"`
	Data *domain.Event `json:"data"`
}

// HandleEvents streams an instance's events as server-sent events. The
// first event is a status snapshot; the stream ends after a terminal
// status.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, domain.ErrServer("streaming not supported"))
		return
	}

	sub, err := h.events.Subscribe(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if e.Type == domain.EventPing {
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Error("failed to encode event",
					slog.String("instance_id", id),
					slog.String("error", err.Error()))
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data)
			flusher.Flush()
			if finished(e) {
				return
			}
		}
	}
}

// HandleWebSocket streams an instance's events as {seq, data} frames and
// pings the client periodically.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := h.events.Subscribe(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			slog.String("instance_id", id),
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	pongWait := 2 * h.pingInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// the reader only drains control frames and notices disconnects
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				closeNormal(conn)
				return
			}
			if e.Type == domain.EventPing {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(wsFrame{Seq: e.Seq, Data: e}); err != nil {
				h.logger.Debug("websocket write failed",
					slog.String("instance_id", id),
					slog.String("error", err.Error()))
				return
			}
			if finished(e) {
				closeNormal(conn)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// finished reports whether e announces a terminal status.
func finished(e *domain.Event) bool {
	if e.Type != domain.EventStatus {
		return false
	}
	s, _ := e.Payload["status"].(string)
	return domain.Status(s).Terminal()
}
