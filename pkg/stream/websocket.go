package stream

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Handler upgrades to a websocket and relays hub events as JSON frames until
// either side goes away. originPatterns restricts cross-origin upgrades.
func Handler(h *Hub, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		opts := &websocket.AcceptOptions{OriginPatterns: originPatterns}
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			logger.WarnContext(r.Context(), "websocket accept failed", "error", err)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		sub := h.Subscribe(64)
		defer h.Unsubscribe(sub)

		_ = wsjson.Write(ctx, conn, NewEvent("ready", nil))
		readErr := make(chan error, 1)
		go func() {
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					readErr <- err
					return
				}
			}
		}()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case <-readErr:
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case evt, ok := <-sub:
				if !ok {
					_ = conn.Close(websocket.StatusNormalClosure, "closed")
					return
				}
				writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
				err := wsjson.Write(writeCtx, conn, evt)
				cancelWrite()
				if err != nil {
					_ = conn.Close(websocket.StatusPolicyViolation, "write_failed")
					return
				}
			}
		}
	}
}

// OriginPatterns splits a comma-separated WS_ALLOWED_ORIGINS value.
func OriginPatterns(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
