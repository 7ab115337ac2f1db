package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const streamWriteTimeout = 5 * time.Second

// StreamHandler serves a tunnel's realtime series over a websocket. It
// sends the current window first, then every new point. Messages from the
// client are ignored.
type StreamHandler struct {
	series *RealtimeSeries
	known  func(tunnel string) bool
	logger zerolog.Logger
}

// NewStreamHandler builds the handler. known reports whether a tunnel
// exists; unknown tunnels get a 404.
func NewStreamHandler(series *RealtimeSeries, known func(string) bool, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		series: series,
		known:  known,
		logger: logger.With().Str("component", "telemetry").Logger(),
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tunnel := chi.URLParam(r, "tunnel")
	if tunnel == "" || (h.known != nil && !h.known(tunnel)) {
		http.Error(w, "unknown tunnel", http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer ws.CloseNow()

	points, cancel := h.series.Subscribe(tunnel)
	defer cancel()
	ctx := ws.CloseRead(r.Context())

	if err := h.write(ctx, ws, h.series.Points(tunnel)); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "")
			return
		case p := <-points:
			if err := h.write(ctx, ws, p); err != nil {
				h.logger.Debug().Err(err).Str("tunnel", tunnel).Msg("traffic stream closed")
				return
			}
		}
	}
}

func (h *StreamHandler) write(ctx context.Context, ws *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}
