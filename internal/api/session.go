package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cubetiles/engine/internal/codec"
	"github.com/cubetiles/engine/internal/source"
	"github.com/cubetiles/engine/internal/tile"
	"github.com/cubetiles/engine/pkg/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Cross-origin policy is enforced by the CORS middleware; the tile
	// protocol itself carries no credentials.
	CheckOrigin: func(*http.Request) bool { return true },
}

// sessionHandler serves the tile protocol over websocket connections.
type sessionHandler struct {
	source      source.Source
	codec       *codec.Codec
	frames      *FrameCache
	compression codec.Kind
	log         *zap.Logger
}

func (h *sessionHandler) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(codec.MaxFrameLen)

	if err := h.handshake(ws); err != nil {
		h.log.Warn("session handshake failed", zap.Error(err))
		return
	}

	if err := h.serve(r.Context(), ws); err != nil {
		h.log.Debug("session ended", zap.Error(err))
	}
}

func (h *sessionHandler) handshake(ws *websocket.Conn) error {
	msgType, msg, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read client hello: %w", err)
	}
	if msgType != websocket.BinaryMessage {
		return fmt.Errorf("%w: handshake must be a binary message", codec.ErrProtocolMismatch)
	}
	peer, err := codec.DecodeHandshake(msg)
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, codec.EncodeHandshake(codec.APIVersion)); err != nil {
		return fmt.Errorf("failed to send server hello: %w", err)
	}
	if peer != codec.APIVersion {
		return fmt.Errorf("%w: client api version %d, want %d", codec.ErrProtocolMismatch, peer, codec.APIVersion)
	}
	return nil
}

// serve answers request frames until the connection drops. Requests are
// handled concurrently, so responses can complete in any order; the
// client matches them by address.
func (h *sessionHandler) serve(ctx context.Context, ws *websocket.Conn) error {
	var writeMu sync.Mutex
	write := func(frame []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteMessage(websocket.BinaryMessage, frame)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for {
		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		addr, err := codec.DecodeRequest(msg)
		if err != nil {
			h.log.Warn("dropped malformed request", zap.Error(err))
			continue
		}
		g.Go(func() error {
			frame, err := h.frameFor(gctx, addr)
			if err != nil {
				h.log.Warn("failed to produce tile", zap.Stringer("addr", addr), zap.Error(err))
				return nil
			}
			if err := write(frame); err != nil {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// frameFor returns the encoded frame for an address, serving from the
// frame cache when possible.
func (h *sessionHandler) frameFor(ctx context.Context, addr tile.Address) ([]byte, error) {
	if h.frames != nil {
		if frame, ok := h.frames.Get(addr); ok {
			metrics.FramesServed.WithLabelValues("cached").Inc()
			return frame, nil
		}
	}

	d, err := h.source.ReadTile(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to read tile: %w", err)
	}
	frame, err := h.codec.EncodeFrame(addr, d, h.compression)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tile: %w", err)
	}
	if h.frames != nil {
		h.frames.Set(addr, frame)
	}
	metrics.FramesServed.WithLabelValues(d.Sentinel.String()).Inc()
	return frame, nil
}
