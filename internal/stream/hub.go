// Package stream pushes trade events to websocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"trade-entry/internal/events"
	"trade-entry/internal/metrics"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const writeTimeout = 5 * time.Second

type subscriber struct {
	ch chan []byte
}

// Hub broadcasts every published event to all connected clients. Slow
// clients lose messages rather than stall the publisher.
type Hub struct {
	buffer       int
	pingInterval time.Duration
	dropped      metrics.Counter
	log          *zap.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewHub(buffer int, pingInterval time.Duration, dropped metrics.Counter, log *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if dropped == nil {
		dropped = metrics.NewNoop().EventsDropped
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		buffer:       buffer,
		pingInterval: pingInterval,
		dropped:      dropped,
		log:          log,
		subs:         make(map[*subscriber]struct{}),
	}
}

func (h *Hub) Publish(_ context.Context, e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Warn("stream encode failed", zap.String("trade_id", e.TradeID.Hex()), zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- data:
		default:
			h.dropped.Inc()
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("stream accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusInternalError, "") }()

	sub := &subscriber{ch: make(chan []byte, h.buffer)}
	h.add(sub)
	defer h.remove(sub)

	// Subscribers never send; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	err = h.writeLoop(ctx, conn, sub)
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
		return
	}
	if err != nil {
		h.log.Debug("stream subscriber ended", zap.Error(err))
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, sub *subscriber) error {
	var ping <-chan time.Time
	if h.pingInterval > 0 {
		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-sub.ch:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ping:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}
