package sandboxd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"settletrack/observability/metrics"
	"settletrack/tracking"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 16
)

type subscriber struct {
	frames chan []byte
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.frames) })
}

// Hub fans STATUS_UPDATE frames out to websocket subscribers of one
// resource. Slow subscribers are disconnected instead of blocking
// publishers.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

// NewHub constructs an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: make(map[string]map[*subscriber]struct{})}
}

func hubKey(kind tracking.Kind, id string) string {
	return string(kind) + "/" + id
}

func (h *Hub) subscribe(kind tracking.Kind, id string) (*subscriber, func()) {
	sub := &subscriber{frames: make(chan []byte, subscriberBuffer)}
	key := hubKey(kind, id)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub, func() {}
	}
	if h.subs[key] == nil {
		h.subs[key] = make(map[*subscriber]struct{})
	}
	h.subs[key][sub] = struct{}{}
	h.mu.Unlock()
	metrics.Sandbox().SubscriberAdded()

	return sub, func() {
		h.mu.Lock()
		if set, ok := h.subs[key]; ok {
			if _, ok := set[sub]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.subs, key)
				}
				metrics.Sandbox().SubscriberRemoved()
			}
		}
		h.mu.Unlock()
		sub.close()
	}
}

// Publish delivers frame to every subscriber of the resource.
func (h *Hub) Publish(kind tracking.Kind, frame StatusFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("encode status frame", slog.Any("error", err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[hubKey(kind, frame.ID)] {
		select {
		case sub.frames <- data:
		default:
			h.logger.Warn("dropping slow subscriber", slog.String("kind", string(kind)), slog.String("id", frame.ID))
			delete(h.subs[hubKey(kind, frame.ID)], sub)
			metrics.Sandbox().SubscriberRemoved()
			sub.close()
		}
	}
	metrics.Sandbox().IncPublished(string(kind))
}

// Subscribers returns the number of live subscriptions for a resource.
func (h *Hub) Subscribers(kind tracking.Kind, id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[hubKey(kind, id)])
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for key, set := range h.subs {
		for sub := range set {
			sub.close()
			metrics.Sandbox().SubscriberRemoved()
		}
		delete(h.subs, key)
	}
}

// serve upgrades the request and streams frames until either side goes away.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, kind tracking.Kind, id string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	sub, cancel := h.subscribe(kind, id)
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	if err := stream(ctx, conn, sub.frames); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func stream(ctx context.Context, conn *websocket.Conn, frames <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-frames:
			if !ok {
				return nil
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
