package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/core/service"
)

const (
	wsWriteWait = 10 * time.Second
	wsMaxMissed = 2
)

// Subscriber opens filtered change subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, filter domain.ChangeFilter) (*service.Subscription, error)
}

// StreamHandler pushes change events to long-lived HTTP clients, over
// server-sent events or a WebSocket. Streams start from "now"; a client that
// reconnects gets the events published after it is subscribed again.
type StreamHandler struct {
	notifier  Subscriber
	log       *zap.Logger
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

// StreamMessage is the JSON payload of one pushed message.
type StreamMessage struct {
	Type   string              `json:"type"`
	Event  *domain.ChangeEvent `json:"event,omitempty"`
	Alerts []domain.StockAlert `json:"alerts,omitempty"`
}

func NewStreamHandler(notifier Subscriber, log *zap.Logger, heartbeat time.Duration) *StreamHandler {
	return &StreamHandler{
		notifier:  notifier,
		log:       log,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *StreamHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/streams/changes", h.ServeSSE)
	mux.HandleFunc("GET /api/v1/ws/changes", h.ServeWebSocket)
}

// ServeSSE streams change and alert events as text/event-stream. Idle
// connections get a comment line every heartbeat interval.
func (h *StreamHandler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorBody{Kind: string(domain.KindValidation), Message: err.Error()})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrorBody{Kind: string(domain.KindStore), Message: "streaming not supported"})
		return
	}

	sub, err := h.notifier.Subscribe(r.Context(), filter)
	if err != nil {
		status, body := errorResponse(err)
		writeError(w, status, body)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %s\n\n", sub.ID)
	flusher.Flush()

	log := h.log.With(zap.String("subscription_id", sub.ID))
	log.Debug("sse client connected", zap.String("remote_addr", r.RemoteAddr))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("sse client disconnected")
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			for _, msg := range messagesFor(filter, ev) {
				if err := writeSSE(w, ev.ID, msg); err != nil {
					log.Debug("sse write failed", zap.Error(err))
					return
				}
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, id string, msg StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
	return err
}

// ServeWebSocket streams the same messages as JSON text frames. Pings are
// sent every heartbeat interval and the connection is dropped after
// wsMaxMissed unanswered pings.
func (h *StreamHandler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorBody{Kind: string(domain.KindValidation), Message: err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := h.notifier.Subscribe(ctx, filter)
	if err != nil {
		status, body := errorResponse(err)
		writeError(w, status, body)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.log.With(zap.String("subscription_id", sub.ID))
	log.Debug("websocket client connected", zap.String("remote_addr", r.RemoteAddr))

	pongWait := time.Duration(wsMaxMissed+1) * h.heartbeat
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// the read loop only serves control frames and notices the close
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("websocket client disconnected")
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"),
					time.Now().Add(wsWriteWait))
				return
			}
			for _, msg := range messagesFor(filter, ev) {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(msg); err != nil {
					log.Debug("websocket write failed", zap.Error(err))
					return
				}
			}
		}
	}
}

// messagesFor turns one change into the messages a client receives. Streams
// scoped to a location also get the low-stock alerts of changed products.
func messagesFor(filter domain.ChangeFilter, ev domain.ChangeEvent) []StreamMessage {
	msgs := []StreamMessage{{Type: "change", Event: &ev}}
	if filter.LocationID == "" || ev.Collection != domain.CollectionInventoryItems {
		return msgs
	}
	p, err := ev.Product()
	if err != nil {
		return msgs
	}
	if alerts := p.LowStockAlerts(filter.LocationID); len(alerts) > 0 {
		msgs = append(msgs, StreamMessage{Type: "alert", Alerts: alerts})
	}
	return msgs
}

func parseFilter(r *http.Request) (domain.ChangeFilter, error) {
	q := r.URL.Query()
	f := domain.ChangeFilter{
		Collection:      domain.Collection(q.Get("collection")),
		Operation:       domain.Operation(q.Get("operation")),
		DocumentID:      q.Get("document_id"),
		LocationID:      q.Get("location_id"),
		TransactionType: domain.TransactionType(q.Get("type")),
		Autoreplenished: q.Get("autoreplenished") == "true",
	}
	switch f.Collection {
	case "", domain.CollectionTransactions, domain.CollectionInventoryItems:
	default:
		return f, fmt.Errorf("unknown collection %q", f.Collection)
	}
	switch f.Operation {
	case "", domain.OperationInsert, domain.OperationUpdate:
	default:
		return f, fmt.Errorf("unknown operation %q", f.Operation)
	}
	switch f.TransactionType {
	case "", domain.TransactionInbound, domain.TransactionOutbound:
	default:
		return f, fmt.Errorf("unknown transaction type %q", f.TransactionType)
	}
	return f, nil
}
