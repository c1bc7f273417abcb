package clients

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/massdialogue/massdialogue/internal/models"
)

var (
	realtimeInstance *RealtimeClient
	realtimeOnce     sync.Once
)

// RealtimeClient subscribes to the store's row-level change feed. Each
// subscription holds its own websocket connection: one subscribe frame out,
// then a read loop delivering events in arrival order until Cancel.
type RealtimeClient struct {
	URL    string
	APIKey string
	Dialer *websocket.Dialer
}

func GetRealtimeClient() *RealtimeClient {
	realtimeOnce.Do(func() {
		wsURL := os.Getenv("STORE_REALTIME_URL")
		apiKey := os.Getenv("STORE_API_KEY")
		if wsURL == "" || apiKey == "" {
			slog.Error("[RealtimeClient] Missing STORE_REALTIME_URL or STORE_API_KEY in environment variables")
			panic("[RealtimeClient] Missing STORE_REALTIME_URL or STORE_API_KEY in environment variables")
		}
		realtimeInstance = NewRealtimeClient(wsURL, apiKey)
		slog.Info("[RealtimeClient] Realtime client initialized", slog.String("url", wsURL))
	})
	return realtimeInstance
}

func NewRealtimeClient(wsURL, apiKey string) *RealtimeClient {
	return &RealtimeClient{
		URL:    wsURL,
		APIKey: apiKey,
		Dialer: &websocket.Dialer{HandshakeTimeout: REQUEST_TIMEOUT},
	}
}

type feedFrame struct {
	Event   string             `json:"event"`
	Table   string             `json:"table,omitempty"`
	Filter  string             `json:"filter,omitempty"`
	APIKey  string             `json:"apikey,omitempty"`
	Payload models.ChangeEvent `json:"payload,omitempty"`
}

// FeedSubscription is a cancellable handle on one table's change feed.
// Events is closed when the feed drops or Cancel is called; Err reports
// why a drop happened.
type FeedSubscription struct {
	Table  string
	Filter string

	conn    *websocket.Conn
	events  chan models.ChangeEvent
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex

	errMu sync.Mutex
	err   error
}

// Subscribe opens a change-feed subscription for table. filter is an
// optional row filter such as "post_id=eq.42"; empty means the whole table.
func (r *RealtimeClient) Subscribe(ctx context.Context, table, filter string) (*FeedSubscription, error) {
	conn, _, err := r.Dialer.DialContext(ctx, r.URL, nil)
	if err != nil {
		slog.Error("[RealtimeClient] Failed to dial change feed",
			slog.String("table", table),
			slog.String("error", err.Error()))
		return nil, &SubscriptionError{Table: table, Err: err}
	}

	sub := &FeedSubscription{
		Table:  table,
		Filter: filter,
		conn:   conn,
		events: make(chan models.ChangeEvent, 16),
		done:   make(chan struct{}),
	}

	join := feedFrame{Event: "subscribe", Table: table, Filter: filter, APIKey: r.APIKey}
	if err := sub.write(join); err != nil {
		conn.Close()
		return nil, &SubscriptionError{Table: table, Err: err}
	}

	go sub.readLoop()
	go sub.heartbeatLoop()

	slog.Info("[RealtimeClient] Subscribed to change feed",
		slog.String("table", table),
		slog.String("filter", filter))
	return sub, nil
}

func (s *FeedSubscription) Events() <-chan models.ChangeEvent { return s.events }

// Err reports why the feed dropped, nil after a clean Cancel.
func (s *FeedSubscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Cancel unsubscribes and closes the connection. Safe to call more than
// once; view teardown must call it so no closure outlives its view.
func (s *FeedSubscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.write(feedFrame{Event: "unsubscribe", Table: s.Table, Filter: s.Filter})
		s.conn.Close()
		slog.Info("[RealtimeClient] Subscription cancelled", slog.String("table", s.Table))
	})
}

func (s *FeedSubscription) write(frame feedFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(frame)
}

func (s *FeedSubscription) readLoop() {
	defer close(s.events)
	for {
		var frame feedFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			select {
			case <-s.done:
				// Cancelled locally, not an error.
			default:
				slog.Warn("[RealtimeClient] Change feed dropped",
					slog.String("table", s.Table),
					slog.String("error", err.Error()))
				s.errMu.Lock()
				s.err = &SubscriptionError{Table: s.Table, Err: err}
				s.errMu.Unlock()
			}
			return
		}

		switch frame.Event {
		case "change":
			select {
			case s.events <- frame.Payload:
			case <-s.done:
				return
			}
		case "heartbeat", "subscribed":
			// Keepalive and join acks carry no row.
		default:
			slog.Debug("[RealtimeClient] Ignoring unknown frame",
				slog.String("event", frame.Event))
		}
	}
}

func (s *FeedSubscription) heartbeatLoop() {
	ticker := time.NewTicker(HEARTBEAT_PERIOD)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.write(feedFrame{Event: "heartbeat"}); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
