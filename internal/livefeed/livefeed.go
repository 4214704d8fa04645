// Package livefeed streams verified attendance appends to lecturer
// dashboards over a per-session Redis pub/sub channel, fronted by a
// snapshot-then-stream websocket.
package livefeed

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"classtrack/internal/attendance"
)

// Event is one live-feed item: who appeared, when.
type Event struct {
	Identity  attendance.IdentitySummary `json:"identity"`
	Timestamp time.Time                  `json:"timestamp"`
}

func channelFor(sessionID string) string {
	return "attendance:" + sessionID
}

// dedupe key: a reconnecting subscriber replays the snapshot, so the same
// (identity, timestamp) pair must never be delivered twice on one connection.
func (e Event) key() string {
	return e.Identity.ID + "|" + strconv.FormatInt(e.Timestamp.UnixNano(), 10)
}

// Publisher pushes append events onto the session channel. It satisfies
// attendance.FeedPublisher.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher wraps an injected Redis client.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish emits one append event. Subscriber absence is not an error.
func (p *Publisher) Publish(ctx context.Context, sessionID string, who attendance.IdentitySummary, at time.Time) error {
	raw, err := json.Marshal(Event{Identity: who, Timestamp: at})
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, channelFor(sessionID), raw).Err()
}

// SnapshotFunc loads the current roster for a session, converted to feed
// events.
type SnapshotFunc func(ctx context.Context, sessionID string) ([]Event, error)

// Hub serves live-feed websockets: current roster first, then incremental
// events from pub/sub.
type Hub struct {
	rdb      *redis.Client
	snapshot SnapshotFunc
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// NewHub builds a hub over the given Redis client and roster loader.
func NewHub(rdb *redis.Client, snapshot SnapshotFunc) *Hub {
	return &Hub{
		rdb:      rdb,
		snapshot: snapshot,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      logrus.WithField("component", "livefeed"),
	}
}

// Serve upgrades the request and streams the session's feed until the client
// disconnects or ctx ends. Events already delivered on this connection are
// suppressed by (identity, timestamp), so the snapshot/stream overlap and
// publisher retries are invisible to the viewer.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Discard inbound frames; reads only exist to notice the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sub := h.rdb.Subscribe(ctx, channelFor(sessionID))
	defer sub.Close()
	incoming := sub.Channel()

	seen := make(map[string]struct{})

	roster, err := h.snapshot(ctx, sessionID)
	if err != nil {
		h.log.WithError(err).WithField("session_id", sessionID).Error("roster snapshot failed")
		return err
	}
	for _, ev := range roster {
		if err := h.deliver(ws, seen, ev); err != nil {
			return err
		}
	}

	for {
		select {
		case msg, ok := <-incoming:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.log.WithError(err).Warn("malformed feed event dropped")
				continue
			}
			if err := h.deliver(ws, seen, ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// eventWriter is the slice of the websocket connection deliver needs.
type eventWriter interface {
	WriteJSON(v interface{}) error
}

func (h *Hub) deliver(ws eventWriter, seen map[string]struct{}, ev Event) error {
	k := ev.key()
	if _, dup := seen[k]; dup {
		return nil
	}
	seen[k] = struct{}{}
	return ws.WriteJSON(ev)
}
