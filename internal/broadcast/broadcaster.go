// Package broadcast is the live event fan-out: offenses and blocks
// published by the ingest pipeline are relayed to every subscribed
// WebSocket connection as JSON. Manual blocks, unblocks and expiries
// made outside that pipeline are not published. Grounded on the existing
// internal/websocket package for the github.com/coder/websocket
// Accept/Close idiom, generalized from a single proxied connection per
// session to a many-subscriber pub/sub.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"mimosa/internal/model"
)

// CloseUnauthenticated is the close code sent to a subscriber whose
// connection was not authenticated; ServeConn sends it immediately,
// with no grace period.
const CloseUnauthenticated websocket.StatusCode = 4401

// EventKind distinguishes the envelope's payload shape.
type EventKind string

const (
	EventOffense EventKind = "offense"
	EventBlock   EventKind = "block"
	EventStats   EventKind = "stats"
)

// Event is the JSON envelope written to every subscriber.
type Event struct {
	Kind EventKind `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Stats is the periodic snapshot published on the stats ticker.
type Stats struct {
	ActiveBlocks    int `json:"active_blocks"`
	OffensesLastMin int `json:"offenses_last_minute"`
}

// StatsSource supplies the numbers behind a Stats snapshot.
type StatsSource interface {
	Snapshot() Stats
}

const defaultQueueSize = 100

type subscriber struct {
	id     uint64
	queue  chan Event
	closed chan struct{}
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.closed) })
}

// enqueue is non-blocking: a full queue drops its oldest pending event
// rather than stalling the publisher, mirroring the "never block the
// producer" rule session.Manager's cleanup ticker follows.
func (s *subscriber) enqueue(e Event) {
	select {
	case s.queue <- e:
		return
	default:
	}
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- e:
	default:
	}
}

// Broadcaster is the in-process pub/sub hub. One instance per process;
// Subscribe is called once per accepted WebSocket connection.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	queueSize   int
}

// New builds a Broadcaster. queueSize <= 0 uses the default of 100.
func New(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Broadcaster{
		subscribers: make(map[uint64]*subscriber),
		queueSize:   queueSize,
	}
}

// subscribe registers a new subscriber and returns it; unsubscribe with
// its id removes it again. ServeConn reads from the subscriber's queue.
func (b *Broadcaster) subscribe() *subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{id: b.nextID, queue: make(chan Event, b.queueSize), closed: make(chan struct{})}
	b.subscribers[sub.id] = sub
	return sub
}

func (b *Broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// publish enqueues e on every current subscriber.
func (b *Broadcaster) publish(e Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(e)
	}
}

// PublishOffense broadcasts a newly recorded offense.
func (b *Broadcaster) PublishOffense(o *model.Offense) {
	b.publish(Event{Kind: EventOffense, At: time.Now(), Data: o})
}

// PublishBlock broadcasts a block add/extend/remove.
func (b *Broadcaster) PublishBlock(blk *model.Block) {
	b.publish(Event{Kind: EventBlock, At: time.Now(), Data: blk})
}

// PublishStats broadcasts a stats snapshot.
func (b *Broadcaster) PublishStats(s Stats) {
	b.publish(Event{Kind: EventStats, At: time.Now(), Data: s})
}

// SubscriberCount reports the current number of live connections.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// RunStatsTicker periodically publishes a Stats snapshot from source
// until ctx is canceled. interval <= 0 defaults to 30s.
func (b *Broadcaster) RunStatsTicker(ctx context.Context, source StatsSource, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.PublishStats(source.Snapshot())
		}
	}
}

// ServeConn accepts conn as a new subscriber and blocks, writing every
// published Event as JSON until the connection closes or ctx is
// canceled. authenticated gates whether the connection is accepted at
// all: an unauthenticated caller is closed immediately with
// CloseUnauthenticated rather than being allowed to linger.
func (b *Broadcaster) ServeConn(ctx context.Context, conn *websocket.Conn, authenticated bool) {
	if !authenticated {
		conn.Close(CloseUnauthenticated, "authentication required")
		return
	}

	sub := b.subscribe()
	defer b.unsubscribe(sub.id)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case <-sub.closed:
			return
		case evt := <-sub.queue:
			payload, err := json.Marshal(evt)
			if err != nil {
				slog.Error("broadcast: failed to marshal event", "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				slog.Debug("broadcast: subscriber write failed, dropping", "error", err)
				return
			}
		}
	}
}
