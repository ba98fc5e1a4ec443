package queue

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// EventType is a job lifecycle transition.
type EventType string

const (
	EventDelayed   EventType = "delayed"
	EventWaiting   EventType = "waiting"
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

// Event is published on every job transition. Delivery is fire-and-forget;
// the queue reconciler repairs dropped delayed events.
type Event struct {
	Type       EventType `json:"type"`
	CampaignID string    `json:"campaignId"`
	JobID      string    `json:"jobId"`
	Priority   int       `json:"priority,omitempty"`
}

// eventsChannel carries all queue lifecycle events.
const eventsChannel = "queue:events"

func (q *Queue) publish(ctx context.Context, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := q.rdb.Publish(ctx, eventsChannel, data).Err(); err != nil {
		log.Printf("[Queue] event publish failed (%s %s): %v", evt.Type, evt.JobID, err)
	}
}

// Handler consumes queue events.
type Handler func(ctx context.Context, evt Event)

// Listener subscribes to the events channel and dispatches to handlers.
type Listener struct {
	rdb      *redis.Client
	handlers []Handler
}

// NewListener creates an event listener.
func NewListener(rdb *redis.Client) *Listener {
	return &Listener{rdb: rdb}
}

// On registers a handler. Must be called before Run.
func (l *Listener) On(h Handler) {
	l.handlers = append(l.handlers, h)
}

// Run consumes events until ctx is cancelled. Malformed payloads are
// dropped with a log line.
func (l *Listener) Run(ctx context.Context) {
	sub := l.rdb.Subscribe(ctx, eventsChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Printf("[QueueListener] malformed event: %v", err)
				continue
			}
			for _, h := range l.handlers {
				h(ctx, evt)
			}
		}
	}
}
