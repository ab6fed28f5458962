package progress

import (
	"context"
	"time"

	"atmoslofi/internal/job"

	"github.com/rs/zerolog/log"
)

// AllJobs subscribes to updates of every job.
const AllJobs = "all"

const (
	MessageJobUpdate = "job_update"

	broadcastBuffer  = 256
	subscriberBuffer = 64
)

// Message is one job update as delivered to subscribers.
type Message struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	Job       job.Job   `json:"job"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriber struct {
	key  string
	send chan Message
}

// Hub fans job updates out to subscribers keyed by job id or AllJobs.
// Run must be running for Subscribe and Publish to make progress.
type Hub struct {
	subs       map[string]map[*subscriber]struct{}
	broadcast  chan Message
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		subs:       make(map[string]map[*subscriber]struct{}),
		broadcast:  make(chan Message, broadcastBuffer),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
	}
}

// Run owns the subscriber set until ctx is done, then closes every subscription.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, set := range h.subs {
				for s := range set {
					close(s.send)
				}
			}
			h.subs = map[string]map[*subscriber]struct{}{}
			return

		case s := <-h.register:
			if h.subs[s.key] == nil {
				h.subs[s.key] = make(map[*subscriber]struct{})
			}
			h.subs[s.key][s] = struct{}{}
			log.Debug().Str("job_id", s.key).Msg("progress subscriber added")

		case s := <-h.unregister:
			h.drop(s)

		case msg := <-h.broadcast:
			h.deliver(msg.JobID, msg)
			h.deliver(AllJobs, msg)
		}
	}
}

func (h *Hub) deliver(key string, msg Message) {
	for s := range h.subs[key] {
		select {
		case s.send <- msg:
		default:
			log.Warn().Str("job_id", key).Msg("progress subscriber too slow, dropping it")
			h.drop(s)
		}
	}
}

func (h *Hub) drop(s *subscriber) {
	set, ok := h.subs[s.key]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	close(s.send)
	if len(set) == 0 {
		delete(h.subs, s.key)
	}
}

// Publish queues a job snapshot for delivery. It never blocks the caller.
func (h *Hub) Publish(j job.Job) {
	msg := Message{Type: MessageJobUpdate, JobID: j.ID, Job: j, Timestamp: time.Now().UTC()}
	select {
	case h.broadcast <- msg:
	default:
		log.Warn().Str("job_id", j.ID).Msg("progress broadcast buffer full, dropping update")
	}
}

// Subscription receives messages on C until Close or hub shutdown.
type Subscription struct {
	C   <-chan Message
	hub *Hub
	sub *subscriber
}

// Subscribe registers for updates of one job, or of all jobs with AllJobs.
func (h *Hub) Subscribe(jobID string) *Subscription {
	if jobID == "" {
		jobID = AllJobs
	}
	s := &subscriber{key: jobID, send: make(chan Message, subscriberBuffer)}
	select {
	case h.register <- s:
	case <-h.done:
		close(s.send)
	}
	return &Subscription{C: s.send, hub: h, sub: s}
}

func (s *Subscription) Close() {
	select {
	case s.hub.unregister <- s.sub:
	case <-s.hub.done:
	}
}
