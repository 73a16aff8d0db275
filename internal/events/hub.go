package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Topic scopes a subscription to one provider's or one patient's appointments.
type Topic string

func ProviderTopic(id uuid.UUID) Topic { return Topic("provider:" + id.String()) }
func PatientTopic(id uuid.UUID) Topic  { return Topic("patient:" + id.String()) }

// Subscription receives events for its topic until Close is called.
type Subscription struct {
	C <-chan ChangeEvent

	ch    chan ChangeEvent
	topic Topic
	hub   *Hub
	once  sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub fans committed change events out to in-process subscribers, e.g. the
// websocket stream. Slow subscribers lose events rather than block commits;
// they are expected to re-read state on reconnect.
type Hub struct {
	mu      sync.RWMutex
	subs    map[Topic]map[*Subscription]struct{}
	buffer  int
	dropped func(ev ChangeEvent)
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		subs:   make(map[Topic]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// OnDrop registers a callback invoked when a subscriber's buffer is full.
func (h *Hub) OnDrop(fn func(ev ChangeEvent)) {
	h.mu.Lock()
	h.dropped = fn
	h.mu.Unlock()
}

func (h *Hub) Subscribe(topic Topic) *Subscription {
	ch := make(chan ChangeEvent, h.buffer)
	sub := &Subscription{C: ch, ch: ch, topic: topic, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*Subscription]struct{})
	}
	h.subs[topic][sub] = struct{}{}
	return sub
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[s.topic]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.topic)
	}
	close(s.ch)
}

// Publish delivers ev to the provider's and the patient's subscribers.
func (h *Hub) Publish(_ context.Context, ev ChangeEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, topic := range []Topic{ProviderTopic(ev.ProviderID), PatientTopic(ev.PatientID)} {
		for sub := range h.subs[topic] {
			select {
			case sub.ch <- ev:
			default:
				if h.dropped != nil {
					h.dropped(ev)
				}
			}
		}
	}
	return nil
}

// Subscribers returns the number of open subscriptions for topic.
func (h *Hub) Subscribers(topic Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
