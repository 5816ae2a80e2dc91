package agent

import (
	"sync"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
)

const subscriptionBuffer = 32

// eventHub fans ledger events out to the lifecycles waiting on a service. Publishing never blocks: a
// waiter whose buffer is full misses the event and falls back to polling the ledger.
type eventHub struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

type subscription struct {
	hub       *eventHub
	serviceId string
	events    chan *federation.Event
	once      sync.Once
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[string]map[*subscription]struct{})}
}

func (h *eventHub) subscribe(serviceId string) *subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := &subscription{
		hub:       h,
		serviceId: serviceId,
		events:    make(chan *federation.Event, subscriptionBuffer),
	}
	if h.subs[serviceId] == nil {
		h.subs[serviceId] = make(map[*subscription]struct{})
	}
	h.subs[serviceId][sub] = struct{}{}
	return sub
}

// publish returns how many subscribers received the event
func (h *eventHub) publish(event *federation.Event) int {
	if event.ServiceId == "" {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for sub := range h.subs[event.ServiceId] {
		select {
		case sub.events <- event:
			delivered++
		default:
		}
	}
	return delivered
}

func (s *subscription) close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		delete(s.hub.subs[s.serviceId], s)
		if len(s.hub.subs[s.serviceId]) == 0 {
			delete(s.hub.subs, s.serviceId)
		}
	})
}
