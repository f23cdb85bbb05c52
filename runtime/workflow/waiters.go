package workflow

import "sync"

// waiterHub fans applied events out to in-process execution contexts so that
// a blocked events.waitFor resolves without polling. Delivery is best-effort
// and process-local: executions recovered on another worker resolve their
// waits from the replayed log instead.
type waiterHub struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

func newWaiterHub() *waiterHub {
	return &waiterHub{subs: make(map[string][]chan Event)}
}

// subscribe registers a delivery channel for the execution and returns an
// unsubscribe function. The channel is buffered by the caller; deliveries to
// a full channel are dropped (the log remains authoritative).
func (h *waiterHub) subscribe(tenant, executionID string, ch chan Event) func() {
	key := tenant + "/" + executionID
	h.mu.Lock()
	h.subs[key] = append(h.subs[key], ch)
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		chans := h.subs[key]
		for i, c := range chans {
			if c == ch {
				h.subs[key] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(h.subs[key]) == 0 {
			delete(h.subs, key)
		}
	}
}

// notify delivers an applied event to all subscribed contexts.
func (h *waiterHub) notify(tenant, executionID string, ev Event) {
	h.mu.RLock()
	chans := h.subs[tenant+"/"+executionID]
	h.mu.RUnlock()
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
	}
}
