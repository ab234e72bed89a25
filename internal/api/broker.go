package api

import (
    "sync"

    "dispatchloop/internal/model"
)

// Broker fans routing events out to live org subscribers (SSE and websocket).
// Publishing never blocks; a slow subscriber drops events instead of stalling
// the scheduler.
type Broker struct {
    mu   sync.Mutex
    subs map[string]map[chan model.RoutingEvent]struct{} // orgId -> set of channels
}

func NewBroker() *Broker {
    return &Broker{subs: map[string]map[chan model.RoutingEvent]struct{}{}}
}

func (b *Broker) Subscribe(orgID string) chan model.RoutingEvent {
    ch := make(chan model.RoutingEvent, 16)
    b.mu.Lock()
    if b.subs[orgID] == nil { b.subs[orgID] = map[chan model.RoutingEvent]struct{}{} }
    b.subs[orgID][ch] = struct{}{}
    b.mu.Unlock()
    return ch
}

func (b *Broker) Unsubscribe(orgID string, ch chan model.RoutingEvent) {
    b.mu.Lock()
    if m := b.subs[orgID]; m != nil {
        delete(m, ch)
        if len(m) == 0 { delete(b.subs, orgID) }
    }
    b.mu.Unlock()
    close(ch)
}

func (b *Broker) Publish(orgID string, ev model.RoutingEvent) {
    b.mu.Lock()
    m := b.subs[orgID]
    for ch := range m {
        select { case ch <- ev: default: }
    }
    b.mu.Unlock()
}
