package api

import (
    "context"
    "encoding/json"
    "os"
    "sync"
    "time"

    redis "github.com/redis/go-redis/v9"

    "dispatchloop/internal/model"
)

// EventBroker is the fanout boundary the scheduler publishes through. The
// in-memory Broker serves a single process; RedisBroker spans replicas.
type EventBroker interface {
    Subscribe(orgID string) chan model.RoutingEvent
    Unsubscribe(orgID string, ch chan model.RoutingEvent)
    Publish(orgID string, ev model.RoutingEvent)
}

// RedisBroker implements EventBroker over Redis Pub/Sub, one channel per org.
type RedisBroker struct {
    rdb *redis.Client

    mu   sync.Mutex
    subs map[chan model.RoutingEvent]*redis.PubSub
}

func NewRedisBroker() (*RedisBroker, error) {
    url := os.Getenv("REDIS_URL")
    opt, err := redis.ParseURL(url)
    if err != nil { return nil, err }
    return &RedisBroker{rdb: redis.NewClient(opt), subs: map[chan model.RoutingEvent]*redis.PubSub{}}, nil
}

func (b *RedisBroker) Subscribe(orgID string) chan model.RoutingEvent {
    ch := make(chan model.RoutingEvent, 16)
    ctx := context.Background()
    ps := b.rdb.Subscribe(ctx, b.chanName(orgID))
    // initial consume to ensure the subscription is live
    _, _ = ps.Receive(ctx)
    b.mu.Lock()
    b.subs[ch] = ps
    b.mu.Unlock()
    // The reader goroutine owns ch: it is the only closer, so Unsubscribe
    // can never race a send on a closed channel.
    go func() {
        defer close(ch)
        for msg := range ps.Channel() {
            var ev model.RoutingEvent
            if err := json.Unmarshal([]byte(msg.Payload), &ev); err == nil {
                select { case ch <- ev: default: }
            }
        }
    }()
    return ch
}

func (b *RedisBroker) Unsubscribe(orgID string, ch chan model.RoutingEvent) {
    b.mu.Lock()
    ps := b.subs[ch]
    delete(b.subs, ch)
    b.mu.Unlock()
    if ps != nil {
        // closing the PubSub drains its channel, which ends the reader
        // goroutine and closes ch
        _ = ps.Close()
    }
}

func (b *RedisBroker) Publish(orgID string, ev model.RoutingEvent) {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    data, _ := json.Marshal(ev)
    _ = b.rdb.Publish(ctx, b.chanName(orgID), data).Err()
}

func (b *RedisBroker) chanName(orgID string) string { return "org:" + orgID }
