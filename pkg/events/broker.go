package events

import (
	"fmt"
	"sync"

	"github.com/cuemby/agentmesh/pkg/types"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that cannot drain at this rate overflows and is dropped from the topic.
const subscriberBuffer = 64

// Subscriber is a channel that receives published messages for one topic.
type Subscriber chan *types.Message

// Broker implements the publish pattern: each topic fans out to an
// independent queue per subscriber; a slow subscriber is dropped on
// overflow rather than blocking the publisher.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[*subscription]struct{}
	drops  func(topic string, sub *subscription)
}

type subscription struct {
	ch      Subscriber
	overflo int // consecutive overflow count before eviction
}

const maxOverflow = 3

// NewBroker creates a new publish/subscribe broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]map[*subscription]struct{}),
	}
}

// Subscribe registers a new subscriber on topic and returns the channel it
// will receive messages on, plus an opaque handle for Unsubscribe.
func (b *Broker) Subscribe(topic string) (Subscriber, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{ch: make(Subscriber, subscriberBuffer)}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*subscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	return sub.ch, subscriptionID(topic, sub)
}

// Unsubscribe removes a subscription by the id returned from Subscribe.
func (b *Broker) Unsubscribe(topic, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		return false
	}
	for sub := range subs {
		if subscriptionID(topic, sub) == id {
			delete(subs, sub)
			close(sub.ch)
			return true
		}
	}
	return false
}

// Publish delivers msg to every current subscriber of topic. Subscribers
// whose buffer is full are skipped; after maxOverflow consecutive misses
// a subscriber is evicted from the topic, per the router's high-watermark
// overflow contract.
func (b *Broker) Publish(topic string, msg *types.Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	delivered := 0
	var evict []*subscription
	for sub := range subs {
		select {
		case sub.ch <- msg:
			sub.overflo = 0
			delivered++
		default:
			sub.overflo++
			if sub.overflo >= maxOverflow {
				evict = append(evict, sub)
			}
		}
	}
	for _, sub := range evict {
		delete(subs, sub)
		close(sub.ch)
	}
	return delivered
}

// SubscriberCount returns the number of active subscribers on topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func subscriptionID(topic string, sub *subscription) string {
	return fmt.Sprintf("%s:%p", topic, sub)
}
