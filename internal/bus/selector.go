package bus

import "hash/fnv"

// QueueSelector maps a routing key onto one of a topic's queues. Equal keys
// must produce equal indices while the queue set is stable, and the selector
// must not close over mutable state beyond the broker's own topology view.
type QueueSelector func(topic, routingKey string, queues int) int

// HashSelector returns the default deterministic selector: FNV-1a over the
// routing key, modulo the queue count. Every client in a deployment computes
// the same index for the same key, which is what pins a streaming session to
// one queue.
func HashSelector() QueueSelector {
	return func(topic, routingKey string, queues int) int {
		if queues <= 1 {
			return 0
		}
		h := fnv.New64a()
		h.Write([]byte(routingKey))
		return int(h.Sum64() % uint64(queues))
	}
}
