package transform

import (
	"sync"

	"github.com/tsarna/go-structdiff"
)

// ChangesOnly replaces each payload with the fields that changed since the
// previous message on the same topic. The first message on a topic passes
// through whole; a message identical to its predecessor is dropped.
//
// A device_status stream for d1 reporting battery 80, 80, 75 comes out as
// the full first status, nothing, then {"battery": 75}.
//
// Payloads that are not JSON objects pass through unchanged. Safe for
// concurrent use.
func ChangesOnly() MessageTransformFunc {
	var mu sync.Mutex
	previous := make(map[string]map[string]any)

	return func(msg *Message) (*Message, bool) {
		current, ok := msg.Payload.(map[string]any)
		if !ok {
			return msg, true
		}

		mu.Lock()
		last, seen := previous[msg.Topic]
		previous[msg.Topic] = current
		mu.Unlock()

		if !seen {
			return msg, true
		}

		delta, err := structdiff.Diff(last, current)
		if err != nil {
			return msg, true
		}
		if m, ok := any(delta).(map[string]any); ok && len(m) == 0 {
			return nil, false
		}

		copied := *msg
		copied.Payload = delta
		return &copied, true
	}
}
