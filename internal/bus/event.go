package bus

import "time"

// Event is a domain event published on the bus. Kind is dot-namespaced
// ("chat.message_new", "service.status_changed").
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
