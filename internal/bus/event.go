package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Key       string // routing key, usually the user id the event is for
	Timestamp time.Time
	Payload   any
}

const (
	KindInbox          = "inbox.message"
	KindRecordsChanged = "delivery.records_changed"
	KindRollupChanged  = "rollup.changed"
	KindDaemonStatus   = "daemon.status_changed"
)
