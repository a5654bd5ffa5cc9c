package domain

import "time"

// WebhookEvent is the transient envelope of one inbound push delivery. It is
// not persisted beyond processing; only its event id may be cached briefly to
// suppress platform-side redelivery.
type WebhookEvent struct {
	Platform   string
	EventID    string
	Topic      string
	AccountID  string // platform native account id the event targets
	Payload    []byte
	Signature  string
	ReceivedAt time.Time
}
