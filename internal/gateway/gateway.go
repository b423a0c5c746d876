// Package gateway adapts external mail providers behind a single interface.
// The pipeline only sees envelopes in and accept/reject results out.
package gateway

import (
	"context"
	"time"
)

// DefaultTimeout bounds a single gateway call.
const DefaultTimeout = 15 * time.Second

// Envelope is one fully rendered outbound message.
type Envelope struct {
	To        string
	ToName    string
	FromEmail string
	FromName  string
	ReplyTo   string
	Subject   string
	HTMLBody  string
	TextBody  string

	// Threading metadata carried as provider tags for later reconciliation.
	ContactID string
	BatchID   string
	Kind      string
}

// SendResult reports one delivery attempt. Transient marks rejections worth
// retrying (rate limits, provider 5xx); transport-level failures surface as
// Go errors and are also treated as transient by callers.
type SendResult struct {
	Accepted  bool
	MessageID string
	Error     string
	Transient bool
}

// Delivery states a status query can report.
const (
	DeliveryDelivered = "delivered"
	DeliveryDeferred  = "deferred"
	DeliveryBounced   = "bounced"
	DeliveryDropped   = "dropped"
	DeliveryUnknown   = "unknown"
)

// StatusResult is the outcome of a delivery-status query.
type StatusResult struct {
	Status  string
	Details string
}

// Gateway is the provider interface the pipeline consumes.
type Gateway interface {
	Send(ctx context.Context, env *Envelope) (*SendResult, error)
	QueryStatus(ctx context.Context, messageID string) (*StatusResult, error)
}
