// Package provider models the external messaging provider as an opaque
// capability: a client can be told to connect, send and disconnect, and it
// reports lifecycle changes through an ordered event stream. The wire
// protocol behind it is not this gateway's concern.
package provider

import "context"

type EventKind string

const (
	EventPairingCode  EventKind = "pairing_code"
	EventReady        EventKind = "ready"
	EventDisconnected EventKind = "disconnected"
	EventAuthFailure  EventKind = "auth_failure"
	EventMessage      EventKind = "message_received"
)

// Event is one lifecycle signal from the provider. Only the fields relevant
// to the Kind are populated.
type Event struct {
	Kind   EventKind
	Code   string // pairing_code
	Blob   string // ready: opaque session blob to persist
	Reason string // disconnected
	From   string // message_received
	Body   string // message_received
}

type Attachment struct {
	MimeType string
	FileName string
	Data     []byte
}

// Message is one outbound unit. When Attachment is set, Text rides along as
// its caption; the provider must not split them into two deliveries.
type Message struct {
	Recipient  string
	Text       string
	Attachment *Attachment
}

// Client is one account's connection to the provider. Connect returns the
// event stream for this connection; events arrive in emission order and the
// stream is closed when the connection is torn down. Implementations must
// tolerate Destroy being called at any point, including before Connect.
type Client interface {
	Connect(ctx context.Context, accountID, priorBlob string) (<-chan Event, error)
	Send(ctx context.Context, msg Message) error
	Disconnect(ctx context.Context) error
	Destroy() error
}

// Factory builds a fresh Client for an account. Each connection attempt gets
// its own Client; supervisors never reuse one across attempts.
type Factory func(accountID string) Client
