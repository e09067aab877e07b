package domain

import "time"

type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleUser       Role = "USER"
)

// Account is a tenant of the gateway, entitled to at most one messaging
// session. PasswordHash is a bcrypt hash; APIToken is an opaque credential
// issued to admin accounts, regenerable by a super admin.
type Account struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedBy    string    `json:"created_by,omitempty"`
	APIToken     string    `json:"api_token,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AccountFilter narrows ListAccounts. Zero values mean "no constraint".
type AccountFilter struct {
	Role      Role
	CreatedBy string
	Pending   bool // role ADMIN with is_active = false
}

type SessionState string

const (
	StateUninitialized   SessionState = "UNINITIALIZED"
	StateInitializing    SessionState = "INITIALIZING"
	StateAwaitingPairing SessionState = "AWAITING_PAIRING"
	StateConnected       SessionState = "CONNECTED"
	StateDisconnected    SessionState = "DISCONNECTED"
	StateClosing         SessionState = "CLOSING"
	StateCooldown        SessionState = "COOLDOWN"
)

// SessionRecord is the durable per-account record. It is the only state a
// freshly started process sees; the in-memory session is rebuilt lazily and
// a stale Connected flag never marks a live session connected by itself.
type SessionRecord struct {
	AccountID string    `json:"account_id"`
	Connected bool      `json:"connected"`
	Blob      string    `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

type EventType string

const (
	EventAccountCreated   EventType = "AccountCreated"
	EventAccountDeleted   EventType = "AccountDeleted"
	EventSessionReady     EventType = "SessionReady"
	EventSessionLoggedOut EventType = "SessionLoggedOut"
	EventSessionReset     EventType = "SessionReset"
	EventSessionReaped    EventType = "SessionReaped"
	EventMessageSent      EventType = "MessageSent"
	EventLoginThrottled   EventType = "LoginThrottled"
)

// Event is an audit record of a gateway operation, persisted by the store
// and mirrored to the outbound webhook.
type Event struct {
	ID        string                 `json:"event_id"`
	AccountID string                 `json:"account_id,omitempty"`
	Type      EventType              `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}
