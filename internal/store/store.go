package store

import (
	"errors"

	"whagate/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Store defines the persistence contract used by the HTTP layer and the
// session core: durable accounts, one session record per account, and the
// gateway audit log.
type Store interface {
	CreateAccount(a domain.Account) (domain.Account, error)
	AccountByID(id string) (domain.Account, error)
	AccountByUsername(username string) (domain.Account, error)
	ListAccounts(filter domain.AccountFilter) ([]domain.Account, error)
	UpdateAccount(a domain.Account) error
	DeleteAccount(id string) error
	CountAccounts() (int, error)

	SessionRecord(accountID string) (domain.SessionRecord, bool)
	UpsertSessionRecord(rec domain.SessionRecord) error
	DeleteSessionRecord(accountID string) error

	AppendEvent(eventType domain.EventType, accountID string, payload map[string]interface{}) domain.Event
	ListEvents(limit int) []domain.Event
}
