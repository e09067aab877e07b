package memory

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"whagate/internal/domain"
	"whagate/internal/store"
)

// Store is the in-memory fallback backend: fine for development and the
// simulated provider mode, gone on restart.
type Store struct {
	mu sync.RWMutex

	accounts   map[string]domain.Account
	byUsername map[string]string

	records map[string]domain.SessionRecord

	events []domain.Event
}

func NewStore() *Store {
	return &Store{
		accounts:   make(map[string]domain.Account),
		byUsername: make(map[string]string),
		records:    make(map[string]domain.SessionRecord),
		events:     make([]domain.Event, 0, 256),
	}
}

func (s *Store) CreateAccount(a domain.Account) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(a.Username)
	if _, exists := s.byUsername[username]; exists {
		return domain.Account{}, store.ErrConflict
	}
	for _, existing := range s.accounts {
		if strings.EqualFold(existing.Email, a.Email) {
			return domain.Account{}, store.ErrConflict
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Username = username
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.accounts[a.ID] = a
	s.byUsername[username] = a.ID
	return a, nil
}

func (s *Store) AccountByID(id string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) AccountByUsername(username string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUsername[strings.ToLower(username)]
	if !ok {
		return domain.Account{}, store.ErrNotFound
	}
	return s.accounts[id], nil
}

func (s *Store) ListAccounts(filter domain.AccountFilter) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		if filter.Role != "" && a.Role != filter.Role {
			continue
		}
		if filter.CreatedBy != "" && a.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.Pending && (a.Role != domain.RoleAdmin || a.IsActive) {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(x, y domain.Account) int {
		return strings.Compare(x.Username, y.Username)
	})
	return out, nil
}

func (s *Store) UpdateAccount(a domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.accounts[a.ID]
	if !ok {
		return store.ErrNotFound
	}
	a.Username = strings.ToLower(a.Username)
	if a.Username != existing.Username {
		if _, taken := s.byUsername[a.Username]; taken {
			return store.ErrConflict
		}
		delete(s.byUsername, existing.Username)
		s.byUsername[a.Username] = a.ID
	}
	s.accounts[a.ID] = a
	return nil
}

func (s *Store) DeleteAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.accounts, id)
	delete(s.byUsername, a.Username)
	delete(s.records, id)
	return nil
}

func (s *Store) CountAccounts() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts), nil
}

func (s *Store) SessionRecord(accountID string) (domain.SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[accountID]
	return rec, ok
}

func (s *Store) UpsertSessionRecord(rec domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.records[rec.AccountID] = rec
	return nil
}

func (s *Store) DeleteSessionRecord(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, accountID)
	return nil
}

func (s *Store) AppendEvent(eventType domain.EventType, accountID string, payload map[string]interface{}) domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	event := domain.Event{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	s.events = append(s.events, event)
	return event
}

func (s *Store) ListEvents(limit int) []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	if len(s.events) == 0 {
		return []domain.Event{}
	}
	start := max(len(s.events)-limit, 0)
	out := slices.Clone(s.events[start:])
	slices.Reverse(out)
	return out
}
