package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"whagate/internal/domain"
	"whagate/internal/security/secretbox"
	"whagate/internal/store"
)

// Store is the durable backend. Session blobs are encrypted at rest when an
// encryption key is configured; account and session reads/writes return
// errors, audit events are best-effort.
type Store struct {
	db  *sql.DB
	box *secretbox.Box
}

func NewStore(databaseURL, encryptionKey string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db}
	if encryptionKey != "" {
		box, err := secretbox.New(encryptionKey)
		if err != nil {
			return nil, err
		}
		s.box = box
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`create table if not exists accounts(
			id text primary key,
			username text not null unique,
			email text not null unique,
			password_hash text not null,
			first_name text not null default '',
			last_name text not null default '',
			role text not null,
			is_active boolean not null default false,
			created_by text not null default '',
			api_token text not null default '',
			created_at timestamptz not null default now()
		)`,
		`create table if not exists session_records(
			account_id text primary key,
			connected boolean not null,
			session_blob text not null default '',
			updated_at timestamptz not null default now()
		)`,
		`create table if not exists events(
			id text primary key,
			account_id text not null default '',
			event_type text not null,
			payload jsonb,
			created_at timestamptz not null
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateAccount(a domain.Account) (domain.Account, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Username = strings.ToLower(a.Username)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`insert into accounts(id, username, email, password_hash, first_name, last_name, role, is_active, created_by, api_token, created_at)
		 values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.Username, a.Email, a.PasswordHash, a.FirstName, a.LastName,
		string(a.Role), a.IsActive, a.CreatedBy, a.APIToken, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Account{}, store.ErrConflict
		}
		return domain.Account{}, err
	}
	return a, nil
}

func (s *Store) AccountByID(id string) (domain.Account, error) {
	return s.scanAccount(s.db.QueryRow(accountSelect+` where id = $1`, id))
}

func (s *Store) AccountByUsername(username string) (domain.Account, error) {
	return s.scanAccount(s.db.QueryRow(accountSelect+` where username = $1`, strings.ToLower(username)))
}

const accountSelect = `select id, username, email, password_hash, first_name, last_name, role, is_active, created_by, api_token, created_at from accounts`

func (s *Store) scanAccount(row *sql.Row) (domain.Account, error) {
	var a domain.Account
	var role string
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.FirstName,
		&a.LastName, &role, &a.IsActive, &a.CreatedBy, &a.APIToken, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Account{}, store.ErrNotFound
		}
		return domain.Account{}, err
	}
	a.Role = domain.Role(role)
	return a, nil
}

func (s *Store) ListAccounts(filter domain.AccountFilter) ([]domain.Account, error) {
	query := accountSelect
	var clauses []string
	var args []interface{}
	if filter.Role != "" {
		args = append(args, string(filter.Role))
		clauses = append(clauses, fmt.Sprintf("role = $%d", len(args)))
	}
	if filter.CreatedBy != "" {
		args = append(args, filter.CreatedBy)
		clauses = append(clauses, fmt.Sprintf("created_by = $%d", len(args)))
	}
	if filter.Pending {
		clauses = append(clauses, "role = 'ADMIN'", "is_active = false")
	}
	if len(clauses) > 0 {
		query += " where " + strings.Join(clauses, " and ")
	}
	query += " order by username asc"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Account, 0, 16)
	for rows.Next() {
		var a domain.Account
		var role string
		if err := rows.Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.FirstName,
			&a.LastName, &role, &a.IsActive, &a.CreatedBy, &a.APIToken, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Role = domain.Role(role)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAccount(a domain.Account) error {
	res, err := s.db.Exec(
		`update accounts
		 set username = $2, email = $3, password_hash = $4, first_name = $5,
		     last_name = $6, role = $7, is_active = $8, created_by = $9, api_token = $10
		 where id = $1`,
		a.ID, strings.ToLower(a.Username), a.Email, a.PasswordHash, a.FirstName,
		a.LastName, string(a.Role), a.IsActive, a.CreatedBy, a.APIToken,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAccount(id string) error {
	res, err := s.db.Exec(`delete from accounts where id = $1`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return store.ErrNotFound
	}
	_, _ = s.db.Exec(`delete from session_records where account_id = $1`, id)
	return nil
}

func (s *Store) CountAccounts() (int, error) {
	var n int
	if err := s.db.QueryRow(`select count(*) from accounts`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) SessionRecord(accountID string) (domain.SessionRecord, bool) {
	var rec domain.SessionRecord
	var blob string
	err := s.db.QueryRow(
		`select account_id, connected, session_blob, updated_at from session_records where account_id = $1`,
		accountID,
	).Scan(&rec.AccountID, &rec.Connected, &blob, &rec.UpdatedAt)
	if err != nil {
		return domain.SessionRecord{}, false
	}
	if blob != "" && s.box != nil {
		plain, err := s.box.Decrypt(blob)
		if err != nil {
			// Undecryptable blob is as good as none; the supervisor will
			// pair afresh.
			return domain.SessionRecord{AccountID: rec.AccountID, Connected: rec.Connected, UpdatedAt: rec.UpdatedAt}, true
		}
		blob = plain
	}
	rec.Blob = blob
	return rec, true
}

func (s *Store) UpsertSessionRecord(rec domain.SessionRecord) error {
	blob := rec.Blob
	if blob != "" && s.box != nil {
		enc, err := s.box.Encrypt(blob)
		if err != nil {
			return fmt.Errorf("encrypt session blob: %w", err)
		}
		blob = enc
	}
	_, err := s.db.Exec(
		`insert into session_records(account_id, connected, session_blob, updated_at)
		 values ($1, $2, $3, now())
		 on conflict (account_id) do update
		 set connected = excluded.connected,
		     session_blob = excluded.session_blob,
		     updated_at = now()`,
		rec.AccountID, rec.Connected, blob,
	)
	return err
}

func (s *Store) DeleteSessionRecord(accountID string) error {
	_, err := s.db.Exec(`delete from session_records where account_id = $1`, accountID)
	return err
}

func (s *Store) AppendEvent(eventType domain.EventType, accountID string, payload map[string]interface{}) domain.Event {
	event := domain.Event{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	raw, _ := json.Marshal(payload)
	_, _ = s.db.Exec(
		`insert into events(id, account_id, event_type, payload, created_at)
		 values ($1, $2, $3, $4::jsonb, $5)`,
		event.ID, accountID, string(eventType), string(raw), event.CreatedAt,
	)
	return event
}

func (s *Store) ListEvents(limit int) []domain.Event {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`select id, account_id, event_type, payload, created_at
		 from events order by created_at desc limit $1`,
		limit,
	)
	if err != nil {
		return []domain.Event{}
	}
	defer rows.Close()

	out := make([]domain.Event, 0, limit)
	for rows.Next() {
		var e domain.Event
		var eventType string
		var payloadRaw []byte
		if err := rows.Scan(&e.ID, &e.AccountID, &eventType, &payloadRaw, &e.CreatedAt); err != nil {
			continue
		}
		e.Type = domain.EventType(eventType)
		_ = json.Unmarshal(payloadRaw, &e.Payload)
		if e.Payload == nil {
			e.Payload = map[string]interface{}{}
		}
		out = append(out, e)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
