// Package session holds the stateful core of the gateway: the per-account
// Supervisor that owns a provider connection, the Registry that guarantees
// at most one Supervisor per account, and the Reaper that retires idle ones.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whagate/internal/domain"
	"whagate/internal/provider"
)

// RecordStore is the slice of the persistence layer the supervisor needs:
// one durable record per account, written on connect/disconnect transitions
// and deleted on logout, auth failure and forced reset.
type RecordStore interface {
	SessionRecord(accountID string) (domain.SessionRecord, bool)
	UpsertSessionRecord(rec domain.SessionRecord) error
	DeleteSessionRecord(accountID string) error
}

// Config carries the lifecycle policy knobs. Zero values fall back to the
// production defaults.
type Config struct {
	MaxInitAttempts     int
	InitRetryDelay      time.Duration
	ConnectTimeout      time.Duration
	CooldownPeriod      time.Duration
	InactivityThreshold time.Duration

	// AutoReplyTrigger/AutoReplyText: when an inbound message body equals
	// the trigger, the supervisor answers with the text. Disabled when the
	// trigger is empty.
	AutoReplyTrigger string
	AutoReplyText    string
}

func (c Config) withDefaults() Config {
	if c.MaxInitAttempts <= 0 {
		c.MaxInitAttempts = 3
	}
	if c.InitRetryDelay <= 0 {
		c.InitRetryDelay = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.CooldownPeriod <= 0 {
		c.CooldownPeriod = 60 * time.Second
	}
	if c.InactivityThreshold <= 0 {
		c.InactivityThreshold = 24 * time.Hour
	}
	return c
}

// Supervisor drives one account's provider connection through its lifecycle
// and serializes all mutating operations on that account. All session fields
// are confined to the owning supervisor; nothing outside this struct mutates
// them.
type Supervisor struct {
	accountID string
	newClient provider.Factory
	records   RecordStore
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	mu            sync.Mutex
	state         domain.SessionState
	stateChanged  chan struct{}
	pairingCode   string
	lastActivity  time.Time
	initAttempts  int
	cooldownUntil time.Time
	client        provider.Client
	gen           uint64
	initDone      chan struct{}
	cancelInit    context.CancelFunc
}

// errSuperseded: a logout or reset advanced the generation while a connect
// attempt was in flight; the attempt's client has been destroyed.
var errSuperseded = errors.New("connection attempt superseded")

func NewSupervisor(accountID string, factory provider.Factory, records RecordStore, cfg Config, log zerolog.Logger) *Supervisor {
	s := &Supervisor{
		accountID:    accountID,
		newClient:    factory,
		records:      records,
		cfg:          cfg.withDefaults(),
		log:          log.With().Str("component", "supervisor").Str("account_id", accountID).Logger(),
		now:          time.Now,
		state:        domain.StateUninitialized,
		stateChanged: make(chan struct{}),
	}
	s.lastActivity = s.now()
	return s
}

// State reports the current session state, with an elapsed cooldown
// normalized back to UNINITIALIZED.
func (s *Supervisor) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Initialize drives the provider connection up to AWAITING_PAIRING or
// CONNECTED. It is a deferred no-op while a cooldown is active, waits out an
// in-flight attempt instead of starting a second connection, and retries a
// failed connect up to the attempt budget with a fixed delay in between.
// When the budget is exhausted it reports ErrInitializationExhausted and
// leaves the session UNINITIALIZED, without a cooldown.
func (s *Supervisor) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.inCooldownLocked() {
		remaining := s.cooldownUntil.Sub(s.now())
		s.mu.Unlock()
		s.log.Info().Dur("remaining", remaining).Msg("initialize deferred: cooldown active")
		return nil
	}
	switch s.stateLocked() {
	case domain.StateInitializing:
		done := s.initDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case domain.StateAwaitingPairing, domain.StateConnected:
		s.mu.Unlock()
		return nil
	case domain.StateClosing:
		// A teardown is mid-flight; it will land in cooldown on its own.
		s.mu.Unlock()
		s.log.Info().Msg("initialize deferred: teardown in progress")
		return nil
	}
	s.setStateLocked(domain.StateInitializing)
	s.initAttempts = 0
	initGen := s.gen
	initCtx, cancelInit := context.WithCancel(ctx)
	s.cancelInit = cancelInit
	done := make(chan struct{})
	s.initDone = done
	s.mu.Unlock()
	defer func() {
		cancelInit()
		s.mu.Lock()
		if s.initDone == done {
			s.cancelInit = nil
		}
		s.mu.Unlock()
		close(done)
	}()

	// The persisted record is advisory here: log it, keep its blob for the
	// connect call, then clear it so a failed attempt cannot resurrect it.
	var priorBlob string
	if rec, ok := s.records.SessionRecord(s.accountID); ok {
		priorBlob = rec.Blob
		if rec.Connected {
			s.log.Info().Msg("stale connected record found; waiting for a fresh provider ready event")
		}
		_ = s.records.DeleteSessionRecord(s.accountID)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxInitAttempts; attempt++ {
		s.mu.Lock()
		if s.gen != initGen {
			s.mu.Unlock()
			s.log.Info().Msg("initialize superseded by logout or reset")
			return nil
		}
		s.initAttempts = attempt
		s.mu.Unlock()

		err := s.connectOnce(initCtx, initGen, priorBlob)
		if err == nil {
			return nil
		}
		if errors.Is(err, errSuperseded) {
			s.log.Info().Msg("initialize superseded by logout or reset")
			return nil
		}
		lastErr = err
		s.log.Warn().Err(err).Int("attempt", attempt).Int("max", s.cfg.MaxInitAttempts).Msg("connect attempt failed")
		if ctx.Err() != nil {
			break
		}
		if attempt < s.cfg.MaxInitAttempts {
			select {
			case <-time.After(s.cfg.InitRetryDelay):
			case <-initCtx.Done():
			}
		}
	}

	s.mu.Lock()
	superseded := s.gen != initGen
	if !superseded {
		s.setStateLocked(domain.StateUninitialized)
	}
	s.mu.Unlock()
	if superseded {
		s.log.Info().Msg("initialize superseded by logout or reset")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrInitializationExhausted, s.cfg.MaxInitAttempts, lastErr)
}

// connectOnce runs a single connection attempt: it builds a fresh client,
// connects, and waits for the first lifecycle signal. Success means the
// session reached AWAITING_PAIRING or CONNECTED and the event loop owns the
// stream from here on. The attempt carries the generation it started under
// so a logout or reset that lands mid-connect discards it.
func (s *Supervisor) connectOnce(ctx context.Context, initGen uint64, priorBlob string) error {
	client := s.newClient(s.accountID)
	events, err := client.Connect(ctx, s.accountID, priorBlob)
	if err != nil {
		_ = client.Destroy()
		return fmt.Errorf("provider connect: %w", err)
	}

	timeout := time.NewTimer(s.cfg.ConnectTimeout)
	defer timeout.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = client.Destroy()
				return errors.New("provider closed event stream before lifecycle signal")
			}
			switch ev.Kind {
			case provider.EventPairingCode:
				if !s.adopt(initGen, client, events, domain.StateAwaitingPairing, ev.Code) {
					return errSuperseded
				}
				s.log.Info().Msg("pairing code issued")
				return nil
			case provider.EventReady:
				if !s.adopt(initGen, client, events, domain.StateConnected, "") {
					return errSuperseded
				}
				s.persistConnected(ev.Blob)
				s.log.Info().Msg("session ready")
				return nil
			case provider.EventDisconnected, provider.EventAuthFailure:
				_ = client.Destroy()
				return fmt.Errorf("provider reported %s during connect", ev.Kind)
			default:
				// Ignore traffic events until the connection settles.
			}
		case <-timeout.C:
			_ = client.Destroy()
			return fmt.Errorf("no lifecycle event within %s", s.cfg.ConnectTimeout)
		case <-ctx.Done():
			_ = client.Destroy()
			return ctx.Err()
		}
	}
}

// adopt installs a connected client and hands its event stream to the event
// loop. The generation counter fences two ways: event loops from torn-down
// connections go stale, and an attempt whose generation was advanced by a
// logout or reset while it was connecting is destroyed instead of installed.
func (s *Supervisor) adopt(initGen uint64, client provider.Client, events <-chan provider.Event, state domain.SessionState, pairingCode string) bool {
	s.mu.Lock()
	if s.gen != initGen {
		s.mu.Unlock()
		_ = client.Destroy()
		return false
	}
	s.client = client
	s.gen++
	gen := s.gen
	s.setStateLocked(state)
	s.pairingCode = pairingCode
	s.lastActivity = s.now()
	s.initAttempts = 0
	s.mu.Unlock()
	go s.eventLoop(gen, events)
	return true
}

func (s *Supervisor) eventLoop(gen uint64, events <-chan provider.Event) {
	for ev := range events {
		if !s.handleEvent(gen, ev) {
			return
		}
	}
}

// handleEvent processes one provider event; events for a single connection
// are handled strictly in emission order. The return value is false once the
// event belongs to a stale generation or the connection dropped.
func (s *Supervisor) handleEvent(gen uint64, ev provider.Event) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	switch ev.Kind {
	case provider.EventPairingCode:
		s.setStateLocked(domain.StateAwaitingPairing)
		s.pairingCode = ev.Code
		s.mu.Unlock()
		s.log.Info().Msg("pairing code refreshed")
		return true
	case provider.EventReady:
		s.setStateLocked(domain.StateConnected)
		s.lastActivity = s.now()
		s.mu.Unlock()
		s.persistConnected(ev.Blob)
		s.log.Info().Msg("session connected")
		return true
	case provider.EventMessage:
		s.lastActivity = s.now()
		client := s.client
		connected := s.stateLocked() == domain.StateConnected
		s.mu.Unlock()
		if s.cfg.AutoReplyTrigger != "" && ev.Body == s.cfg.AutoReplyTrigger && connected && client != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := client.Send(ctx, provider.Message{Recipient: ev.From, Text: s.cfg.AutoReplyText}); err != nil {
				s.log.Warn().Err(err).Msg("auto-reply failed")
			}
		}
		return true
	case provider.EventDisconnected:
		s.mu.Unlock()
		s.log.Warn().Str("reason", ev.Reason).Msg("provider disconnected")
		s.teardown(false)
		return false
	case provider.EventAuthFailure:
		s.mu.Unlock()
		s.log.Warn().Msg("provider auth failure; re-pairing required")
		s.teardown(true)
		return false
	default:
		s.mu.Unlock()
		return true
	}
}

// teardown handles a provider-initiated drop: CLOSING, cleanup, then a
// cooldown so a failure cannot trigger an immediate pairing-code storm. An
// auth failure is terminal for the persisted record; an ordinary disconnect
// keeps a connected=false record behind.
func (s *Supervisor) teardown(authFailure bool) {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.supersedeLocked()
	s.setStateLocked(domain.StateClosing)
	s.mu.Unlock()

	if client != nil {
		_ = client.Destroy()
	}
	if authFailure {
		_ = s.records.DeleteSessionRecord(s.accountID)
	} else {
		_ = s.records.UpsertSessionRecord(domain.SessionRecord{
			AccountID: s.accountID,
			Connected: false,
			UpdatedAt: s.now(),
		})
	}

	s.mu.Lock()
	s.cooldownUntil = s.now().Add(s.cfg.CooldownPeriod)
	s.initAttempts = 0
	s.setStateLocked(domain.StateCooldown)
	s.mu.Unlock()
}

func (s *Supervisor) persistConnected(blob string) {
	_ = s.records.UpsertSessionRecord(domain.SessionRecord{
		AccountID: s.accountID,
		Connected: true,
		Blob:      blob,
		UpdatedAt: s.now(),
	})
}

// PairingCode returns the current code. There is none while the session is
// in cooldown or not awaiting pairing. Never blocks.
func (s *Supervisor) PairingCode() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inCooldownLocked() {
		return "", false
	}
	if s.stateLocked() != domain.StateAwaitingPairing {
		return "", false
	}
	return s.pairingCode, true
}

// WaitUntilReady blocks until the session is CONNECTED or the timeout
// elapses. A timeout has no side effects; the in-flight initialization keeps
// running and callers decide whether to tear down.
func (s *Supervisor) WaitUntilReady(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		if s.stateLocked() == domain.StateConnected {
			s.mu.Unlock()
			return true
		}
		changed := s.stateChanged
		s.mu.Unlock()
		select {
		case <-changed:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Send delivers one message. An attachment and its caption travel as a
// single unit; the footer is appended to the text either way. Delivery
// failures are reported, not retried, and leave the session CONNECTED.
func (s *Supervisor) Send(ctx context.Context, recipient, text string, attachment *provider.Attachment, footer string) error {
	s.mu.Lock()
	if s.stateLocked() != domain.StateConnected {
		s.mu.Unlock()
		return ErrNotReady
	}
	client := s.client
	s.lastActivity = s.now()
	s.mu.Unlock()

	msg := ComposeMessage(recipient, text, attachment, footer)
	if err := client.Send(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("recipient", recipient).Msg("send failed")
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
	return nil
}

// ComposeMessage applies the caption/footer contract: with an attachment the
// caption is text plus footer and rides with the attachment; without one the
// footer is appended to the plain text.
func ComposeMessage(recipient, text string, attachment *provider.Attachment, footer string) provider.Message {
	body := text
	if footer != "" {
		body = text + "\n\n" + footer
	}
	return provider.Message{
		Recipient:  recipient,
		Text:       body,
		Attachment: attachment,
	}
}

// Logout asks the provider to disconnect, clears the persisted record and
// parks the session in cooldown. An in-flight Initialize is cancelled and
// waited out first, so the logout never races a connection attempt. If the
// disconnect call itself errors the session is left CLOSING and the caller
// is expected to ForceReset.
func (s *Supervisor) Logout(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.supersedeLocked()
	initDone := s.initDone
	s.setStateLocked(domain.StateClosing)
	s.mu.Unlock()

	if err := s.awaitInit(ctx, initDone); err != nil {
		s.mu.Lock()
		s.client = client
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrLogoutFailed, err)
	}

	if client != nil {
		if err := client.Disconnect(ctx); err != nil {
			s.mu.Lock()
			s.client = client
			s.mu.Unlock()
			s.log.Warn().Err(err).Msg("provider disconnect failed")
			return fmt.Errorf("%w: %v", ErrLogoutFailed, err)
		}
		_ = client.Destroy()
	}
	_ = s.records.DeleteSessionRecord(s.accountID)

	s.mu.Lock()
	s.cooldownUntil = s.now().Add(s.cfg.CooldownPeriod)
	s.initAttempts = 0
	s.setStateLocked(domain.StateCooldown)
	s.mu.Unlock()
	s.log.Info().Msg("logged out")
	return nil
}

// ForceReset unconditionally tears down any live connection or in-flight
// connection attempt, cuts the cooldown and attempt counter, clears the
// persisted record and re-initializes. Recovery path for stuck accounts and
// failed logouts.
func (s *Supervisor) ForceReset(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.supersedeLocked()
	initDone := s.initDone
	s.setStateLocked(domain.StateClosing)
	s.mu.Unlock()

	if err := s.awaitInit(ctx, initDone); err != nil {
		return err
	}

	if client != nil {
		_ = client.Destroy()
	}
	_ = s.records.DeleteSessionRecord(s.accountID)

	s.mu.Lock()
	s.cooldownUntil = time.Time{}
	s.initAttempts = 0
	s.setStateLocked(domain.StateUninitialized)
	s.mu.Unlock()
	s.log.Info().Msg("force reset")
	return s.Initialize(ctx)
}

// CheckInactivity logs the session out when it has been idle longer than the
// configured threshold, and reports whether it did. Logout failures here are
// logged and swallowed: the reaper has no caller to answer to, and the entry
// will be retried on the next sweep.
func (s *Supervisor) CheckInactivity(ctx context.Context) bool {
	s.mu.Lock()
	idle := s.now().Sub(s.lastActivity)
	s.mu.Unlock()
	if idle <= s.cfg.InactivityThreshold {
		return false
	}
	s.log.Info().Dur("idle", idle).Msg("inactive session, logging out")
	if err := s.Logout(ctx); err != nil {
		s.log.Warn().Err(err).Msg("logout during inactivity check failed")
	}
	return true
}

// LastActivity reports when the session last saw traffic. Test hook and
// operator surface.
func (s *Supervisor) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Supervisor) markActivity(t time.Time) {
	s.mu.Lock()
	s.lastActivity = t
	s.mu.Unlock()
}

// supersedeLocked fences out the current connection: it advances the
// generation, so in-flight adopts and live event loops go stale, and cancels
// a pending Initialize. Callers hold s.mu.
func (s *Supervisor) supersedeLocked() {
	s.gen++
	if s.cancelInit != nil {
		s.cancelInit()
		s.cancelInit = nil
	}
}

// awaitInit blocks until the superseded Initialize, if any, has finished its
// cleanup. Waiting keeps teardown strictly after the attempt's own client
// destruction, so two provider connections are never outstanding at once.
func (s *Supervisor) awaitInit(ctx context.Context, initDone chan struct{}) error {
	if initDone == nil {
		return nil
	}
	select {
	case <-initDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stateLocked normalizes an elapsed cooldown back to UNINITIALIZED. Callers
// hold s.mu.
func (s *Supervisor) stateLocked() domain.SessionState {
	if s.state == domain.StateCooldown && !s.now().Before(s.cooldownUntil) {
		s.setStateLocked(domain.StateUninitialized)
	}
	return s.state
}

func (s *Supervisor) inCooldownLocked() bool {
	return s.state == domain.StateCooldown && s.now().Before(s.cooldownUntil)
}

// setStateLocked transitions the state and wakes every WaitUntilReady
// waiter. The pairing code is only meaningful while AWAITING_PAIRING and is
// cleared on every transition away from it. Callers hold s.mu.
func (s *Supervisor) setStateLocked(st domain.SessionState) {
	if s.state == st {
		return
	}
	s.state = st
	if st != domain.StateAwaitingPairing {
		s.pairingCode = ""
	}
	close(s.stateChanged)
	s.stateChanged = make(chan struct{})
}
