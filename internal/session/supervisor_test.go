package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"whagate/internal/domain"
	"whagate/internal/provider"
	"whagate/internal/store/memory"
)

func testConfig() Config {
	return Config{
		MaxInitAttempts: 3,
		InitRetryDelay:  time.Millisecond,
		ConnectTimeout:  2 * time.Second,
		CooldownPeriod:  time.Minute,
	}
}

func newTestSupervisor(backend *provider.SimulatedBackend, records RecordStore, cfg Config) *Supervisor {
	return NewSupervisor("acct-1", backend.NewClient, records, cfg, zerolog.Nop())
}

func waitForState(t *testing.T, sup *Supervisor, want domain.SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sup.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, still %s", want, sup.State())
}

func TestInitializeIssuesPairingCode(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{})
	sup := newTestSupervisor(backend, memory.NewStore(), testConfig())

	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if got := sup.State(); got != domain.StateAwaitingPairing {
		t.Fatalf("expected AWAITING_PAIRING, got %s", got)
	}
	code, ok := sup.PairingCode()
	if !ok || code == "" {
		t.Fatalf("expected a pairing code, got %q (present=%v)", code, ok)
	}
}

func TestConcurrentInitializeOpensOneConnection(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{PairingDelay: 20 * time.Millisecond})
	sup := newTestSupervisor(backend, memory.NewStore(), testConfig())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = sup.Initialize(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("initialize %d failed: %v", i, err)
		}
	}
	if got := backend.Connects(); got != 1 {
		t.Fatalf("expected exactly 1 provider connect, got %d", got)
	}
	if got := sup.State(); got != domain.StateAwaitingPairing {
		t.Fatalf("expected AWAITING_PAIRING, got %s", got)
	}
}

func TestInitializeExhaustsAttemptBudget(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{ConnectFailures: 100})
	sup := newTestSupervisor(backend, memory.NewStore(), testConfig())

	err := sup.Initialize(context.Background())
	if !errors.Is(err, ErrInitializationExhausted) {
		t.Fatalf("expected ErrInitializationExhausted, got %v", err)
	}
	if got := backend.Connects(); got != 3 {
		t.Fatalf("expected 3 connect attempts, got %d", got)
	}
	if got := sup.State(); got != domain.StateUninitialized {
		t.Fatalf("expected UNINITIALIZED after exhaustion, got %s", got)
	}
	if _, ok := sup.PairingCode(); ok {
		t.Fatal("no pairing code should survive an exhausted initialization")
	}
	// No cooldown: a fresh Initialize must attempt to connect again.
	if err := sup.Initialize(context.Background()); !errors.Is(err, ErrInitializationExhausted) {
		t.Fatalf("expected a second exhaustion, got %v", err)
	}
	if got := backend.Connects(); got != 6 {
		t.Fatalf("expected 6 total connect attempts, got %d", got)
	}
}

func TestInitializeRecoversAfterTransientFailures(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{ConnectFailures: 2})
	sup := newTestSupervisor(backend, memory.NewStore(), testConfig())

	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize should survive two transient failures: %v", err)
	}
	if got := sup.State(); got != domain.StateAwaitingPairing {
		t.Fatalf("expected AWAITING_PAIRING, got %s", got)
	}
	if got := backend.Connects(); got != 3 {
		t.Fatalf("expected 3 connects, got %d", got)
	}
}

func TestReadyEventPersistsConnectedRecord(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{})
	records := memory.NewStore()
	sup := newTestSupervisor(backend, records, testConfig())

	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	client, ok := backend.Client("acct-1")
	if !ok {
		t.Fatal("simulated client not registered")
	}
	client.EmitReady("blob-1")
	waitForState(t, sup, domain.StateConnected)

	rec, found := records.SessionRecord("acct-1")
	if !found || !rec.Connected {
		t.Fatalf("expected a connected record, got found=%v connected=%v", found, rec.Connected)
	}
	if rec.Blob != "blob-1" {
		t.Fatalf("expected blob to be persisted, got %q", rec.Blob)
	}
}

func TestDisconnectEntersCooldownAndHidesPairingCode(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{})
	records := memory.NewStore()
	sup := newTestSupervisor(backend, records, testConfig())

	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	client, _ := backend.Client("acct-1")
	client.EmitReady("blob-1")
	waitForState(t, sup, domain.StateConnected)

	client.EmitDisconnected("stream error")
	waitForState(t, sup, domain.StateCooldown)

	if _, ok := sup.PairingCode(); ok {
		t.Fatal("pairing code must be hidden during cooldown")
	}
	rec, found := records.SessionRecord("acct-1")
	if !found || rec.Connected {
		t.Fatalf("disconnect should leave a connected=false record, got found=%v connected=%v", found, rec.Connected)
	}

	// Initialize during cooldown is a deferred no-op.
	before := backend.Connects()
	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("deferred initialize returned error: %v", err)
	}
	if got := backend.Connects(); got != before {
		t.Fatalf("cooldown must not trigger a connect, got %d new", got-before)
	}
	if got := sup.State(); got != domain.StateCooldown {
		t.Fatalf("expected COOLDOWN, got %s", got)
	}
}

func TestAuthFailureDeletesRecord(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{})
	records := memory.NewStore()
	sup := newTestSupervisor(backend, records, testConfig())

	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	client, _ := backend.Client("acct-1")
	client.EmitReady("blob-1")
	waitForState(t, sup, domain.StateConnected)

	client.EmitAuthFailure()
	waitForState(t, sup, domain.StateCooldown)

	if _, found := records.SessionRecord("acct-1"); found {
		t.Fatal("auth failure must delete the persisted record")
	}
}

func TestCooldownExpiresBackToUninitialized(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{})
	sup := newTestSupervisor(backend, memory.NewStore(), testConfig())

	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if err := sup.Logout(context.Background()); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if got := sup.State(); got != domain.StateCooldown {
		t.Fatalf("expected COOLDOWN after logout, got %s", got)
	}

	sup.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if got := sup.State(); got != domain.StateUninitialized {
		t.Fatalf("expected cooldown to lapse to UNINITIALIZED, got %s", got)
	}
}

func TestForceResetCutsCooldownShort(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{})
	records := memory.NewStore()
	sup := newTestSupervisor(backend, records, testConfig())

	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if err := sup.Logout(context.Background()); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if err := sup.ForceReset(context.Background()); err != nil {
		t.Fatalf("force reset failed: %v", err)
	}
	if got := sup.State(); got != domain.StateAwaitingPairing {
		t.Fatalf("expected AWAITING_PAIRING after reset, got %s", got)
	}
	if _, ok := sup.PairingCode(); !ok {
		t.Fatal("expected a fresh pairing code after reset")
	}
}

func TestSendRequiresConnectedSession(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{})
	sup := newTestSupervisor(backend, memory.NewStore(), testConfig())

	err := sup.Send(context.Background(), "dest", "hello", nil, "")
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if got := backend.Connects(); got != 0 {
		t.Fatalf("send on a cold session must not touch the provider, got %d connects", got)
	}
}

func TestSendAppendsFooter(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{})
	sup := newTestSupervisor(backend, memory.NewStore(), testConfig())

	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	client, _ := backend.Client("acct-1")
	client.EmitReady("blob-1")
	waitForState(t, sup, domain.StateConnected)

	if err := sup.Send(context.Background(), "dest", "hello", nil, "sent via gateway"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	sent := client.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(sent))
	}
	if sent[0].Text != "hello\n\nsent via gateway" {
		t.Fatalf("unexpected message text %q", sent[0].Text)
	}
	if sent[0].Recipient != "dest" {
		t.Fatalf("unexpected recipient %q", sent[0].Recipient)
	}
}

func TestSendDeliveryFailureLeavesSessionConnected(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{SendErr: errors.New("socket gone")})
	sup := newTestSupervisor(backend, memory.NewStore(), testConfig())

	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	client, _ := backend.Client("acct-1")
	client.EmitReady("blob-1")
	waitForState(t, sup, domain.StateConnected)

	err := sup.Send(context.Background(), "dest", "hello", nil, "")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if got := sup.State(); got != domain.StateConnected {
		t.Fatalf("delivery failure must leave the session CONNECTED, got %s", got)
	}
}

func TestComposeMessage(t *testing.T) {
	att := &provider.Attachment{MimeType: "image/jpeg", FileName: "photo.jpg", Data: []byte{1}}

	msg := ComposeMessage("dest", "caption", att, "footer")
	if msg.Text != "caption\n\nfooter" {
		t.Fatalf("unexpected caption %q", msg.Text)
	}
	if msg.Attachment != att {
		t.Fatal("attachment and caption must travel as one message")
	}

	plain := ComposeMessage("dest", "hello", nil, "")
	if plain.Text != "hello" || plain.Attachment != nil {
		t.Fatalf("unexpected plain message %+v", plain)
	}
}

func TestLogoutFailureLeavesClosingAndResetRecovers(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{DisconnectErr: errors.New("stream stuck")})
	sup := newTestSupervisor(backend, memory.NewStore(), testConfig())

	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	client, _ := backend.Client("acct-1")
	client.EmitReady("blob-1")
	waitForState(t, sup, domain.StateConnected)

	err := sup.Logout(context.Background())
	if !errors.Is(err, ErrLogoutFailed) {
		t.Fatalf("expected ErrLogoutFailed, got %v", err)
	}
	if got := sup.State(); got != domain.StateClosing {
		t.Fatalf("expected CLOSING after failed logout, got %s", got)
	}

	if err := sup.ForceReset(context.Background()); err != nil {
		t.Fatalf("force reset failed: %v", err)
	}
	if got := sup.State(); got != domain.StateAwaitingPairing {
		t.Fatalf("expected AWAITING_PAIRING after reset, got %s", got)
	}
}

func TestWaitUntilReady(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{})
	sup := newTestSupervisor(backend, memory.NewStore(), testConfig())

	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if sup.WaitUntilReady(context.Background(), 30*time.Millisecond) {
		t.Fatal("session awaiting pairing must not report ready")
	}
	if got := sup.State(); got != domain.StateAwaitingPairing {
		t.Fatalf("wait timeout must not change state, got %s", got)
	}

	client, _ := backend.Client("acct-1")
	go func() {
		time.Sleep(20 * time.Millisecond)
		client.EmitReady("blob-1")
	}()
	if !sup.WaitUntilReady(context.Background(), 2*time.Second) {
		t.Fatal("expected ready after the provider confirmed pairing")
	}
}

func TestCheckInactivity(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{})
	records := memory.NewStore()
	cfg := testConfig()
	cfg.InactivityThreshold = time.Hour
	sup := newTestSupervisor(backend, records, cfg)

	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	client, _ := backend.Client("acct-1")
	client.EmitReady("blob-1")
	waitForState(t, sup, domain.StateConnected)

	sup.markActivity(time.Now().Add(-30 * time.Minute))
	if sup.CheckInactivity(context.Background()) {
		t.Fatal("session under the idle threshold must survive")
	}

	sup.markActivity(time.Now().Add(-2 * time.Hour))
	if !sup.CheckInactivity(context.Background()) {
		t.Fatal("session past the idle threshold must be logged out")
	}
	if _, found := records.SessionRecord("acct-1"); found {
		t.Fatal("inactivity logout must delete the persisted record")
	}
	if got := sup.State(); got != domain.StateCooldown {
		t.Fatalf("expected COOLDOWN after inactivity logout, got %s", got)
	}
}

// slowBackend issues clients whose pairing code arrives after a fixed delay
// and counts how many provider connections are outstanding at once.
type slowBackend struct {
	pairingDelay time.Duration

	mu        sync.Mutex
	connects  int
	active    int
	maxActive int
}

func (b *slowBackend) newClient(accountID string) provider.Client {
	return &slowClient{backend: b}
}

func (b *slowBackend) activeConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *slowBackend) maxConcurrent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxActive
}

type slowClient struct {
	backend *slowBackend

	mu        sync.Mutex
	events    chan provider.Event
	destroyed bool
}

func (c *slowClient) Connect(ctx context.Context, accountID, priorBlob string) (<-chan provider.Event, error) {
	b := c.backend
	b.mu.Lock()
	b.connects++
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	b.mu.Unlock()

	c.mu.Lock()
	c.events = make(chan provider.Event, 4)
	c.mu.Unlock()
	go func() {
		select {
		case <-time.After(b.pairingDelay):
		case <-ctx.Done():
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.destroyed {
			c.events <- provider.Event{Kind: provider.EventPairingCode, Code: "AAAA-BBBB"}
		}
	}()
	return c.events, nil
}

func (c *slowClient) Send(ctx context.Context, msg provider.Message) error { return nil }

func (c *slowClient) Disconnect(ctx context.Context) error { return nil }

func (c *slowClient) Destroy() error {
	c.mu.Lock()
	already := c.destroyed
	c.destroyed = true
	c.mu.Unlock()
	if !already {
		c.backend.mu.Lock()
		c.backend.active--
		c.backend.mu.Unlock()
	}
	return nil
}

func TestForceResetDuringInitialize(t *testing.T) {
	backend := &slowBackend{pairingDelay: 300 * time.Millisecond}
	sup := NewSupervisor("acct-1", backend.newClient, memory.NewStore(), testConfig(), zerolog.Nop())

	initErr := make(chan error, 1)
	go func() { initErr <- sup.Initialize(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	if err := sup.ForceReset(context.Background()); err != nil {
		t.Fatalf("force reset failed: %v", err)
	}
	if err := <-initErr; err != nil {
		t.Fatalf("superseded initialize returned error: %v", err)
	}
	if got := sup.State(); got != domain.StateAwaitingPairing {
		t.Fatalf("expected AWAITING_PAIRING after reset, got %s", got)
	}
	if got := backend.maxConcurrent(); got != 1 {
		t.Fatalf("expected at most one outstanding provider connection, got %d", got)
	}
	if got := backend.activeConnections(); got != 1 {
		t.Fatalf("expected only the reset's connection alive, got %d", got)
	}
}

func TestLogoutDuringInitializeStaysLoggedOut(t *testing.T) {
	backend := &slowBackend{pairingDelay: 200 * time.Millisecond}
	records := memory.NewStore()
	sup := NewSupervisor("acct-1", backend.newClient, records, testConfig(), zerolog.Nop())

	initErr := make(chan error, 1)
	go func() { initErr <- sup.Initialize(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	if err := sup.Logout(context.Background()); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if err := <-initErr; err != nil {
		t.Fatalf("superseded initialize returned error: %v", err)
	}
	if got := sup.State(); got != domain.StateCooldown {
		t.Fatalf("expected COOLDOWN after logout, got %s", got)
	}

	// Even if the first attempt's pairing event fires late, it must not pull
	// the session out of cooldown.
	time.Sleep(250 * time.Millisecond)
	if got := sup.State(); got != domain.StateCooldown {
		t.Fatalf("late pairing event must not undo the logout, got %s", got)
	}
	if _, ok := sup.PairingCode(); ok {
		t.Fatal("no pairing code may surface after logout")
	}
	if got := backend.activeConnections(); got != 0 {
		t.Fatalf("expected every provider connection destroyed, got %d", got)
	}
	if got := backend.maxConcurrent(); got != 1 {
		t.Fatalf("expected at most one outstanding provider connection, got %d", got)
	}
}

func TestInboundMessageRefreshesActivity(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{})
	sup := newTestSupervisor(backend, memory.NewStore(), testConfig())

	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	client, _ := backend.Client("acct-1")
	client.EmitReady("blob-1")
	waitForState(t, sup, domain.StateConnected)

	stale := time.Now().Add(-2 * time.Hour)
	sup.markActivity(stale)
	client.EmitMessage("peer", "hi")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sup.LastActivity().After(stale) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("inbound message never refreshed last activity")
}

func TestAutoReply(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{})
	cfg := testConfig()
	cfg.AutoReplyTrigger = "!ping"
	cfg.AutoReplyText = "pong"
	sup := newTestSupervisor(backend, memory.NewStore(), cfg)

	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	client, _ := backend.Client("acct-1")
	client.EmitReady("blob-1")
	waitForState(t, sup, domain.StateConnected)

	client.EmitMessage("peer", "!ping")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sent := client.Sent()
		if len(sent) == 1 {
			if sent[0].Recipient != "peer" || sent[0].Text != "pong" {
				t.Fatalf("unexpected auto-reply %+v", sent[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("auto-reply never sent")
}
