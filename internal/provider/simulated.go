package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimulatedConfig shapes the behavior of the simulated provider backend.
type SimulatedConfig struct {
	// PairingDelay is how long after Connect the pairing code is emitted.
	PairingDelay time.Duration
	// ReadyDelay, when positive, auto-confirms pairing that long after the
	// code is issued. Zero means the session stays AWAITING_PAIRING until
	// EmitReady is called.
	ReadyDelay time.Duration
	// ConnectFailures makes the first N Connect calls across the backend
	// fail, to exercise retry paths.
	ConnectFailures int
	SendErr         error
	DisconnectErr   error
}

// SimulatedBackend is an in-process stand-in for the real messaging
// provider. It backs the default provider mode so the gateway runs without
// external credentials, and it gives tests a handle to drive lifecycle
// events for any account.
type SimulatedBackend struct {
	cfg SimulatedConfig

	mu       sync.Mutex
	connects int
	clients  map[string]*SimulatedClient
}

func NewSimulatedBackend(cfg SimulatedConfig) *SimulatedBackend {
	return &SimulatedBackend{
		cfg:     cfg,
		clients: make(map[string]*SimulatedClient),
	}
}

// NewClient satisfies provider.Factory.
func (b *SimulatedBackend) NewClient(accountID string) Client {
	return &SimulatedClient{backend: b, accountID: accountID}
}

// Client returns the most recently connected simulated client for an
// account, if any. Test hook.
func (b *SimulatedBackend) Client(accountID string) (*SimulatedClient, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[accountID]
	return c, ok
}

// Connects reports how many Connect calls the backend has seen, failed ones
// included. Test hook.
func (b *SimulatedBackend) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

type SimulatedClient struct {
	backend   *SimulatedBackend
	accountID string

	mu     sync.Mutex
	events chan Event
	closed bool
	sent   []Message
}

func (c *SimulatedClient) Connect(ctx context.Context, accountID, priorBlob string) (<-chan Event, error) {
	b := c.backend
	b.mu.Lock()
	b.connects++
	if b.connects <= b.cfg.ConnectFailures {
		b.mu.Unlock()
		return nil, fmt.Errorf("simulated connect failure %d", b.connects)
	}
	b.clients[accountID] = c
	b.mu.Unlock()

	c.mu.Lock()
	c.events = make(chan Event, 16)
	c.mu.Unlock()

	code := newPairingCode()
	go func() {
		if b.cfg.PairingDelay > 0 {
			select {
			case <-time.After(b.cfg.PairingDelay):
			case <-ctx.Done():
				return
			}
		}
		c.emit(Event{Kind: EventPairingCode, Code: code})
		if b.cfg.ReadyDelay > 0 {
			select {
			case <-time.After(b.cfg.ReadyDelay):
			case <-ctx.Done():
				return
			}
			c.EmitReady("simulated-session-" + accountID)
		}
	}()
	return c.events, nil
}

func (c *SimulatedClient) Send(ctx context.Context, msg Message) error {
	if err := c.backend.cfg.SendErr; err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("simulated client closed")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *SimulatedClient) Disconnect(ctx context.Context) error {
	if err := c.backend.cfg.DisconnectErr; err != nil {
		return err
	}
	c.close()
	return nil
}

func (c *SimulatedClient) Destroy() error {
	c.close()
	return nil
}

// Sent returns a copy of everything delivered through this client.
func (c *SimulatedClient) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *SimulatedClient) EmitReady(blob string) {
	c.emit(Event{Kind: EventReady, Blob: blob})
}

func (c *SimulatedClient) EmitDisconnected(reason string) {
	c.emit(Event{Kind: EventDisconnected, Reason: reason})
}

func (c *SimulatedClient) EmitAuthFailure() {
	c.emit(Event{Kind: EventAuthFailure})
}

func (c *SimulatedClient) EmitMessage(from, body string) {
	c.emit(Event{Kind: EventMessage, From: from, Body: body})
}

func (c *SimulatedClient) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.events == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
		// Consumer fell behind; drop rather than block the simulator.
	}
}

func (c *SimulatedClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.events != nil {
		close(c.events)
	}
}

func newPairingCode() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return raw[:4] + "-" + raw[4:8]
}
