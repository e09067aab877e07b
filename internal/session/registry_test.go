package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"whagate/internal/provider"
	"whagate/internal/store/memory"
)

func newTestRegistry(backend *provider.SimulatedBackend) *Registry {
	records := memory.NewStore()
	cfg := testConfig()
	return NewRegistry(func(accountID string) *Supervisor {
		return NewSupervisor(accountID, backend.NewClient, records, cfg, zerolog.Nop())
	}, zerolog.Nop())
}

func TestGetOrCreateIsIdempotentUnderConcurrency(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{PairingDelay: 20 * time.Millisecond})
	registry := newTestRegistry(backend)

	const callers = 16
	var wg sync.WaitGroup
	sups := make([]*Supervisor, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sups[i], errs[i] = registry.GetOrCreate(context.Background(), "acct-1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if sups[i] != sups[0] {
			t.Fatalf("caller %d got a different supervisor instance", i)
		}
	}
	if got := registry.Len(); got != 1 {
		t.Fatalf("expected 1 registered supervisor, got %d", got)
	}
	if got := backend.Connects(); got != 1 {
		t.Fatalf("expected 1 provider connect, got %d", got)
	}
}

func TestGetOrCreateEvictsOnExhaustedInitialization(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{ConnectFailures: 100})
	registry := newTestRegistry(backend)

	_, err := registry.GetOrCreate(context.Background(), "acct-1")
	if !errors.Is(err, ErrInitializationExhausted) {
		t.Fatalf("expected ErrInitializationExhausted, got %v", err)
	}
	if got := registry.Len(); got != 0 {
		t.Fatalf("a supervisor that never came up must be evicted, got %d registered", got)
	}
}

func TestGetNeverConstructs(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{})
	registry := newTestRegistry(backend)

	if _, ok := registry.Get("acct-1"); ok {
		t.Fatal("Get must not construct supervisors")
	}
	if got := backend.Connects(); got != 0 {
		t.Fatalf("Get must not touch the provider, got %d connects", got)
	}
}

func TestRemoveThenGetOrCreateBuildsFresh(t *testing.T) {
	backend := provider.NewSimulatedBackend(provider.SimulatedConfig{})
	registry := newTestRegistry(backend)

	first, err := registry.GetOrCreate(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("first GetOrCreate failed: %v", err)
	}
	registry.Remove("acct-1")
	if got := registry.Len(); got != 0 {
		t.Fatalf("expected empty registry after remove, got %d", got)
	}

	second, err := registry.GetOrCreate(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("second GetOrCreate failed: %v", err)
	}
	if first == second {
		t.Fatal("expected a fresh supervisor after eviction")
	}
}
