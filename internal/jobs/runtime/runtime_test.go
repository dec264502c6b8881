package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kestrel/internal/domain"
)

type fakeMaintainer struct {
	tokens   []domain.Token
	listErr  error
	refresh  map[uint64]error
	cooldown map[uint64]bool

	mu         sync.Mutex
	refreshed  []uint64
	cooldowned []uint64

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeMaintainer) AllTokens(context.Context) ([]domain.Token, error) {
	return f.tokens, f.listErr
}

func (f *fakeMaintainer) enter() func() {
	n := f.inFlight.Add(1)
	for {
		current := f.maxInFlight.Load()
		if n <= current || f.maxInFlight.CompareAndSwap(current, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeMaintainer) AutoRefreshIfExpiring(_ context.Context, id uint64) (bool, error) {
	defer f.enter()()
	f.mu.Lock()
	f.refreshed = append(f.refreshed, id)
	f.mu.Unlock()
	if err := f.refresh[id]; err != nil {
		return false, err
	}
	return id%2 == 0, nil
}

func (f *fakeMaintainer) RefreshQuotaIfCooldownExpired(_ context.Context, id uint64) (bool, error) {
	f.mu.Lock()
	f.cooldowned = append(f.cooldowned, id)
	f.mu.Unlock()
	return f.cooldown[id], nil
}

func TestRunTokenMaintenance(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	maintainer := &fakeMaintainer{
		tokens: []domain.Token{
			{ID: 1, IsActive: true},
			{ID: 2, IsActive: true},
			{ID: 3, IsActive: true},
			{ID: 4, CooldownUntil: &past},
			{ID: 5},
		},
		refresh:  map[uint64]error{3: errors.New("store unavailable")},
		cooldown: map[uint64]bool{4: true},
	}

	report, err := RunTokenMaintenance(context.Background(), maintainer, 2)
	if err != nil {
		t.Fatalf("RunTokenMaintenance: %v", err)
	}

	want := MaintenanceReport{Scanned: 5, Refreshed: 1, CooldownsEnded: 1, Failed: 1}
	if report != want {
		t.Fatalf("report = %+v, want %+v", report, want)
	}
	if len(maintainer.refreshed) != 3 {
		t.Fatalf("refresh checks on %v, want active tokens only", maintainer.refreshed)
	}
	if len(maintainer.cooldowned) != 1 || maintainer.cooldowned[0] != 4 {
		t.Fatalf("cooldown checks on %v, want [4]", maintainer.cooldowned)
	}
}

func TestRunTokenMaintenanceRespectsConcurrency(t *testing.T) {
	maintainer := &fakeMaintainer{}
	for i := uint64(1); i <= 12; i++ {
		maintainer.tokens = append(maintainer.tokens, domain.Token{ID: i, IsActive: true})
	}

	if _, err := RunTokenMaintenance(context.Background(), maintainer, 3); err != nil {
		t.Fatalf("RunTokenMaintenance: %v", err)
	}
	if got := maintainer.maxInFlight.Load(); got > 3 {
		t.Fatalf("max in flight = %d, want <= 3", got)
	}
}

func TestRunTokenMaintenanceListError(t *testing.T) {
	maintainer := &fakeMaintainer{listErr: errors.New("db down")}
	if _, err := RunTokenMaintenance(context.Background(), maintainer, 1); err == nil {
		t.Fatal("expected the list error")
	}
}

func TestRunIntervalLoopTicksAndFollowsUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan time.Duration, 1)
	intervalValue, updateSignal := watchInterval(ctx, time.Hour, updates, time.Hour)

	ticks := make(chan struct{}, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		runIntervalLoop(ctx, intervalValue, updateSignal, time.Hour, func(context.Context) {
			ticks <- struct{}{}
		})
	}()

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("no immediate tick")
	}

	updates <- 10 * time.Millisecond
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("interval update was not applied")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) SweepPool(context.Context) (int, int) {
	s.calls.Add(1)
	return 1, 2
}

func TestSweepPoolOnce(t *testing.T) {
	tests := map[string]struct {
		enabled func() bool
		want    int32
	}{
		"no switch":     {enabled: nil, want: 1},
		"enabled":       {enabled: func() bool { return true }, want: 1},
		"disabled pool": {enabled: func() bool { return false }, want: 0},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			sweeper := &countingSweeper{}
			sweepPoolOnce(context.Background(), sweeper, tc.enabled)
			if got := sweeper.calls.Load(); got != tc.want {
				t.Fatalf("sweeps = %d, want %d", got, tc.want)
			}
		})
	}
}
