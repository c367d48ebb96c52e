package conn

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/waxline/waxline/config"
	"github.com/waxline/waxline/internal/domain"
	runtimepkg "github.com/waxline/waxline/internal/runtime"
	"github.com/waxline/waxline/internal/stability"
	"github.com/waxline/waxline/internal/store"
)

type fakeRuntime struct {
	mu      sync.Mutex
	created []string
	fail    error
}

func (f *fakeRuntime) CreateInstance(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.created = append(f.created, id)
	return nil
}

func (f *fakeRuntime) DeleteInstance(ctx context.Context, id string) error { return nil }
func (f *fakeRuntime) GetPairingPayload(ctx context.Context, id string) (string, error) {
	return "", nil
}
func (f *fakeRuntime) ListInstances(ctx context.Context) ([]runtimepkg.RemoteInstance, error) {
	return nil, nil
}
func (f *fakeRuntime) Health(ctx context.Context) error { return nil }

func (f *fakeRuntime) createdIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.created))
	copy(out, f.created)
	return out
}

func testStore(t *testing.T) store.InstanceStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.NewGormInstanceStore(db)
}

func testReconnector(t *testing.T, rt *fakeRuntime) (*Reconnector, store.InstanceStore) {
	t.Helper()
	st := testStore(t)
	cfg := config.SupervisorConfig{
		ReconnectBaseDelay: 50 * time.Millisecond,
		ReconnectMaxDelay:  200 * time.Millisecond,
		MaxAttempts:        3,
	}
	stab := stability.NewController(time.Millisecond)
	return NewReconnector(cfg, st, rt, NewRegistry(), stab), st
}

func seedInstance(t *testing.T, st store.InstanceStore, id, state string, intentional bool, attempts int) {
	t.Helper()
	err := st.Create(context.Background(), &domain.Instance{
		ID:                    id,
		RuntimeID:             id,
		Name:                  "test " + id,
		ConnectionState:       state,
		IntentionalDisconnect: intentional,
		ReconnectAttempts:     attempts,
	})
	if err != nil {
		t.Fatalf("seed instance: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestClassify(t *testing.T) {
	cases := []struct {
		intentional bool
		reason      string
		message     string
		want        Outcome
	}{
		{true, "connection_lost", "", OutcomeIgnore},
		{true, "logged_out", "", OutcomeIgnore},
		{false, "logged_out", "", OutcomeTerminal},
		{false, "stream error 401", "", OutcomeTerminal},
		{false, "conflict: session replaced", "", OutcomeManual},
		{false, "rate-overlimit", "", OutcomeManual},
		{false, "forced restart required", "", OutcomeManual},
		{false, "connection_lost", "", OutcomeReconnect},
		{false, "", "", OutcomeReconnect},
		// Markers buried in the message text must classify the same as
		// markers in the reason code.
		{false, "connection_closed", "Stream Errored (conflict)", OutcomeManual},
		{false, "connection_closed", "session replaced by new login", OutcomeManual},
		{false, "", "logged_out by user", OutcomeTerminal},
		{false, "connection_closed", "socket hang up", OutcomeReconnect},
	}
	for _, c := range cases {
		if got := Classify(c.intentional, c.reason, c.message); got != c.want {
			t.Errorf("Classify(%v, %q, %q) = %v, want %v", c.intentional, c.reason, c.message, got, c.want)
		}
	}
}

func TestDelay(t *testing.T) {
	r := NewReconnector(config.SupervisorConfig{
		ReconnectBaseDelay: 15 * time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		MaxAttempts:        3,
	}, nil, nil, NewRegistry(), stability.NewController(time.Second))

	want := []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second, 60 * time.Second}
	for attempts, w := range want {
		if got := r.Delay(attempts); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempts, got, w)
		}
	}
}

func TestDisconnectTriggersReconnect(t *testing.T) {
	rt := &fakeRuntime{}
	r, st := testReconnector(t, rt)
	seedInstance(t, st, "inst-1", domain.StateDisconnected, false, 0)

	r.OnDisconnect(context.Background(), "inst-1", "connection_lost", "")

	waitFor(t, func() bool { return len(rt.createdIDs()) == 1 })

	inst, err := st.Get(context.Background(), "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if inst.ConnectionState != domain.StateConnecting {
		t.Fatalf("state = %s, want connecting", inst.ConnectionState)
	}
	if inst.ReconnectAttempts != 1 {
		t.Fatalf("attempts = %d, want 1", inst.ReconnectAttempts)
	}
}

func TestAttemptCounterMovesWhenTimerArmed(t *testing.T) {
	rt := &fakeRuntime{}
	st := testStore(t)
	// Hour-long delays: the timer never fires, only the scheduling happens.
	r := NewReconnector(config.SupervisorConfig{
		ReconnectBaseDelay: time.Hour,
		ReconnectMaxDelay:  2 * time.Hour,
		MaxAttempts:        3,
	}, st, rt, NewRegistry(), stability.NewController(time.Second))
	seedInstance(t, st, "inst-1", domain.StateDisconnected, false, 0)

	r.OnDisconnect(context.Background(), "inst-1", "connection_lost", "")

	if !r.registry.Pending("inst-1") {
		t.Fatal("a reconnect timer should be armed")
	}
	// The persisted counter reflects the armed attempt for the whole
	// backoff window, not just after the timer fires.
	inst, err := st.Get(context.Background(), "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if inst.ReconnectAttempts != 1 {
		t.Fatalf("attempts = %d immediately after scheduling, want 1", inst.ReconnectAttempts)
	}
	if inst.ConnectionState != domain.StateDisconnected {
		t.Fatalf("state = %s, want disconnected until the timer fires", inst.ConnectionState)
	}
	if len(rt.createdIDs()) != 0 {
		t.Fatal("no runtime call should happen before the timer fires")
	}
}

func TestConflictInMessageNotRetried(t *testing.T) {
	rt := &fakeRuntime{}
	r, st := testReconnector(t, rt)
	seedInstance(t, st, "inst-1", domain.StateDisconnected, false, 0)

	r.OnDisconnect(context.Background(), "inst-1", "connection_closed", "Stream Errored (conflict)")

	time.Sleep(150 * time.Millisecond)
	if len(rt.createdIDs()) != 0 {
		t.Fatal("conflict in the error message must not reconnect")
	}
	inst, err := st.Get(context.Background(), "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if inst.ReconnectAttempts != 0 {
		t.Fatalf("attempts = %d, want 0", inst.ReconnectAttempts)
	}
}

func TestIntentionalDisconnectNotRetried(t *testing.T) {
	rt := &fakeRuntime{}
	r, st := testReconnector(t, rt)
	seedInstance(t, st, "inst-1", domain.StateDisconnected, true, 0)

	r.OnDisconnect(context.Background(), "inst-1", "connection_lost", "")

	time.Sleep(150 * time.Millisecond)
	if n := len(rt.createdIDs()); n != 0 {
		t.Fatalf("intentional disconnect should not reconnect, got %d attempts", n)
	}
}

func TestLoggedOutNotRetried(t *testing.T) {
	rt := &fakeRuntime{}
	r, st := testReconnector(t, rt)
	seedInstance(t, st, "inst-1", domain.StateDisconnected, false, 0)

	r.OnDisconnect(context.Background(), "inst-1", "logged_out", "")

	inst, err := st.Get(context.Background(), "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if inst.ConnectionState != domain.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", inst.ConnectionState)
	}
	if inst.ReconnectAttempts != 0 {
		t.Fatalf("attempts = %d, want 0", inst.ReconnectAttempts)
	}
	time.Sleep(150 * time.Millisecond)
	if len(rt.createdIDs()) != 0 {
		t.Fatal("logged out session must not reconnect")
	}
}

func TestAttemptBudgetExhausted(t *testing.T) {
	rt := &fakeRuntime{}
	r, st := testReconnector(t, rt)
	seedInstance(t, st, "inst-1", domain.StateDisconnected, false, 3)

	r.OnDisconnect(context.Background(), "inst-1", "connection_lost", "")

	time.Sleep(150 * time.Millisecond)
	if len(rt.createdIDs()) != 0 {
		t.Fatal("exhausted budget should stop reconnects")
	}
}

func TestStaleTimerSkipsWhenStateMovedOn(t *testing.T) {
	rt := &fakeRuntime{}
	r, st := testReconnector(t, rt)
	seedInstance(t, st, "inst-1", domain.StateDisconnected, false, 0)

	r.OnDisconnect(context.Background(), "inst-1", "connection_lost", "")
	// A webhook beats the timer: the instance is already back.
	if err := st.Update(context.Background(), "inst-1", map[string]interface{}{
		"connection_state": domain.StateConnected,
	}, -1); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)
	if len(rt.createdIDs()) != 0 {
		t.Fatal("timer must re-check state before acting")
	}
}

func TestMarkIntentionalDisarmsTimer(t *testing.T) {
	rt := &fakeRuntime{}
	r, st := testReconnector(t, rt)
	seedInstance(t, st, "inst-1", domain.StateDisconnected, false, 0)

	r.OnDisconnect(context.Background(), "inst-1", "connection_lost", "")
	if err := r.MarkIntentional(context.Background(), "inst-1"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)
	if len(rt.createdIDs()) != 0 {
		t.Fatal("MarkIntentional should disarm the pending reconnect")
	}
	inst, _ := st.Get(context.Background(), "inst-1")
	if !inst.IntentionalDisconnect {
		t.Fatal("intentional flag should be persisted")
	}
}
