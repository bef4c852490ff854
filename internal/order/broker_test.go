package order

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/avaropoint/rendezvous/internal/security"
	"github.com/avaropoint/rendezvous/internal/store"
)

type memoryHistory struct {
	mu   sync.Mutex
	recs []*store.OrderRecord
}

func (m *memoryHistory) Record(_ context.Context, rec *store.OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memoryHistory) Query(_ context.Context, offset, limit int) ([]*store.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset >= len(m.recs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.recs) {
		end = len(m.recs)
	}
	return m.recs[offset:end], nil
}

func (m *memoryHistory) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs), nil
}

func (m *memoryHistory) last(t *testing.T) *store.OrderRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recs) == 0 {
		t.Fatal("no order recorded")
	}
	return m.recs[len(m.recs)-1]
}

func newTestBroker(t *testing.T) (*Broker, *memoryHistory) {
	t.Helper()
	plat, err := security.NewPlatform([]byte("test secret"))
	if err != nil {
		t.Fatalf("NewPlatform: %v", err)
	}
	hist := &memoryHistory{}
	cfg := Config{
		SignalingHost: "sig.example.com",
		SignalingPort: 8003,
		Relays:        []string{"relay1.example.com:19000", "relay2.example.com:19000"},
		Reflexes:      []string{"reflex1.example.com:19001", "reflex2.example.com:19001"},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBroker(cfg, plat, hist, log), hist
}

func TestNewOrderCredentials(t *testing.T) {
	b, _ := newTestBroker(t)
	o, err := b.NewOrder(100, 200, 7)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if o.RoomID == "" || o.ServiceID == "" || o.ClientID == "" {
		t.Fatal("missing uuid credential")
	}
	if o.RoomID == o.ServiceID || o.RoomID == o.ClientID {
		t.Fatal("credentials must be distinct")
	}
	if len(o.P2PUsername) != 6 || len(o.P2PPassword) != 20 {
		t.Fatalf("p2p credential lengths = %d/%d", len(o.P2PUsername), len(o.P2PPassword))
	}
	if o.SignalingHost != "sig.example.com" || o.SignalingPort != 8003 {
		t.Fatalf("signaling endpoint = %s:%d", o.SignalingHost, o.SignalingPort)
	}
	if o.RelayServer != "relay1.example.com:19000" {
		t.Fatalf("relay = %q, want first configured relay", o.RelayServer)
	}
	if len(o.ReflexServers) != 2 {
		t.Fatalf("reflex count = %d", len(o.ReflexServers))
	}
	if o.AuthToken == "" {
		t.Fatal("missing auth token")
	}
	if b.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d", b.ActiveCount())
	}
}

func TestOrderOwnsReflexServers(t *testing.T) {
	plat, err := security.NewPlatform([]byte("test secret"))
	if err != nil {
		t.Fatalf("NewPlatform: %v", err)
	}
	cfg := Config{
		SignalingHost: "sig.example.com",
		SignalingPort: 8003,
		Reflexes:      []string{"reflex1.example.com:19001", "reflex2.example.com:19001"},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := NewBroker(cfg, plat, &memoryHistory{}, log)

	o, err := b.NewOrder(100, 200, 1)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	cfg.Reflexes[0] = "clobbered"
	if o.ReflexServers[0] != "reflex1.example.com:19001" {
		t.Fatal("order shares the config-owned reflex slice")
	}
}

func TestOneActiveOrderPerSide(t *testing.T) {
	b, _ := newTestBroker(t)
	if _, err := b.NewOrder(100, 200, 1); err != nil {
		t.Fatalf("first order: %v", err)
	}
	if _, err := b.NewOrder(100, 201, 2); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("busy controlling side: err = %v", err)
	}
	if _, err := b.NewOrder(101, 200, 3); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("busy controlled side: err = %v", err)
	}
	if _, err := b.NewOrder(101, 201, 4); err != nil {
		t.Fatalf("unrelated pair: %v", err)
	}
	if b.ActiveCount() != 2 {
		t.Fatalf("ActiveCount = %d", b.ActiveCount())
	}
}

func TestCloseSideMismatch(t *testing.T) {
	b, hist := newTestBroker(t)
	ctx := context.Background()
	o, _ := b.NewOrder(100, 200, 1)

	if b.CloseFromControlled(ctx, o.RoomID, 100) {
		t.Fatal("controlling id accepted on controlled close")
	}
	if b.CloseFromControlling(ctx, o.RoomID, 200) {
		t.Fatal("controlled id accepted on controlling close")
	}
	if b.ActiveCount() != 1 {
		t.Fatal("mismatched close removed the order")
	}

	if !b.CloseFromControlled(ctx, o.RoomID, 200) {
		t.Fatal("matching controlled close failed")
	}
	if b.ActiveCount() != 0 {
		t.Fatal("order still active after close")
	}
	if got := hist.last(t).FinishReason; got != ReasonControlledClose {
		t.Fatalf("finish reason = %q", got)
	}
	if b.CloseFromControlled(ctx, o.RoomID, 200) {
		t.Fatal("second close reported success")
	}
}

func TestLogoutTeardown(t *testing.T) {
	b, hist := newTestBroker(t)
	ctx := context.Background()

	b.NewOrder(100, 200, 1)
	if !b.ControlledDeviceLogout(ctx, 200) {
		t.Fatal("controlled logout missed active order")
	}
	if got := hist.last(t).FinishReason; got != ReasonControlledLogout {
		t.Fatalf("finish reason = %q", got)
	}
	if b.ControlledDeviceLogout(ctx, 200) {
		t.Fatal("logout without order reported success")
	}

	b.NewOrder(100, 200, 2)
	if !b.ControllingDeviceLogout(ctx, 100) {
		t.Fatal("controlling logout missed active order")
	}
	if got := hist.last(t).FinishReason; got != ReasonControllingLogout {
		t.Fatalf("finish reason = %q", got)
	}
	if b.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d", b.ActiveCount())
	}
}

func TestOrderByControlledDevice(t *testing.T) {
	b, _ := newTestBroker(t)
	o, _ := b.NewOrder(100, 200, 1)
	got, ok := b.OrderByControlledDevice(200)
	if !ok || got.RoomID != o.RoomID {
		t.Fatal("lookup by controlled device failed")
	}
	if _, ok := b.OrderByControlledDevice(201); ok {
		t.Fatal("lookup hit for device without order")
	}
}

func TestConcurrentNewOrderSingleWinner(t *testing.T) {
	b, _ := newTestBroker(t)
	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(from int64) {
			defer wg.Done()
			if _, err := b.NewOrder(from, 200, 1); err == nil {
				wins <- struct{}{}
			}
		}(int64(1000 + i))
	}
	wg.Wait()
	close(wins)
	n := 0
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("winners = %d, want 1", n)
	}
}
