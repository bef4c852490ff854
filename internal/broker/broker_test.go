package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/avaropoint/rendezvous/internal/msg"
	"github.com/avaropoint/rendezvous/internal/order"
	"github.com/avaropoint/rendezvous/internal/security"
	"github.com/avaropoint/rendezvous/internal/session"
	"github.com/avaropoint/rendezvous/internal/store"
	"github.com/avaropoint/rendezvous/internal/wire"
)

type fakeDeviceStore struct {
	mu        sync.Mutex
	next      int64
	cookies   map[int64]string
	updated   map[int64]time.Time
	exhausted bool
}

func newFakeDeviceStore(first int64) *fakeDeviceStore {
	return &fakeDeviceStore{
		next:    first,
		cookies: make(map[int64]string),
		updated: make(map[int64]time.Time),
	}
}

func (f *fakeDeviceStore) Allocate(_ context.Context) (int64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exhausted {
		return 0, "", store.ErrPoolExhausted
	}
	id := f.next
	f.next++
	cookie := fmt.Sprintf("cookie-%d", id)
	f.cookies[id] = cookie
	f.updated[id] = time.Now()
	return id, cookie, nil
}

func (f *fakeDeviceStore) Lookup(_ context.Context, deviceID int64) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cookie, ok := f.cookies[deviceID]
	if !ok {
		return "", time.Time{}, store.ErrNotFound
	}
	return cookie, f.updated[deviceID], nil
}

func (f *fakeDeviceStore) UpdateCookie(_ context.Context, deviceID int64, cookie string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cookies[deviceID]; !ok {
		return store.ErrNotFound
	}
	f.cookies[deviceID] = cookie
	f.updated[deviceID] = time.Now()
	return nil
}

func (f *fakeDeviceStore) age(deviceID int64, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated[deviceID] = time.Now().Add(-d)
}

type fakeSender struct {
	mu   sync.Mutex
	sent map[uint64][]*wire.Message
	down map[uint64]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[uint64][]*wire.Message), down: make(map[uint64]bool)}
}

func (f *fakeSender) Send(connID uint64, m *wire.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[connID] {
		return false
	}
	f.sent[connID] = append(f.sent[connID], m)
	return true
}

func (f *fakeSender) lastTo(t *testing.T, connID uint64) *wire.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.sent[connID]
	if len(msgs) == 0 {
		t.Fatalf("nothing sent to conn %d", connID)
	}
	return msgs[len(msgs)-1]
}

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
	return nil, nil
}

func (m *memoryHistory) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs), nil
}

// env holds both controllers wired back to back the way the daemon
// assembles them, with fake senders in place of the dispatchers.
type env struct {
	controlling     *Controlling
	controlled      *Controlled
	devices         *fakeDeviceStore
	orders          *order.Broker
	history         *memoryHistory
	toControlling   *fakeSender
	toControlled    *fakeSender
	controllingSess *session.Registry
	controlledSess  *session.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	plat, err := security.NewPlatform([]byte("test secret"))
	if err != nil {
		t.Fatalf("NewPlatform: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hist := &memoryHistory{}
	orders := order.NewBroker(order.Config{
		SignalingHost: "sig.example.com",
		SignalingPort: 8003,
		Relays:        []string{"relay.example.com:19000"},
		Reflexes:      []string{"reflex.example.com:19001"},
	}, plat, hist, log)

	e := &env{
		devices:         newFakeDeviceStore(1000),
		orders:          orders,
		history:         hist,
		toControlling:   newFakeSender(),
		toControlled:    newFakeSender(),
		controllingSess: session.NewRegistry(),
		controlledSess:  session.NewRegistry(),
	}
	e.controlling = NewControlling(e.controllingSess, e.controlledSess, e.toControlled, e.devices, orders, log)
	e.controlled = NewControlled(e.controlledSess, e.controllingSess, e.toControlling, e.devices, orders, log)
	return e
}

// loginControlling connects on the controlling side and performs the
// full first-contact handshake: the initial login is rejected with a
// fresh identity, the second login adopts it. Returns the issued
// device ID.
func (e *env) loginControlling(t *testing.T, connID uint64) int64 {
	t.Helper()
	e.controlling.onConnected(connID)
	resp := e.controlling.handleLoginDevice(connID, &msg.LoginDevice{})
	ack := resp.Body.(*msg.LoginDeviceAck)
	if ack.NewDeviceID == 0 {
		t.Fatal("no identity issued on first controlling login")
	}
	resp = e.controlling.handleLoginDevice(connID, &msg.LoginDevice{
		DeviceID: ack.NewDeviceID,
		Cookie:   ack.NewCookie,
	})
	if code := resp.Body.(*msg.LoginDeviceAck).ErrCode; code != msg.Success {
		t.Fatalf("login with issued identity err_code = %d", code)
	}
	return ack.NewDeviceID
}

func (e *env) loginControlled(t *testing.T, connID uint64, allowControl bool) int64 {
	t.Helper()
	deviceID, cookie, err := e.devices.Allocate(context.Background())
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	e.controlled.onConnected(connID)
	resp := e.controlled.handleLoginDevice(connID, &msg.LoginDevice{
		DeviceID:     deviceID,
		Cookie:       cookie,
		AllowControl: allowControl,
		OS:           "windows",
	})
	if code := resp.Body.(*msg.LoginDeviceAck).ErrCode; code != msg.Success {
		t.Fatalf("controlled login err_code = %d", code)
	}
	return deviceID
}

func TestAllocateDeviceID(t *testing.T) {
	e := newEnv(t)
	e.controlling.onConnected(1)

	resp := e.controlling.handleAllocateDeviceID(1, &msg.AllocateDeviceID{})
	ack := resp.Body.(*msg.AllocateDeviceIDAck)
	if ack.ErrCode != msg.Success || ack.DeviceID == 0 || ack.Cookie == "" {
		t.Fatalf("allocate ack = %+v", ack)
	}

	e.devices.exhausted = true
	resp = e.controlling.handleAllocateDeviceID(1, &msg.AllocateDeviceID{})
	if resp.Body.(*msg.AllocateDeviceIDAck).ErrCode != msg.AllocateDeviceIDNoAvailableID {
		t.Fatal("exhausted pool should report no available id")
	}
}

func TestControllingLoginReissuesIdentity(t *testing.T) {
	e := newEnv(t)
	e.controlling.onConnected(1)

	// Unknown device ID.
	resp := e.controlling.handleLoginDevice(1, &msg.LoginDevice{DeviceID: 9999, Cookie: "x"})
	ack := resp.Body.(*msg.LoginDeviceAck)
	if ack.ErrCode != msg.LoginDeviceInvalidID {
		t.Fatalf("err_code = %d, want invalid id", ack.ErrCode)
	}
	if ack.NewDeviceID == 0 || ack.NewCookie == "" {
		t.Fatal("no replacement identity issued")
	}

	// The rejection must not log the session in: the device adopts the
	// reissued identity and logs in again on the same connection.
	if sess, _ := e.controllingSess.SessionByConnID(1); sess.Status != session.StatusConnected {
		t.Fatalf("session status = %v after reissue, want Connected", sess.Status)
	}
	resp = e.controlling.handleLoginDevice(1, &msg.LoginDevice{
		DeviceID: ack.NewDeviceID,
		Cookie:   ack.NewCookie,
	})
	if code := resp.Body.(*msg.LoginDeviceAck).ErrCode; code != msg.Success {
		t.Fatalf("login with reissued identity err_code = %d, want success", code)
	}
	if sess, ok := e.controllingSess.SessionByConnID(1); !ok || sess.DeviceID != ack.NewDeviceID {
		t.Fatal("session not logged under adopted identity")
	}

	// Wrong cookie on a known ID.
	e.controlling.onConnected(2)
	resp = e.controlling.handleLoginDevice(2, &msg.LoginDevice{DeviceID: ack.NewDeviceID, Cookie: "wrong"})
	ack2 := resp.Body.(*msg.LoginDeviceAck)
	if ack2.ErrCode != msg.LoginDeviceInvalidCookie || ack2.NewDeviceID == 0 {
		t.Fatalf("wrong cookie ack = %+v", ack2)
	}
}

func TestControllingLoginEmptyCookieTolerated(t *testing.T) {
	e := newEnv(t)
	deviceID, cookie, _ := e.devices.Allocate(context.Background())
	e.controlling.onConnected(1)

	resp := e.controlling.handleLoginDevice(1, &msg.LoginDevice{DeviceID: deviceID})
	ack := resp.Body.(*msg.LoginDeviceAck)
	if ack.ErrCode != msg.Success {
		t.Fatalf("err_code = %d", ack.ErrCode)
	}
	if ack.NewCookie != cookie {
		t.Fatal("current cookie not re-sent to legacy client")
	}
}

func TestControllingLoginRotatesStaleCookie(t *testing.T) {
	e := newEnv(t)
	deviceID, cookie, _ := e.devices.Allocate(context.Background())
	e.devices.age(deviceID, 8*24*time.Hour)
	e.controlling.onConnected(1)

	resp := e.controlling.handleLoginDevice(1, &msg.LoginDevice{DeviceID: deviceID, Cookie: cookie})
	ack := resp.Body.(*msg.LoginDeviceAck)
	if ack.ErrCode != msg.Success {
		t.Fatalf("err_code = %d", ack.ErrCode)
	}
	if ack.NewCookie == "" || ack.NewCookie == cookie {
		t.Fatal("stale cookie not rotated")
	}
	stored, _, _ := e.devices.Lookup(context.Background(), deviceID)
	if stored != ack.NewCookie {
		t.Fatal("rotated cookie not persisted")
	}
}

func TestControlledLoginStrict(t *testing.T) {
	e := newEnv(t)
	deviceID, cookie, _ := e.devices.Allocate(context.Background())
	e.controlled.onConnected(1)

	cases := []struct {
		name string
		req  msg.LoginDevice
	}{
		{"unknown id", msg.LoginDevice{DeviceID: 9999, Cookie: cookie}},
		{"empty cookie", msg.LoginDevice{DeviceID: deviceID}},
		{"wrong cookie", msg.LoginDevice{DeviceID: deviceID, Cookie: "wrong"}},
	}
	for _, tc := range cases {
		resp := e.controlled.handleLoginDevice(1, &tc.req)
		ack := resp.Body.(*msg.LoginDeviceAck)
		if ack.ErrCode != msg.LoginDeviceInvalidID {
			t.Fatalf("%s: err_code = %d, want invalid id", tc.name, ack.ErrCode)
		}
		if ack.NewDeviceID != 0 {
			t.Fatalf("%s: replacement identity issued on strict side", tc.name)
		}
	}

	resp := e.controlled.handleLoginDevice(1, &msg.LoginDevice{DeviceID: deviceID, Cookie: cookie, AllowControl: true})
	if code := resp.Body.(*msg.LoginDeviceAck).ErrCode; code != msg.Success {
		t.Fatalf("valid login err_code = %d", code)
	}
}

func TestSecondLoginOnSameConnection(t *testing.T) {
	e := newEnv(t)
	deviceID := e.loginControlled(t, 1, true)

	cookie, _, _ := e.devices.Lookup(context.Background(), deviceID)
	resp := e.controlled.handleLoginDevice(1, &msg.LoginDevice{DeviceID: deviceID, Cookie: cookie})
	if code := resp.Body.(*msg.LoginDeviceAck).ErrCode; code != msg.LoginDeviceInvalidStatus {
		t.Fatalf("second login err_code = %d, want invalid status", code)
	}
}

func TestRendezvousFlow(t *testing.T) {
	e := newEnv(t)
	fromID := e.loginControlling(t, 1)
	toID := e.loginControlled(t, 2, true)

	resp := e.controlling.handleRequestConnection(1, &msg.RequestConnection{
		DeviceID:        toID,
		RequestID:       42,
		StreamingParams: []byte("params"),
	})
	if resp != nil {
		t.Fatalf("request connection answered immediately: %+v", resp)
	}

	pushed := e.toControlled.lastTo(t, 2)
	if pushed.Type != msg.TypeOpenConnection {
		t.Fatalf("pushed type = %d", pushed.Type)
	}
	open := pushed.Body.(*msg.OpenConnection)
	if open.ClientDeviceID != fromID || open.RoomID == "" || open.AuthToken == "" {
		t.Fatalf("open connection = %+v", open)
	}
	if string(open.StreamingParams) != "params" {
		t.Fatal("streaming params not forwarded")
	}

	if r := e.controlled.handleOpenConnectionAck(2, &msg.OpenConnectionAck{
		ErrCode:         msg.Success,
		StreamingParams: []byte("negotiated"),
	}); r != nil {
		t.Fatalf("open connection ack answered: %+v", r)
	}
	fwd := e.toControlling.lastTo(t, 1)
	if fwd.Type != msg.TypeRequestConnectionAck {
		t.Fatalf("forwarded type = %d", fwd.Type)
	}
	ack := fwd.Body.(*msg.RequestConnectionAck)
	if ack.ErrCode != msg.Success || ack.RequestID != 42 || ack.DeviceID != toID {
		t.Fatalf("forwarded ack = %+v", ack)
	}
	if ack.RoomID != open.RoomID || ack.AuthToken == "" || ack.ClientID == "" {
		t.Fatal("credentials missing from forwarded ack")
	}
	if string(ack.StreamingParams) != "negotiated" {
		t.Fatal("negotiated params not forwarded")
	}
	if e.orders.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d", e.orders.ActiveCount())
	}

	e.controlling.handleCloseConnection(1, &msg.CloseConnection{RoomID: ack.RoomID})
	if e.orders.ActiveCount() != 0 {
		t.Fatal("order still active after controlling close")
	}
	if n, _ := e.history.Count(context.Background()); n != 1 {
		t.Fatalf("history count = %d", n)
	}
}

func TestRequestConnectionFailures(t *testing.T) {
	e := newEnv(t)

	// Not logged in yet.
	e.controlling.onConnected(1)
	resp := e.controlling.handleRequestConnection(1, &msg.RequestConnection{DeviceID: 1, RequestID: 1})
	if resp.Body.(*msg.RequestConnectionAck).ErrCode != msg.RequestConnectionInvalidStatus {
		t.Fatal("unlogged requester should get invalid status")
	}

	e.loginControlling(t, 2)

	// Peer offline.
	resp = e.controlling.handleRequestConnection(2, &msg.RequestConnection{DeviceID: 9999, RequestID: 2})
	if resp.Body.(*msg.RequestConnectionAck).ErrCode != msg.RequestConnectionPeerNotOnline {
		t.Fatal("offline peer should be reported")
	}

	// Peer online but refusing control.
	refusingID := e.loginControlled(t, 3, false)
	resp = e.controlling.handleRequestConnection(2, &msg.RequestConnection{DeviceID: refusingID, RequestID: 3})
	if resp.Body.(*msg.RequestConnectionAck).ErrCode != msg.RequestConnectionPeerNotOnline {
		t.Fatal("refusing peer should be reported offline")
	}

	// Order conflict: second controlling device targets a busy peer.
	busyID := e.loginControlled(t, 4, true)
	if r := e.controlling.handleRequestConnection(2, &msg.RequestConnection{DeviceID: busyID, RequestID: 4}); r != nil {
		t.Fatalf("first order rejected: %+v", r)
	}
	e.loginControlling(t, 5)
	resp = e.controlling.handleRequestConnection(5, &msg.RequestConnection{DeviceID: busyID, RequestID: 5})
	if resp.Body.(*msg.RequestConnectionAck).ErrCode != msg.RequestConnectionCreateOrderFailed {
		t.Fatal("busy peer should fail order creation")
	}
}

func TestOpenConnectionAckFailureClosesOrder(t *testing.T) {
	e := newEnv(t)
	e.loginControlling(t, 1)
	toID := e.loginControlled(t, 2, true)

	e.controlling.handleRequestConnection(1, &msg.RequestConnection{DeviceID: toID, RequestID: 7})
	e.controlled.handleOpenConnectionAck(2, &msg.OpenConnectionAck{ErrCode: msg.RequestConnectionInvalidStatus})

	ack := e.toControlling.lastTo(t, 1).Body.(*msg.RequestConnectionAck)
	if ack.ErrCode != msg.RequestConnectionInvalidStatus || ack.RequestID != 7 {
		t.Fatalf("forwarded failure ack = %+v", ack)
	}
	if ack.AuthToken != "" || ack.RoomID != "" {
		t.Fatal("credentials leaked on failure ack")
	}
	if e.orders.ActiveCount() != 0 {
		t.Fatal("failed order still active")
	}
	rec := e.history.recs[len(e.history.recs)-1]
	if rec.FinishReason != order.ReasonControlledClose {
		t.Fatalf("finish reason = %q", rec.FinishReason)
	}
}

func TestDisconnectTearsDownOrder(t *testing.T) {
	e := newEnv(t)
	e.loginControlling(t, 1)
	toID := e.loginControlled(t, 2, true)
	e.controlling.handleRequestConnection(1, &msg.RequestConnection{DeviceID: toID, RequestID: 1})

	e.controlled.onClosed(2)
	if e.orders.ActiveCount() != 0 {
		t.Fatal("order survived controlled disconnect")
	}
	rec := e.history.recs[len(e.history.recs)-1]
	if rec.FinishReason != order.ReasonControlledLogout {
		t.Fatalf("finish reason = %q", rec.FinishReason)
	}
	if e.controlled.OnlineCount() != 0 {
		t.Fatalf("OnlineCount = %d", e.controlled.OnlineCount())
	}
}

func TestKeepAliveBothRoles(t *testing.T) {
	e := newEnv(t)
	if r := e.controlling.handleKeepAlive(1, &msg.KeepAlive{}); r == nil || r.Type != msg.TypeKeepAliveAck {
		t.Fatal("controlling keepalive not acknowledged")
	}
	if r := e.controlled.handleKeepAlive(1, &msg.KeepAlive{}); r == nil || r.Type != msg.TypeKeepAliveAck {
		t.Fatal("controlled keepalive not acknowledged")
	}
}
