package engine

import (
	"bytes"
	"errors"
	"testing"

	"teavpn2/internal/config"
	"teavpn2/internal/credentials"
	"teavpn2/internal/crypto"
	"teavpn2/internal/protocol"
	"teavpn2/internal/router"
	"teavpn2/internal/session"
)

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Printf(string, ...any) {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

type fakeAuth struct {
	iface protocol.IfaceConfig
	ok    bool
}

func (f fakeAuth) Authenticate(user, pass string) (protocol.IfaceConfig, error) {
	if !f.ok {
		return protocol.IfaceConfig{}, credentials.ErrNotFound
	}
	return f.iface, nil
}

func newEngine(t *testing.T, authOK bool) (*Engine, *session.Pool) {
	t.Helper()
	pool := session.NewPool(4, true)
	var tun bytes.Buffer
	rt := router.New(&tun, pool, nopLogger{}, crypto.NewNoop())
	iface := protocol.IfaceConfig{Dev: "teavpn2-srv", IPv4: "10.8.8.1", Netmask: "255.255.255.0", MTU: 1480}
	auth := fakeAuth{iface: iface, ok: authOK}
	e := New(config.Default(), pool, rt, auth, crypto.NewNoop(), nopLogger{}, iface)
	return e, pool
}

func acquireNew(t *testing.T, e *Engine, pool *session.Pool) uint16 {
	t.Helper()
	idx, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	slot := pool.Lookup(idx)
	slot.State = protocol.StateNew
	slot.Codec = protocol.NewCodec()
	return idx
}

func TestDispatchHelloTransitionsToEstablished(t *testing.T) {
	e, pool := newEngine(t, true)
	idx := acquireNew(t, e, pool)

	var sent []byte
	disconnected, err := e.DispatchFrame(idx, protocol.Frame{Type: protocol.TypeHello}, func(wire []byte) error {
		sent = wire
		return nil
	})
	if err != nil {
		t.Fatalf("DispatchFrame: %v", err)
	}
	if disconnected {
		t.Fatal("HELLO should not disconnect the peer")
	}
	if pool.Lookup(idx).State != protocol.StateEstablished {
		t.Errorf("state = %v, want ESTABLISHED", pool.Lookup(idx).State)
	}
	var f protocol.Frame
	if err := f.UnmarshalBinary(sent); err != nil {
		t.Fatalf("UnmarshalBinary(sent): %v", err)
	}
	if f.Type != protocol.TypeBanner || len(f.Payload) != 9 {
		t.Errorf("reply = %+v, want BANNER with 9-byte payload", f)
	}
}

func TestDispatchAuthAcceptTransitionsToAuthenticated(t *testing.T) {
	e, pool := newEngine(t, true)
	idx := acquireNew(t, e, pool)
	pool.Lookup(idx).State = protocol.StateEstablished

	creds := protocol.Credentials{Username: "alice", Password: "passw"}
	payload, err := creds.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var sent []byte
	disconnected, err := e.DispatchFrame(idx, protocol.Frame{Type: protocol.TypeAuth, Payload: payload}, func(wire []byte) error {
		sent = wire
		return nil
	})
	if err != nil {
		t.Fatalf("DispatchFrame: %v", err)
	}
	if disconnected {
		t.Fatal("accepted auth should not disconnect the peer")
	}
	if pool.Lookup(idx).State != protocol.StateAuthenticated {
		t.Errorf("state = %v, want AUTHENTICATED", pool.Lookup(idx).State)
	}
	if pool.Lookup(idx).Username != "alice" {
		t.Errorf("username = %q, want alice", pool.Lookup(idx).Username)
	}
	var f protocol.Frame
	if err := f.UnmarshalBinary(sent); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if f.Type != protocol.TypeAuthOK {
		t.Errorf("reply type = %s, want AUTH_OK", f.Type)
	}
	var iface protocol.IfaceConfig
	if err := iface.UnmarshalBinary(f.Payload); err != nil {
		t.Fatalf("UnmarshalBinary(iface): %v", err)
	}
	if iface.Dev != "teavpn2-srv" || iface.IPv4 != "10.8.8.1" {
		t.Errorf("iface = %+v", iface)
	}
}

func TestDispatchAuthRejectDisconnects(t *testing.T) {
	e, pool := newEngine(t, false)
	idx := acquireNew(t, e, pool)
	pool.Lookup(idx).State = protocol.StateEstablished

	creds := protocol.Credentials{Username: "eve", Password: "wrong"}
	payload, _ := creds.MarshalBinary()

	var sent []byte
	disconnected, err := e.DispatchFrame(idx, protocol.Frame{Type: protocol.TypeAuth, Payload: payload}, func(wire []byte) error {
		sent = wire
		return nil
	})
	if err != nil {
		t.Fatalf("DispatchFrame: %v", err)
	}
	if !disconnected {
		t.Fatal("rejected auth should disconnect the peer")
	}
	var f protocol.Frame
	if err := f.UnmarshalBinary(sent); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if f.Type != protocol.TypeAuthReject || len(f.Payload) != 0 {
		t.Errorf("reply = %+v, want AUTH_REJECT with empty payload", f)
	}
	if pool.Lookup(idx).InUse {
		t.Error("slot still in use after auth reject, want released")
	}
}

func TestDispatchDataWritesToTun(t *testing.T) {
	var tun bytes.Buffer
	pool := session.NewPool(2, true)
	rt := router.New(&tun, pool, nopLogger{}, crypto.NewNoop())
	iface := protocol.IfaceConfig{}
	e := New(config.Default(), pool, rt, fakeAuth{ok: true}, crypto.NewNoop(), nopLogger{}, iface)
	idx := acquireNew(t, e, pool)
	pool.Lookup(idx).State = protocol.StateAuthenticated

	disconnected, err := e.DispatchFrame(idx, protocol.Frame{Type: protocol.TypeData, Payload: []byte("ip-packet")}, func([]byte) error {
		t.Fatal("DATA frame should not produce a reply")
		return nil
	})
	if err != nil {
		t.Fatalf("DispatchFrame: %v", err)
	}
	if disconnected {
		t.Fatal("DATA frame should not disconnect the peer")
	}
	if tun.String() != "ip-packet" {
		t.Errorf("tun content = %q, want %q", tun.String(), "ip-packet")
	}
}

func TestDispatchIllegalTransitionDisconnects(t *testing.T) {
	e, pool := newEngine(t, true)
	idx := acquireNew(t, e, pool)
	// NEW state, anything but HELLO is a protocol violation.
	disconnected, err := e.DispatchFrame(idx, protocol.Frame{Type: protocol.TypeData}, func([]byte) error { return nil })
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("err = %v, want ErrProtocolViolation", err)
	}
	if !disconnected {
		t.Fatal("protocol violation should disconnect the peer")
	}
	if pool.Lookup(idx).InUse {
		t.Error("slot still in use after protocol violation")
	}
}

func TestErrorBudgetDisconnectsAtThreshold(t *testing.T) {
	e, pool := newEngine(t, true)
	idx := acquireNew(t, e, pool)
	var disconnected bool
	for i := 0; i < protocol.MaxErrCount; i++ {
		var err error
		disconnected, err = e.Fault(idx)
		if err != nil {
			t.Fatalf("Fault: %v", err)
		}
	}
	if !disconnected {
		t.Fatal("expected disconnect at error budget threshold")
	}
	if pool.Lookup(idx).InUse {
		t.Error("slot still in use after error budget exceeded")
	}
}

func TestNextThreadRoundRobin(t *testing.T) {
	e, _ := newEngine(t, true)
	const n = 3
	seen := map[uint32]int{}
	for i := 0; i < n*2; i++ {
		seen[e.NextThread(n)]++
	}
	for i := uint32(0); i < n; i++ {
		if seen[i] != 2 {
			t.Errorf("thread %d assigned %d times, want 2", i, seen[i])
		}
	}
}

func TestStopFlag(t *testing.T) {
	e, _ := newEngine(t, true)
	if e.Stopped() {
		t.Fatal("new engine should not be stopped")
	}
	e.Stop()
	if !e.Stopped() {
		t.Fatal("expected Stopped() == true after Stop()")
	}
}
