package engine

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"teavpn2/internal/config"
	"teavpn2/internal/crypto"
	"teavpn2/internal/protocol"
	"teavpn2/internal/router"
	"teavpn2/internal/session"
)

// feedWire drives raw wire bytes through a codec and dispatches every
// resulting frame against idx, collecting every reply sent back and
// stopping early if the peer is disconnected mid-stream.
func feedWire(t *testing.T, e *Engine, pool *session.Pool, idx uint16, wire []byte) (replies [][]byte, disconnected bool) {
	t.Helper()
	slot := pool.Lookup(idx)
	n := copy(slot.Codec.Buffer(), wire)
	if n != len(wire) {
		t.Fatalf("wire (%d bytes) exceeds codec scratch buffer", len(wire))
	}
	slot.Codec.Advance(n)

	frames, err := slot.Codec.Feed(nil)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	for _, f := range frames {
		var sent []byte
		d, dispatchErr := e.DispatchFrame(idx, f, func(wire []byte) error {
			sent = append([]byte(nil), wire...)
			return nil
		})
		if sent != nil {
			replies = append(replies, sent)
		}
		if dispatchErr != nil && !d {
			t.Fatalf("DispatchFrame: unexpected error %v", dispatchErr)
		}
		if d {
			return replies, true
		}
	}
	return replies, false
}

func newScenarioEngine(t *testing.T, authOK bool) (*Engine, *session.Pool, uint16) {
	t.Helper()
	return newScenarioEngineWithFilter(t, authOK, crypto.NewNoop())
}

func newScenarioEngineWithFilter(t *testing.T, authOK bool, filter crypto.Filter) (*Engine, *session.Pool, uint16) {
	t.Helper()
	pool := session.NewPool(4, true)
	var tun bytes.Buffer
	rt := router.New(&tun, pool, nopLogger{}, filter)
	iface := protocol.IfaceConfig{Dev: "teavpn2-srv", IPv4: "10.8.8.1", Netmask: "255.255.255.0", MTU: 1480}
	auth := fakeAuth{iface: iface, ok: authOK}
	e := New(config.Default(), pool, rt, auth, filter, nopLogger{}, iface)

	idx, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	slot := pool.Lookup(idx)
	slot.State = protocol.StateNew
	slot.Codec = protocol.NewCodec()
	return e, pool, idx
}

// authFrame builds the wire bytes for scenario 2/3/4's CLI_AUTH frame:
// header 01 00 01 FE followed by the 510-byte credentials payload.
func authFrame(t *testing.T, user, pass string) []byte {
	t.Helper()
	creds := protocol.Credentials{Username: user, Password: pass}
	payload, err := creds.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	f := protocol.Frame{Type: protocol.TypeAuth, Payload: payload}
	wire, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary frame: %v", err)
	}
	return wire
}

// TestScenarioHappyPathHandshake mirrors the documented HELLO exchange:
// client sends 00 00 00 00, server replies BANNER, peer reaches
// ESTABLISHED.
func TestScenarioHappyPathHandshake(t *testing.T) {
	e, pool, idx := newScenarioEngine(t, true)
	hello := []byte{0x00, 0x00, 0x00, 0x00}

	replies, disconnected := feedWire(t, e, pool, idx, hello)
	if disconnected {
		t.Fatal("HELLO should not disconnect the peer")
	}
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	want := []byte{byte(protocol.TypeBanner), 0x00, 0x00, 0x09, 0x00, 0x00, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x01}
	if !bytes.Equal(replies[0], want) {
		t.Errorf("banner reply = % x, want % x", replies[0], want)
	}
	if pool.Lookup(idx).State != protocol.StateEstablished {
		t.Errorf("state = %v, want ESTABLISHED", pool.Lookup(idx).State)
	}
}

// TestScenarioAuthAccept mirrors scenario 2: accepted credentials yield
// AUTH_OK carrying the configured iface assignment and AUTHENTICATED.
func TestScenarioAuthAccept(t *testing.T) {
	e, pool, idx := newScenarioEngine(t, true)
	pool.Lookup(idx).State = protocol.StateEstablished

	replies, disconnected := feedWire(t, e, pool, idx, authFrame(t, "alice", "passw"))
	if disconnected {
		t.Fatal("accepted auth should not disconnect the peer")
	}
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	var f protocol.Frame
	if err := f.UnmarshalBinary(replies[0]); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if f.Type != protocol.TypeAuthOK {
		t.Fatalf("reply type = %s, want AUTH_OK", f.Type)
	}
	var iface protocol.IfaceConfig
	if err := iface.UnmarshalBinary(f.Payload); err != nil {
		t.Fatalf("UnmarshalBinary(iface): %v", err)
	}
	if iface.Dev != "teavpn2-srv" || iface.IPv4 != "10.8.8.1" || iface.Netmask != "255.255.255.0" || iface.MTU != 1480 {
		t.Errorf("iface = %+v", iface)
	}
	if pool.Lookup(idx).State != protocol.StateAuthenticated {
		t.Errorf("state = %v, want AUTHENTICATED", pool.Lookup(idx).State)
	}
}

// TestScenarioAuthReject mirrors scenario 3: rejected credentials yield
// AUTH_REJECT with an empty payload and the slot returns to the pool.
func TestScenarioAuthReject(t *testing.T) {
	e, pool, idx := newScenarioEngine(t, false)
	pool.Lookup(idx).State = protocol.StateEstablished

	replies, disconnected := feedWire(t, e, pool, idx, authFrame(t, "eve", "wrong"))
	if !disconnected {
		t.Fatal("rejected auth should disconnect the peer")
	}
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	want := []byte{byte(protocol.TypeAuthReject), 0x00, 0x00, 0x00}
	if !bytes.Equal(replies[0], want) {
		t.Errorf("reject reply = % x, want % x", replies[0], want)
	}
	if pool.Lookup(idx).InUse {
		t.Error("slot still in use after auth reject")
	}
}

// TestScenarioCoalescedFrames mirrors scenario 4: one recv() surfaces an
// AUTH frame immediately followed by a DATA frame in the same buffer;
// AUTH must apply before DATA is evaluated against the new state.
func TestScenarioCoalescedFrames(t *testing.T) {
	e, pool, idx := newScenarioEngine(t, true)
	pool.Lookup(idx).State = protocol.StateEstablished

	dataFrame := protocol.Frame{Type: protocol.TypeData, Payload: []byte("hi")}
	dataWire, err := dataFrame.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	wire := append(authFrame(t, "alice", "passw"), dataWire...)
	_, disconnected := feedWire(t, e, pool, idx, wire)
	if disconnected {
		t.Fatal("coalesced auth+data should not disconnect the peer")
	}
	if pool.Lookup(idx).State != protocol.StateAuthenticated {
		t.Errorf("state = %v, want AUTHENTICATED", pool.Lookup(idx).State)
	}
	if pool.Lookup(idx).RecvCount != 1 {
		t.Errorf("RecvCount = %d, want 1 (DATA frame counted after AUTH applied)", pool.Lookup(idx).RecvCount)
	}
}

// TestScenarioOverLengthDisconnects mirrors scenario 5: an over-length
// frame header is rejected by the codec before it ever reaches dispatch,
// and the caller is expected to disconnect on that signal.
func TestScenarioOverLengthDisconnects(t *testing.T) {
	e, pool, idx := newScenarioEngine(t, true)
	pool.Lookup(idx).State = protocol.StateAuthenticated

	slot := pool.Lookup(idx)
	wire := []byte{0x04, 0x00, 0x10, 0x01} // DATA, length 4097
	n := copy(slot.Codec.Buffer(), wire)
	slot.Codec.Advance(n)

	_, feedErr := slot.Codec.Feed(nil)
	if !errors.Is(feedErr, protocol.ErrOverLength) {
		t.Fatalf("Feed err = %v, want ErrOverLength", feedErr)
	}
	if err := e.DisconnectPeer(idx); err != nil {
		t.Fatalf("DisconnectPeer: %v", err)
	}
	if pool.Lookup(idx).InUse {
		t.Error("slot still in use after over-length disconnect")
	}
}

// TestScenarioAEADFilterSealsAndOpensWire proves the crypto filter is on
// the live dispatch path, not just unit-tested in isolation: an AUTH
// frame sealed by the filter is opened and accepted, and the AUTH_OK
// reply travels sealed (distinct from the plaintext iface encoding)
// until the same filter opens it back up.
func TestScenarioAEADFilterSealsAndOpensWire(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	filter, err := crypto.NewAEAD(key)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}

	e, pool, idx := newScenarioEngineWithFilter(t, true, filter)
	pool.Lookup(idx).State = protocol.StateEstablished

	creds := protocol.Credentials{Username: "alice", Password: "passw"}
	plainPayload, err := creds.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	sealedPayload, err := filter.Seal(plainPayload)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealedFrame := protocol.Frame{Type: protocol.TypeAuth, Payload: sealedPayload}
	authWire, err := sealedFrame.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary frame: %v", err)
	}

	replies, disconnected := feedWire(t, e, pool, idx, authWire)
	if disconnected {
		t.Fatal("sealed auth should not disconnect the peer")
	}
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}

	var reply protocol.Frame
	if err := reply.UnmarshalBinary(replies[0]); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if reply.Type != protocol.TypeAuthOK {
		t.Fatalf("reply type = %s, want AUTH_OK", reply.Type)
	}

	wantIface := protocol.IfaceConfig{Dev: "teavpn2-srv", IPv4: "10.8.8.1", Netmask: "255.255.255.0", MTU: 1480}
	plainIface, err := wantIface.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary(iface): %v", err)
	}
	if bytes.Equal(reply.Payload, plainIface) {
		t.Fatal("AUTH_OK payload travelled as plaintext, filter was not applied")
	}

	opened, err := filter.Open(reply.Payload)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var gotIface protocol.IfaceConfig
	if err := gotIface.UnmarshalBinary(opened); err != nil {
		t.Fatalf("UnmarshalBinary(opened): %v", err)
	}
	if gotIface != wantIface {
		t.Errorf("iface = %+v, want %+v", gotIface, wantIface)
	}
}

// TestScenarioErrorBudgetDisconnects mirrors scenario 6: ten consecutive
// transient faults disconnect the peer on the tenth.
func TestScenarioErrorBudgetDisconnects(t *testing.T) {
	e, pool, idx := newScenarioEngine(t, true)
	pool.Lookup(idx).State = protocol.StateAuthenticated

	var disconnected bool
	for i := 0; i < protocol.MaxErrCount; i++ {
		var err error
		disconnected, err = e.Fault(idx)
		if err != nil {
			t.Fatalf("Fault: %v", err)
		}
		if disconnected && i != protocol.MaxErrCount-1 {
			t.Fatalf("disconnected early at fault %d", i+1)
		}
	}
	if !disconnected {
		t.Fatal("expected disconnect on the 10th consecutive fault")
	}
	if pool.Lookup(idx).InUse {
		t.Error("slot still in use after error budget exceeded")
	}
}
