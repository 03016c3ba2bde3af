package registry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/cdp-relay/internal/telemetry"
	"github.com/neboloop/cdp-relay/internal/transport"
)

// fakeTransport is a minimal in-memory Transport for registry/relay tests.
type fakeTransport struct {
	state    transport.State
	sent     []any
	onClose  func()
	closedAs struct {
		code   int
		reason string
	}
}

func newFakeTransport() *fakeTransport { return &fakeTransport{state: transport.StateOpen} }

func (f *fakeTransport) Send(v any) error {
	if f.state == transport.StateClosed {
		return transport.ErrClosed
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.state = transport.StateClosed
	f.closedAs.code = code
	f.closedAs.reason = reason
	if f.onClose != nil {
		f.onClose()
	}
	return nil
}

func (f *fakeTransport) OnMessage(func([]byte)) {}
func (f *fakeTransport) OnClose(fn func())      { f.onClose = fn }
func (f *fakeTransport) State() transport.State { return f.state }
func (f *fakeTransport) Run()                   {}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(nil, telemetry.New(prometheus.NewRegistry()))
	t.Cleanup(r.Shutdown)
	return r
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t)
	tr := newFakeTransport()

	d := r.Register("dev-A", DeviceInfo{Name: "Chromium", Version: "120"}, tr)
	require.Equal(t, "dev-A", d.ID)

	got, ok := r.Get("dev-A")
	require.True(t, ok)
	require.Equal(t, d, got)
}

func TestRegisterAtMostOneRecordPerDevice(t *testing.T) {
	r := newTestRegistry(t)
	tr1 := newFakeTransport()
	tr2 := newFakeTransport()

	r.Register("dev-B", DeviceInfo{Name: "E1"}, tr1)
	r.Register("dev-B", DeviceInfo{Name: "E2"}, tr2)

	require.Equal(t, Stats{Total: 1, Open: 1}, r.Stats())
	require.Equal(t, transport.StateClosed, tr1.State())
	require.Equal(t, "New connection established", tr1.closedAs.reason)

	cur, ok := r.GetTransport("dev-B")
	require.True(t, ok)
	require.Equal(t, transport.Transport(tr2), cur)
}

func TestReRegisterSameTransportIsNoop(t *testing.T) {
	r := newTestRegistry(t)
	tr := newFakeTransport()

	r.Register("dev-C", DeviceInfo{}, tr)
	r.Register("dev-C", DeviceInfo{}, tr)

	require.Equal(t, transport.StateOpen, tr.State(), "re-registering the same transport must not close it")
}

func TestUnregisterWitnessGuard(t *testing.T) {
	r := newTestRegistry(t)
	tr := newFakeTransport()
	r.Register("dev-D", DeviceInfo{}, tr)

	stale := newFakeTransport()
	require.False(t, r.Unregister("dev-D", stale), "unregister with a stale witness must be a no-op")

	_, ok := r.Get("dev-D")
	require.True(t, ok)

	require.True(t, r.Unregister("dev-D", tr))
	require.False(t, r.Unregister("dev-D", tr), "second unregister with the same witness is a no-op")
}

func TestHeartbeatIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	tr := newFakeTransport()
	r.Register("dev-E", DeviceInfo{}, tr)

	r.Heartbeat("dev-E")
	r.Heartbeat("dev-E")
	r.Heartbeat("unknown-device") // must not panic

	d, ok := r.Get("dev-E")
	require.True(t, ok)
	require.WithinDuration(t, time.Now(), d.lastSeen, time.Second)
}

func TestSweepEvictsTimedOutDevice(t *testing.T) {
	r := newTestRegistry(t)
	tr := newFakeTransport()
	d := r.Register("dev-F", DeviceInfo{}, tr)
	d.lastSeen = time.Now().Add(-HeartbeatTimeout - time.Second)

	r.sweep()

	_, ok := r.Get("dev-F")
	require.False(t, ok)
}
