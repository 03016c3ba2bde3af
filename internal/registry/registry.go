// Package registry is the concurrent, heartbeat-driven directory of
// connected extension devices.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neboloop/cdp-relay/internal/telemetry"
	"github.com/neboloop/cdp-relay/internal/transport"
)

// HeartbeatTimeout is the duration after which a device with no observed
// activity is considered dead.
const HeartbeatTimeout = 30 * time.Second

// SweepInterval is how often the background sweeper scans for dead records.
const SweepInterval = 10 * time.Second

// DeviceInfo is device-supplied metadata recorded at registration time.
type DeviceInfo struct {
	Name      string
	Version   string
	UserAgent string
}

// Target is the single attached-tab context a device currently exposes.
type Target struct {
	TargetID   string
	SessionID  string
	TargetInfo map[string]any
}

// Device is one registry record: a deviceId paired with its live transport.
type Device struct {
	ID           string
	Info         DeviceInfo
	RegisteredAt time.Time

	mu       sync.RWMutex
	tr       transport.Transport
	lastSeen time.Time
	target   *Target
}

// Transport returns the device's current transport.
func (d *Device) Transport() transport.Transport {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tr
}

// Target returns the device's attached target, or nil if none reported yet.
func (d *Device) Target() *Target {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.target
}

// SetTarget updates the device's attached target.
func (d *Device) SetTarget(t *Target) {
	d.mu.Lock()
	d.target = t
	d.mu.Unlock()
}

func (d *Device) touch() {
	d.mu.Lock()
	d.lastSeen = time.Now()
	d.mu.Unlock()
}

func (d *Device) idleFor() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return time.Since(d.lastSeen)
}

// Stats is a snapshot of registry-wide counters.
type Stats struct {
	Total        int
	Open         int
	WithTarget   int
}

// Registry is the single owner of all device records. Every mutation goes
// through this struct's mutex; callers never iterate the internal map
// directly (Design notes: shared map mutated from multiple async handlers
// -> single-owner discipline).
type Registry struct {
	log     *zap.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	devices map[string]*Device

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Registry and starts its background sweeper. metrics may be nil.
func New(log *zap.Logger, metrics *telemetry.Metrics) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		log:     log.With(zap.String("component", "registry")),
		metrics: metrics,
		devices: make(map[string]*Device),
		stopCh:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

func (r *Registry) updateGauge() {
	if r.metrics == nil {
		return
	}
	r.mu.Lock()
	n := len(r.devices)
	r.mu.Unlock()
	r.metrics.DevicesActive.Set(float64(n))
}

// Register upserts a device record. If a prior record exists with a
// different transport, the prior transport is closed (reason "New
// connection established") and its handlers detached before the new
// record is published, per the spec's reconnect-race invariant.
func (r *Registry) Register(deviceID string, info DeviceInfo, tr transport.Transport) *Device {
	r.mu.Lock()
	prior, existed := r.devices[deviceID]
	r.mu.Unlock()

	if existed && prior.Transport() != tr {
		prior.Transport().OnClose(func() {})
		prior.Transport().OnMessage(func([]byte) {})
		_ = prior.Transport().Close(4000, "New connection established")
	}

	device := &Device{
		ID:           deviceID,
		Info:         info,
		RegisteredAt: time.Now(),
		tr:           tr,
		lastSeen:     time.Now(),
	}

	r.mu.Lock()
	r.devices[deviceID] = device
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.DevicesRegistered.Inc()
	}
	r.updateGauge()

	r.log.Info("device registered", zap.String("device_id", deviceID), zap.String("name", info.Name))
	return device
}

// Unregister removes deviceId's record only if witness equals the record's
// current transport (or witness is nil, meaning "unconditional"). This is
// the ABA guard against stale-close races colliding with a fresh register.
func (r *Registry) Unregister(deviceID string, witness transport.Transport) bool {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if witness != nil && d.Transport() != witness {
		r.mu.Unlock()
		return false
	}
	delete(r.devices, deviceID)
	r.mu.Unlock()

	r.updateGauge()
	r.log.Info("device unregistered", zap.String("device_id", deviceID))
	return true
}

// Get returns the device record and refreshes its lastSeen timestamp.
func (r *Registry) Get(deviceID string) (*Device, bool) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	r.mu.Unlock()
	if ok {
		d.touch()
	}
	return d, ok
}

// GetTransport returns the device's transport iff it is open; otherwise it
// triggers an unregister (witnessed) and returns false.
func (r *Registry) GetTransport(deviceID string) (transport.Transport, bool) {
	d, ok := r.Get(deviceID)
	if !ok {
		return nil, false
	}
	tr := d.Transport()
	if tr.State() != transport.StateOpen {
		r.Unregister(deviceID, tr)
		return nil, false
	}
	return tr, true
}

// Heartbeat bumps lastSeen for deviceID. Idempotent; no-op for unknown ids.
func (r *Registry) Heartbeat(deviceID string) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	r.mu.Unlock()
	if ok {
		d.touch()
	}
}

// Stats returns registry-wide counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Total: len(r.devices)}
	for _, d := range r.devices {
		if d.Transport().State() == transport.StateOpen {
			s.Open++
		}
		if d.Target() != nil {
			s.WithTarget++
		}
	}
	return s
}

// Shutdown stops the sweeper and closes every transport with reason "Server
// shutdown", then empties the registry.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.Lock()
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.devices = make(map[string]*Device)
	r.mu.Unlock()

	for _, d := range devices {
		_ = d.Transport().Close(1001, "Server shutdown")
	}
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	r.mu.Lock()
	var dead []string
	for id, d := range r.devices {
		if d.Transport().State() != transport.StateOpen || d.idleFor() > HeartbeatTimeout {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(r.devices, id)
	}
	r.mu.Unlock()

	if len(dead) > 0 {
		r.updateGauge()
	}
	for _, id := range dead {
		r.log.Info("device swept (dead or timed out)", zap.String("device_id", id))
	}
}
