// Package relay implements the CDP Relay Bridge: a bidirectional,
// session-aware router that pairs CDP clients with registered extension
// devices, rewrites session ids between the client's whole-browser view
// and the device's single-tab view, and synthesizes a narrow set of
// browser-level replies.
package relay

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neboloop/cdp-relay/internal/registry"
	"github.com/neboloop/cdp-relay/internal/telemetry"
	"github.com/neboloop/cdp-relay/internal/transport"
)

// MessageTimeout is how long a forwarded request waits for the extension's
// response before the waiting client sees a synthetic timeout error.
const MessageTimeout = 30 * time.Second

type clientPhase int

const (
	phaseAwaitingTarget clientPhase = iota
	phaseBound
	phaseClosed
)

// client is one CDP-client connection pinned to a device for its lifetime.
type client struct {
	id       string
	deviceID string
	tr       transport.Transport

	mu              sync.Mutex
	phase           clientPhase
	autoAttachArmed bool
	browserSession  string
}

type pendingRequest struct {
	clientID    string
	originalID  int
	clientSess  string
	timer       *time.Timer
}

// deviceSession holds the relay's per-device working state: clients bound
// to it and in-flight requests awaiting the extension's response. Owned
// exclusively by the device's goroutine-free critical section (mu).
type deviceSession struct {
	mu      sync.Mutex
	nextID  int
	pending map[int]*pendingRequest
	clients map[string]*client
}

func newDeviceSession() *deviceSession {
	return &deviceSession{
		nextID:  1,
		pending: make(map[int]*pendingRequest),
		clients: make(map[string]*client),
	}
}

// Bridge is the relay bridge. One Bridge serves every device in a Registry.
type Bridge struct {
	reg     *registry.Registry
	log     *zap.Logger
	audit   *auditLogger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	sessions map[string]*deviceSession
	clients  map[string]*client
}

// New creates a Bridge over the given registry. metrics may be nil.
func New(reg *registry.Registry, log *zap.Logger, metrics *telemetry.Metrics) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		reg:      reg,
		log:      log.With(zap.String("component", "relay")),
		audit:    newAuditLogger(log),
		metrics:  metrics,
		sessions: make(map[string]*deviceSession),
		clients:  make(map[string]*client),
	}
}

func (b *Bridge) countFrame(direction string) {
	if b.metrics != nil {
		b.metrics.FramesRelayed.WithLabelValues(direction).Inc()
	}
}

func (b *Bridge) sessionFor(deviceID string) *deviceSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[deviceID]
	if !ok {
		s = newDeviceSession()
		b.sessions[deviceID] = s
	}
	return s
}

// RegisterDevice wires an extension transport into the registry and the
// bridge's per-device session. It wires the transport's close handler
// directly, but returns the CDP-frame handler rather than wiring it to
// OnMessage itself: the dispatcher (internal/server) interposes its own
// device:heartbeat control-frame handling before CDP frames reach here, so
// it owns the final OnMessage wiring.
func (b *Bridge) RegisterDevice(deviceID string, info registry.DeviceInfo, tr transport.Transport) (*registry.Device, func([]byte)) {
	device := b.reg.Register(deviceID, info, tr)
	sess := b.sessionFor(deviceID)

	tr.OnClose(func() {
		b.teardownDevice(deviceID, sess, tr)
	})

	onFrame := func(data []byte) {
		b.handleExtensionFrame(deviceID, sess, data)
	}
	return device, onFrame
}

// AttachClient binds a new CDP client to deviceID. Returns an error if the
// device is not currently registered/open.
func (b *Bridge) AttachClient(clientID, deviceID string, tr transport.Transport) (*client, error) {
	device, ok := b.reg.Get(deviceID)
	if !ok {
		return nil, fmt.Errorf("unknown device %q", deviceID)
	}
	if _, open := b.reg.GetTransport(deviceID); !open {
		return nil, fmt.Errorf("device %q not connected", deviceID)
	}

	c := &client{id: clientID, deviceID: deviceID, tr: tr, phase: phaseAwaitingTarget}
	if t := device.Target(); t != nil {
		c.phase = phaseBound
		c.browserSession = t.SessionID
	}

	sess := b.sessionFor(deviceID)
	sess.mu.Lock()
	sess.clients[clientID] = c
	sess.mu.Unlock()

	b.mu.Lock()
	b.clients[clientID] = c
	b.mu.Unlock()

	tr.OnMessage(func(data []byte) {
		b.handleClientFrame(c, data)
	})
	tr.OnClose(func() {
		b.detachClient(c)
	})

	return c, nil
}

func (b *Bridge) detachClient(c *client) {
	c.mu.Lock()
	c.phase = phaseClosed
	c.mu.Unlock()

	sess := b.sessionFor(c.deviceID)
	sess.mu.Lock()
	delete(sess.clients, c.id)
	var stale []int
	for id, p := range sess.pending {
		if p.clientID == c.id {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		sess.pending[id].timer.Stop()
		delete(sess.pending, id)
	}
	sess.mu.Unlock()

	b.mu.Lock()
	delete(b.clients, c.id)
	b.mu.Unlock()
}

func (b *Bridge) teardownDevice(deviceID string, sess *deviceSession, witness transport.Transport) {
	b.reg.Unregister(deviceID, witness)

	sess.mu.Lock()
	clients := make([]*client, 0, len(sess.clients))
	for _, c := range sess.clients {
		clients = append(clients, c)
	}
	for _, p := range sess.pending {
		p.timer.Stop()
	}
	sess.pending = make(map[int]*pendingRequest)
	sess.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		c.phase = phaseClosed
		c.mu.Unlock()
		_ = c.tr.Close(4003, "device disconnected")
	}

	b.mu.Lock()
	delete(b.sessions, deviceID)
	for _, c := range clients {
		delete(b.clients, c.id)
	}
	b.mu.Unlock()
}

// handleClientFrame processes one inbound frame from a CDP client.
func (b *Bridge) handleClientFrame(c *client, data []byte) {
	f, err := parseFrame(data)
	if err != nil || f.Kind != kindRequest {
		return
	}

	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()
	if phase == phaseClosed {
		return
	}

	device, ok := b.reg.Get(c.deviceID)
	if !ok {
		_ = c.tr.Send(errResponse(f.ID, f.SessionID, ErrDeviceDisconnect, "device disconnected"))
		return
	}

	b.audit.logCommand(c.id, c.deviceID, f.Method, f.SessionID)

	if phase == phaseAwaitingTarget {
		if synthesizable[f.Method] {
			b.replyWithSynth(c, device, f)
			return
		}
		_ = c.tr.Send(errResponse(f.ID, f.SessionID, ErrNoTarget, "no target"))
		return
	}

	// Bound: session-id rewrite (spec 4.3.3).
	c.mu.Lock()
	expected := c.browserSession
	c.mu.Unlock()

	effectiveSession := f.SessionID
	if effectiveSession == "" {
		effectiveSession = expected
	} else if effectiveSession != expected {
		_ = c.tr.Send(errResponse(f.ID, f.SessionID, ErrUnknownSession, "unknown session"))
		return
	}

	// synthReply branches on an empty req.SessionID to decide whether to
	// synthesize attach events (spec 4.3.4), so it must see the client's
	// original frame, not one rewritten to the device's session.
	if synthesizable[f.Method] {
		b.replyWithSynth(c, device, f)
		return
	}

	b.forwardToDevice(c, device, f, effectiveSession)
}

func (b *Bridge) replyWithSynth(c *client, device *registry.Device, req *frame) {
	resp, postEvents := b.synthReply(c, device, req)
	_ = c.tr.Send(resp)
	for _, evt := range postEvents {
		_ = c.tr.Send(evt)
	}
}

func (b *Bridge) forwardToDevice(c *client, device *registry.Device, req *frame, sessionID string) {
	sess := b.sessionFor(c.deviceID)
	tr := device.Transport()

	sess.mu.Lock()
	internalID := sess.nextID
	sess.nextID++
	timer := time.AfterFunc(MessageTimeout, func() {
		sess.mu.Lock()
		p, ok := sess.pending[internalID]
		if ok {
			delete(sess.pending, internalID)
		}
		sess.mu.Unlock()
		if ok {
			b.countFrame("timeout")
			if b.metrics != nil {
				b.metrics.PendingTimeouts.Inc()
			}
			_ = c.tr.Send(errResponse(p.originalID, req.SessionID, ErrTimeout, "timeout"))
		}
	})
	sess.pending[internalID] = &pendingRequest{
		clientID:   c.id,
		originalID: req.ID,
		clientSess: req.SessionID,
		timer:      timer,
	}
	sess.mu.Unlock()

	out := wireFrame{ID: internalID, Method: req.Method, Params: req.Params, SessionID: sessionID}
	if err := tr.Send(out); err != nil {
		sess.mu.Lock()
		delete(sess.pending, internalID)
		sess.mu.Unlock()
		timer.Stop()
		_ = c.tr.Send(errResponse(req.ID, req.SessionID, ErrDeviceDisconnect, "device disconnected"))
		return
	}
	b.countFrame("client_to_device")
}

// handleExtensionFrame processes one inbound frame from a device's
// extension transport: either a response to a forwarded request, or an
// event (including the target-tracking events that drive the per-client
// state machine).
func (b *Bridge) handleExtensionFrame(deviceID string, sess *deviceSession, data []byte) {
	f, err := parseFrame(data)
	if err != nil {
		return
	}

	switch f.Kind {
	case kindResponse:
		b.resolvePending(sess, f)
	case kindEvent:
		b.handleExtensionEvent(deviceID, sess, f)
	}
}

func (b *Bridge) resolvePending(sess *deviceSession, resp *frame) {
	sess.mu.Lock()
	p, ok := sess.pending[resp.ID]
	if ok {
		delete(sess.pending, resp.ID)
	}
	sess.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()

	b.mu.Lock()
	c := b.clients[p.clientID]
	b.mu.Unlock()
	if c == nil {
		return
	}

	out := wireFrame{ID: p.originalID, SessionID: p.clientSess, Result: resp.Result, Error: resp.Error}
	_ = c.tr.Send(out)
	b.countFrame("device_to_client")
}

func (b *Bridge) handleExtensionEvent(deviceID string, sess *deviceSession, evt *frame) {
	switch evt.Method {
	case "Target.attachedToTarget":
		b.handleTargetAttached(deviceID, sess, evt)
		return
	case "Target.detachedFromTarget":
		b.handleTargetDetached(deviceID, sess, evt)
		return
	case "Target.targetInfoChanged":
		b.handleTargetInfoChanged(deviceID, evt)
	}
	b.broadcast(sess, eventFrame(evt.Method, evt.SessionID, evt.Params))
}

func (b *Bridge) handleTargetAttached(deviceID string, sess *deviceSession, evt *frame) {
	params, ok := evt.Params.(map[string]any)
	if !ok {
		return
	}
	sessionID, _ := params["sessionId"].(string)
	targetInfo, _ := params["targetInfo"].(map[string]any)
	if sessionID == "" || targetInfo == nil {
		return
	}
	targetID, _ := targetInfo["targetId"].(string)

	device, ok := b.reg.Get(deviceID)
	if !ok {
		return
	}
	prev := device.Target()
	isSwitch := prev != nil && prev.SessionID != sessionID

	if isSwitch {
		sess.mu.Lock()
		drained := make([]*pendingRequest, 0, len(sess.pending))
		for id, p := range sess.pending {
			p.timer.Stop()
			drained = append(drained, p)
			delete(sess.pending, id)
		}
		sess.mu.Unlock()

		b.mu.Lock()
		for _, p := range drained {
			if c := b.clients[p.clientID]; c != nil {
				_ = c.tr.Send(errResponse(p.originalID, p.clientSess, ErrTargetDetached, "target detached"))
			}
		}
		b.mu.Unlock()
	}

	device.SetTarget(&registry.Target{TargetID: targetID, SessionID: sessionID, TargetInfo: targetInfo})

	sess.mu.Lock()
	clients := make([]*client, 0, len(sess.clients))
	for _, c := range sess.clients {
		clients = append(clients, c)
	}
	sess.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		wasAwaiting := c.phase == phaseAwaitingTarget
		c.phase = phaseBound
		c.browserSession = sessionID
		armed := c.autoAttachArmed
		c.mu.Unlock()

		if isSwitch {
			_ = c.tr.Send(eventFrame("Target.targetInfoChanged", "", map[string]any{"targetInfo": targetInfo}))
			if armed {
				_ = c.tr.Send(eventFrame("Target.attachedToTarget", "", map[string]any{
					"sessionId": sessionID, "targetInfo": targetInfo, "waitingForDebugger": false,
				}))
			}
		} else if wasAwaiting && armed {
			_ = c.tr.Send(eventFrame("Target.attachedToTarget", "", map[string]any{
				"sessionId": sessionID, "targetInfo": targetInfo, "waitingForDebugger": false,
			}))
		}
	}
}

func (b *Bridge) handleTargetDetached(deviceID string, sess *deviceSession, evt *frame) {
	params, ok := evt.Params.(map[string]any)
	if !ok {
		return
	}
	sessionID, _ := params["sessionId"].(string)
	if sessionID == "" {
		return
	}

	if device, ok := b.reg.Get(deviceID); ok {
		if t := device.Target(); t != nil && t.SessionID == sessionID {
			device.SetTarget(nil)
		}
	}

	b.broadcast(sess, eventFrame("Target.detachedFromTarget", "", params))
}

func (b *Bridge) handleTargetInfoChanged(deviceID string, evt *frame) {
	params, ok := evt.Params.(map[string]any)
	if !ok {
		return
	}
	targetInfo, ok := params["targetInfo"].(map[string]any)
	if !ok {
		return
	}

	device, ok := b.reg.Get(deviceID)
	if !ok {
		return
	}
	t := device.Target()
	if t == nil {
		return
	}
	if targetID, _ := targetInfo["targetId"].(string); targetID != t.TargetID {
		return
	}
	merged := make(map[string]any, len(t.TargetInfo))
	for k, v := range t.TargetInfo {
		merged[k] = v
	}
	for _, k := range []string{"title", "url"} {
		if v, ok := targetInfo[k]; ok {
			merged[k] = v
		}
	}
	device.SetTarget(&registry.Target{TargetID: t.TargetID, SessionID: t.SessionID, TargetInfo: merged})
}

func (b *Bridge) broadcast(sess *deviceSession, evt wireFrame) {
	sess.mu.Lock()
	clients := make([]*client, 0, len(sess.clients))
	for _, c := range sess.clients {
		clients = append(clients, c)
	}
	sess.mu.Unlock()

	for _, c := range clients {
		_ = c.tr.Send(evt)
	}
}
