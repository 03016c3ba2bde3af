// Package pool implements the Chrome Instance Pool (spec 4.2): a keyed
// cache of locally launched Chrome processes with per-key idle eviction
// and a global concurrency ceiling, used by the legacy direct-launch path.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neboloop/cdp-relay/internal/telemetry"
)

// ErrAtCapacity is returned by Acquire when the pool is already at
// MaxInstances and the request did not match an existing keyed instance.
var ErrAtCapacity = errors.New("pool: at capacity")

// Config configures a Pool. Durations here are already the internal
// representation; the external CLI surface accepts minutes and converts.
type Config struct {
	MaxInstances         int
	InstanceTimeout      time.Duration
	InactiveCheckInterval time.Duration
	ExecutablePath       string
	Headless             bool
	NoSandbox            bool
	// DataDir is the base directory under which keyed profiles persist
	// (spec 6: "$HOME/.browser-go/browser_data/<userKey>/").
	DataDir string
}

// Instance is a pool-managed Chrome process.
type Instance struct {
	UserKey     string
	CDPPort     int
	UserDataDir string

	mu           sync.Mutex
	lastActivity time.Time
	running      *runningChrome
}

func (i *Instance) touch() {
	i.mu.Lock()
	i.lastActivity = time.Now()
	i.mu.Unlock()
}

func (i *Instance) idleFor() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return time.Since(i.lastActivity)
}

// WebSocketURL returns the instance's CDP websocket debugger URL.
func (i *Instance) WebSocketURL(ctx context.Context) (string, error) {
	return chromeWebSocketURL(ctx, fmt.Sprintf("http://127.0.0.1:%d", i.CDPPort))
}

// Pool is the single owner of all launched Chrome instances.
type Pool struct {
	cfg     Config
	log     *zap.Logger
	exe     *BrowserExecutable
	metrics *telemetry.Metrics

	mu        sync.Mutex
	byKey     map[string]*Instance
	anonymous map[*Instance]struct{}
	nextPort  int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Pool. It locates a browser executable eagerly so launch
// failures surface at startup rather than on first Acquire. metrics may be nil.
func New(cfg Config, log *zap.Logger, metrics *telemetry.Metrics) (*Pool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 10
	}
	if cfg.InstanceTimeout <= 0 {
		cfg.InstanceTimeout = 60 * time.Minute
	}
	if cfg.InactiveCheckInterval <= 0 {
		cfg.InactiveCheckInterval = 5 * time.Minute
	}

	exe, err := FindChromeExecutable(cfg.ExecutablePath)
	if err != nil {
		return nil, fmt.Errorf("locate browser executable: %w", err)
	}

	p := &Pool{
		cfg:       cfg,
		log:       log.With(zap.String("component", "pool")),
		exe:       exe,
		metrics:   metrics,
		byKey:     make(map[string]*Instance),
		anonymous: make(map[*Instance]struct{}),
		nextPort:  9300,
		stopCh:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.sweepLoop()
	return p, nil
}

func (p *Pool) liveCount() int {
	return len(p.byKey) + len(p.anonymous)
}

// LiveInstances returns the current number of running Chrome instances,
// for telemetry gauges.
func (p *Pool) LiveInstances() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveCount()
}

// Acquire returns the instance for userKey if one is live, bumping its
// lastActivity; otherwise it launches a new instance, subject to
// MaxInstances. An empty userKey always launches an anonymous, ephemeral
// instance that is never matched by a later Acquire.
func (p *Pool) Acquire(ctx context.Context, userKey string, opts LaunchOptions) (*Instance, error) {
	p.mu.Lock()
	if userKey != "" {
		if inst, ok := p.byKey[userKey]; ok {
			p.mu.Unlock()
			inst.touch()
			return inst, nil
		}
	}
	if p.liveCount() >= p.cfg.MaxInstances {
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.PoolRejections.Inc()
		}
		return nil, ErrAtCapacity
	}
	port := p.nextPort
	p.nextPort++
	p.mu.Unlock()

	if userKey != "" && opts.UserDataDir == "" && p.cfg.DataDir != "" {
		opts.UserDataDir = p.cfg.DataDir + "/" + userKey
	}

	running, err := launchChrome(p.exe, port, p.cfg.Headless, p.cfg.NoSandbox, opts)
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	inst := &Instance{
		UserKey:      userKey,
		CDPPort:      port,
		UserDataDir:  running.userDataDir,
		lastActivity: time.Now(),
		running:      running,
	}

	p.mu.Lock()
	if userKey != "" {
		p.byKey[userKey] = inst
	} else {
		p.anonymous[inst] = struct{}{}
	}
	p.mu.Unlock()
	p.updateLiveGauge()

	go p.watchExit(inst, running)

	p.log.Info("chrome instance launched", zap.String("user_key", userKey), zap.Int("cdp_port", port), zap.Int("pid", running.pid))
	return inst, nil
}

func (p *Pool) updateLiveGauge() {
	if p.metrics != nil {
		p.metrics.PoolLiveInstances.Set(float64(p.LiveInstances()))
	}
}

// watchExit evicts inst from the pool when its underlying process exits on
// its own (crash, user-closed, etc). Idempotent with Kill via evict's
// presence check. It only ever observes running.exited; running.cmd.Wait is
// called exactly once, by the goroutine launchChrome starts alongside the
// process.
func (p *Pool) watchExit(inst *Instance, running *runningChrome) {
	<-running.exited
	p.evict(inst)
}

// Touch refreshes an instance's idle clock.
func (p *Pool) Touch(userKey string) {
	p.mu.Lock()
	inst, ok := p.byKey[userKey]
	p.mu.Unlock()
	if ok {
		inst.touch()
	}
}

// Kill terminates and evicts the instance for userKey. Returns false if no
// such instance exists.
func (p *Pool) Kill(userKey string) bool {
	p.mu.Lock()
	inst, ok := p.byKey[userKey]
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.evict(inst)
	_ = stopChrome(inst.running, 5*time.Second)
	return true
}

func (p *Pool) evict(inst *Instance) {
	p.mu.Lock()
	if inst.UserKey != "" {
		if cur, ok := p.byKey[inst.UserKey]; ok && cur == inst {
			delete(p.byKey, inst.UserKey)
		}
	} else {
		delete(p.anonymous, inst)
	}
	p.mu.Unlock()
	p.updateLiveGauge()
}

// Shutdown kills every live instance concurrently and stops the sweeper.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	var all []*Instance
	for _, inst := range p.byKey {
		all = append(all, inst)
	}
	for inst := range p.anonymous {
		all = append(all, inst)
	}
	p.byKey = make(map[string]*Instance)
	p.anonymous = make(map[*Instance]struct{})
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range all {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			_ = stopChrome(inst.running, 5*time.Second)
		}(inst)
	}
	wg.Wait()
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.InactiveCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	var idle []*Instance
	for _, inst := range p.byKey {
		if inst.idleFor() > p.cfg.InstanceTimeout {
			idle = append(idle, inst)
		}
	}
	for inst := range p.anonymous {
		if inst.idleFor() > p.cfg.InstanceTimeout {
			idle = append(idle, inst)
		}
	}
	p.mu.Unlock()

	for _, inst := range idle {
		p.evict(inst)
		_ = stopChrome(inst.running, 5*time.Second)
		p.log.Info("chrome instance evicted (idle)", zap.String("user_key", inst.UserKey))
	}
}
