package windows

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Branch reports which path OpenOrFocus took. Informational only.
type Branch string

const (
	BranchFocused Branch = "focused"
	BranchOpened  Branch = "opened"
)

var ErrClosed = errors.New("coordinator closed")

// Events are optional hooks the coordinator fires. OnOwnershipLost and
// OnStaleSlot are observability hooks; OnFocus is how the owning instance
// learns another window asked it to come to the front (with an optional
// navigation url).
type Events struct {
	OnOwnershipLost func(name string)
	OnStaleSlot     func(name string)
	OnFocus         func(name, url string)
}

type Config struct {
	// InstanceID identifies this window in slot values. Defaults to a uuid.
	InstanceID string
	// HeartbeatInterval is how often a registered owner refreshes its
	// liveness timestamp. Default 2s.
	HeartbeatInterval time.Duration
	// TimeoutMultiple sets the liveness timeout as a multiple of the
	// heartbeat interval. Default 3. Shorter means faster detection of a
	// crashed owner but more false evictions under load pauses.
	TimeoutMultiple int
	// SweepInterval drives the slow crash-detection sweep for subscribers.
	// A crashed owner never notifies, so passive readers need this.
	// Default 10s, deliberately much slower than the heartbeat.
	SweepInterval time.Duration
	// Now is the clock, swappable in tests.
	Now func() time.Time

	Events Events
}

// Coordinator ensures at most one live instance per named window role.
// Liveness is mediated entirely by the SlotStore; nothing is shared
// through process memory between windows.
type Coordinator struct {
	store      SlotStore
	logger     *slog.Logger
	instanceID string
	heartbeat  time.Duration
	timeout    time.Duration
	sweepEvery time.Duration
	now        func() time.Time
	events     Events

	mu     sync.Mutex
	regs   map[string]*registration
	closed bool
}

type registration struct {
	cancel    context.CancelFunc
	cancelSub func()
}

func NewCoordinator(store SlotStore, logger *slog.Logger, cfg Config) *Coordinator {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	if cfg.TimeoutMultiple <= 1 {
		cfg.TimeoutMultiple = 3
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		store:      store,
		logger:     logger,
		instanceID: cfg.InstanceID,
		heartbeat:  cfg.HeartbeatInterval,
		timeout:    time.Duration(cfg.TimeoutMultiple) * cfg.HeartbeatInterval,
		sweepEvery: cfg.SweepInterval,
		now:        cfg.Now,
		events:     cfg.Events,
		regs:       make(map[string]*registration),
	}
}

// InstanceID returns this window's identity as written into slots.
func (c *Coordinator) InstanceID() string {
	return c.instanceID
}

func slotKey(name string) string  { return "slot:" + name }
func hbKey(name string) string    { return "hb:" + name }
func focusKey(name string) string { return "focus:" + name }

// Register claims the named slot for this instance and starts its
// heartbeat. A later registration by another window silently supersedes
// this one; the heartbeat notices and self-cancels.
func (c *Coordinator) Register(ctx context.Context, name string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, dup := c.regs[name]; dup {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.store.Write(ctx, slotKey(name), c.instanceID); err != nil {
		return err
	}
	if err := c.writeHeartbeat(ctx, name); err != nil {
		return err
	}

	cancelSub, err := c.store.Subscribe(ctx, func(key string) {
		if key != focusKey(name) {
			return
		}
		c.handleFocus(name)
	})
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.regs[name] = &registration{cancel: cancel, cancelSub: cancelSub}
	c.mu.Unlock()

	go c.heartbeatLoop(loopCtx, name)
	c.logger.Info("window slot registered", "name", name, "instance_id", c.instanceID)
	return nil
}

func (c *Coordinator) heartbeatLoop(ctx context.Context, name string) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.heartbeatTick(ctx, name) {
				return
			}
		}
	}
}

// heartbeatTick refreshes the liveness timestamp, but only after
// re-verifying that this instance still owns the slot. Returns false once
// ownership is gone; the loop then stops without touching the slot.
func (c *Coordinator) heartbeatTick(ctx context.Context, name string) bool {
	owner, ok, err := c.store.Read(ctx, slotKey(name))
	if err != nil {
		c.logger.Warn("slot ownership check failed", "name", name, "err", err)
		return true
	}
	if !ok || owner != c.instanceID {
		c.dropRegistration(name)
		c.logger.Info("window slot ownership lost", "name", name, "instance_id", c.instanceID)
		if c.events.OnOwnershipLost != nil {
			c.events.OnOwnershipLost(name)
		}
		return false
	}
	if err := c.writeHeartbeat(ctx, name); err != nil {
		c.logger.Warn("heartbeat write failed", "name", name, "err", err)
	}
	return true
}

func (c *Coordinator) writeHeartbeat(ctx context.Context, name string) error {
	return c.store.Write(ctx, hbKey(name), strconv.FormatInt(c.now().UnixMilli(), 10))
}

// IsOpen reports whether a live instance owns the named slot. A stale
// heartbeat found here is deleted on the spot: staleness is
// self-certifying, so any reader may garbage-collect it.
func (c *Coordinator) IsOpen(ctx context.Context, name string) bool {
	raw, ok, err := c.store.Read(ctx, hbKey(name))
	if err != nil {
		c.logger.Warn("heartbeat read failed", "name", name, "err", err)
		return false
	}
	if !ok {
		return false
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Unlike staleness, a garbled value is not self-certifying proof
		// that the owner is gone; drop only the heartbeat and leave the
		// slot for its owner's next tick to refresh.
		c.logger.Warn("malformed heartbeat value", "name", name, "value", raw)
		if derr := c.store.Delete(ctx, hbKey(name)); derr != nil {
			c.logger.Warn("malformed heartbeat delete failed", "name", name, "err", derr)
		}
		return false
	}
	age := c.now().Sub(time.UnixMilli(millis))
	if age >= c.timeout {
		c.reapStaleSlot(ctx, name)
		return false
	}
	return true
}

func (c *Coordinator) reapStaleSlot(ctx context.Context, name string) {
	if err := c.store.Delete(ctx, hbKey(name)); err != nil {
		c.logger.Warn("stale heartbeat delete failed", "name", name, "err", err)
	}
	if err := c.store.Delete(ctx, slotKey(name)); err != nil {
		c.logger.Warn("stale slot delete failed", "name", name, "err", err)
	}
	c.logger.Info("stale window slot reaped", "name", name)
	if c.events.OnStaleSlot != nil {
		c.events.OnStaleSlot(name)
	}
}

// Subscribe reports liveness of the named slot: once immediately, then on
// every store notification for its keys, and from a slow sweep that
// catches owners that crashed without a clean unregister.
func (c *Coordinator) Subscribe(ctx context.Context, name string, cb func(alive bool)) (func(), error) {
	var mu sync.Mutex
	last := c.IsOpen(ctx, name)
	cb(last)

	report := func(alive bool, always bool) {
		mu.Lock()
		changed := alive != last
		last = alive
		mu.Unlock()
		if always || changed {
			cb(alive)
		}
	}

	cancelSub, err := c.store.Subscribe(ctx, func(key string) {
		if key != slotKey(name) && key != hbKey(name) {
			return
		}
		report(c.IsOpen(ctx, name), true)
	})
	if err != nil {
		return nil, err
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(c.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				report(c.IsOpen(sweepCtx, name), false)
			}
		}
	}()

	return func() {
		cancelSub()
		cancelSweep()
	}, nil
}

// Unregister releases the slot on clean shutdown, but only if this
// instance still owns it. A delayed shutdown must never clobber a slot a
// newer window has since claimed.
func (c *Coordinator) Unregister(ctx context.Context, name string) error {
	c.dropRegistration(name)

	owner, ok, err := c.store.Read(ctx, slotKey(name))
	if err != nil {
		return err
	}
	if !ok || owner != c.instanceID {
		return nil
	}
	if err := c.store.Delete(ctx, slotKey(name)); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, hbKey(name)); err != nil {
		return err
	}
	c.logger.Info("window slot unregistered", "name", name, "instance_id", c.instanceID)
	return nil
}

// OpenOrFocus focuses the live instance of the named window if one exists,
// asking it to navigate when url is non-empty; otherwise it claims the
// slot itself.
func (c *Coordinator) OpenOrFocus(ctx context.Context, url, name string) (Branch, error) {
	if c.IsOpen(ctx, name) {
		// A millisecond prefix makes repeated focus requests distinct
		// writes, so each one re-notifies the owner.
		value := strconv.FormatInt(c.now().UnixMilli(), 10) + "|" + url
		if err := c.store.Write(ctx, focusKey(name), value); err != nil {
			return "", err
		}
		return BranchFocused, nil
	}
	if err := c.Register(ctx, name); err != nil {
		return "", err
	}
	return BranchOpened, nil
}

func (c *Coordinator) handleFocus(name string) {
	ctx := context.Background()
	raw, ok, err := c.store.Read(ctx, focusKey(name))
	if err != nil || !ok {
		return
	}
	_ = c.store.Delete(ctx, focusKey(name))

	url := ""
	if _, rest, found := strings.Cut(raw, "|"); found {
		url = rest
	}
	c.logger.Info("focus requested", "name", name, "url", url)
	if c.events.OnFocus != nil {
		c.events.OnFocus(name, url)
	}
}

func (c *Coordinator) dropRegistration(name string) {
	c.mu.Lock()
	reg, ok := c.regs[name]
	if ok {
		delete(c.regs, name)
	}
	c.mu.Unlock()
	if ok {
		reg.cancel()
		reg.cancelSub()
	}
}

// Close cancels every heartbeat and releases every slot this instance
// still owns.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	names := make([]string, 0, len(c.regs))
	for name := range c.regs {
		names = append(names, name)
	}
	c.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := c.Unregister(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
