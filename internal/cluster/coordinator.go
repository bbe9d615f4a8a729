// Package cluster elects a single writer through a TTL lease and gates the
// matching engine accordingly.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// LeaseKey is the redis key of the matching-engine lease.
const LeaseKey = "foresight:leader:matching-engine"

// Config controls lease timing.
type Config struct {
	NodeID        string
	AdvertiseURL  string
	LeaseKey      string
	TTL           time.Duration
	RenewInterval time.Duration
	RetryInterval time.Duration
	// StopOnRecoveryFailure stops campaigning after any failed promotion.
	// A corrupt log always stops it; other failures are retried otherwise.
	StopOnRecoveryFailure bool
	// Observe tracks the lease holder without ever campaigning.
	Observe bool
}

func (c *Config) defaults() {
	if c.NodeID == "" {
		c.NodeID = NewNodeID()
	}
	if c.LeaseKey == "" {
		c.LeaseKey = LeaseKey
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = 10 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
}

// NewNodeID returns hostname-pid-random.
func NewNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%d-%06x", host, os.Getpid(), rand.IntN(1<<24))
}

// Gate is the part of the engine the coordinator drives.
type Gate interface {
	SetWritable(bool)
	Degraded() bool
}

// Alerter receives leadership notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Notification event names.
const (
	EventPromoted       = "leader_promoted"
	EventDemoted        = "leader_demoted"
	EventRecoveryFailed = "recovery_failed"
)

// Coordinator campaigns for the lease, runs promotion, renews, and demotes.
type Coordinator struct {
	cfg       Config
	store     domain.LeaseStore
	gate      Gate
	onPromote func(ctx context.Context) error
	alerter   Alerter
	logger    *slog.Logger

	mu          sync.Mutex
	role        domain.Role
	leader      *domain.LeaderRecord
	self        domain.LeaderRecord
	since       time.Time
	promotions  int
	lastErr     string
	lastRenewOK time.Time
	stopped     bool
	watchdog    *time.Timer
	term        uint64
}

// New creates a follower Coordinator. onPromote runs recovery and must
// complete before the engine is opened for writes. alerter may be nil.
func New(cfg Config, store domain.LeaseStore, gate Gate, onPromote func(ctx context.Context) error, alerter Alerter, logger *slog.Logger) *Coordinator {
	cfg.defaults()
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		gate:      gate,
		onPromote: onPromote,
		alerter:   alerter,
		logger:    logger.With(slog.String("component", "cluster"), slog.String("node_id", cfg.NodeID)),
		role:      domain.RoleFollower,
		since:     time.Now().UTC(),
	}
}

// NodeID returns this node's identity.
func (c *Coordinator) NodeID() string { return c.cfg.NodeID }

// IsLeader reports whether this node holds the lease.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role == domain.RoleLeader
}

// Leader returns the last known lease holder.
func (c *Coordinator) Leader() (domain.LeaderRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leader == nil {
		return domain.LeaderRecord{}, false
	}
	return *c.leader, true
}

// Status reports the coordinator state.
func (c *Coordinator) Status(ready bool) domain.ClusterStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := domain.ClusterStatus{
		NodeID:     c.cfg.NodeID,
		Role:       c.role,
		Ready:      ready && c.role == domain.RoleLeader,
		Since:      c.since,
		Promotions: c.promotions,
		LastError:  c.lastErr,
	}
	if c.leader != nil {
		l := *c.leader
		st.Leader = &l
	}
	return st
}

// Run campaigns until ctx is done, then releases the lease if held.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.shutdown()
	c.tick(ctx)
	for {
		interval := c.cfg.RetryInterval
		if c.IsLeader() {
			interval = c.cfg.RenewInterval
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	if c.IsLeader() {
		c.renew(ctx)
		return
	}
	c.campaign(ctx)
}

func (c *Coordinator) record(now time.Time) domain.LeaderRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.self
	rec.NodeID = c.cfg.NodeID
	rec.AdvertiseURL = c.cfg.AdvertiseURL
	if rec.AcquiredAt.IsZero() {
		rec.AcquiredAt = now
	}
	rec.LastRenewedAt = now
	return rec
}

func (c *Coordinator) campaign(ctx context.Context) {
	c.mu.Lock()
	stopped := c.stopped || c.cfg.Observe
	c.mu.Unlock()

	if !stopped {
		now := time.Now().UTC()
		rec := domain.LeaderRecord{NodeID: c.cfg.NodeID, AdvertiseURL: c.cfg.AdvertiseURL, AcquiredAt: now, LastRenewedAt: now}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.TTL/2)
		ok, err := c.store.Acquire(callCtx, c.cfg.LeaseKey, rec, c.cfg.TTL)
		cancel()
		if err != nil {
			c.setErr(fmt.Errorf("acquire: %w", err))
			c.logger.WarnContext(ctx, "lease acquire failed", slog.String("error", err.Error()))
		} else if ok {
			c.promote(ctx, rec, now)
			return
		}
	}
	c.refreshLeader(ctx)
}

func (c *Coordinator) refreshLeader(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.TTL/2)
	defer cancel()
	rec, err := c.store.Get(callCtx, c.cfg.LeaseKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.leader = nil
	case err != nil:
		c.lastErr = err.Error()
	default:
		c.leader = &rec
	}
}

// promote arms the lease deadline, runs recovery while renewing in the
// background, and only then opens writes.
func (c *Coordinator) promote(ctx context.Context, rec domain.LeaderRecord, acquiredAt time.Time) {
	c.mu.Lock()
	c.role = domain.RoleLeader
	c.self = rec
	c.leader = &rec
	c.since = acquiredAt
	c.lastRenewOK = acquiredAt
	c.term++
	term := c.term
	c.armLocked(term)
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "lease acquired, recovering")
	if err := c.recoverRenewing(ctx, term); err != nil {
		return
	}
	c.mu.Lock()
	c.promotions++
	c.mu.Unlock()
	c.logger.InfoContext(ctx, "promoted to leader")
	c.alert(ctx, EventPromoted, "Leader promoted", fmt.Sprintf("node %s is now leader", c.cfg.NodeID))
}

// recoverRenewing runs recover while a background ticker keeps the lease of
// term alive, so a recovery longer than the TTL does not lose it.
func (c *Coordinator) recoverRenewing(ctx context.Context, term uint64) error {
	rctx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(c.cfg.RenewInterval)
		defer t.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-t.C:
				c.renewLease(rctx, term)
			}
		}
	}()
	err := c.recover(ctx, term)
	stop()
	wg.Wait()
	return err
}

// recover runs onPromote with writes closed and reopens them on success.
// On failure the lease is released so another node can take over.
func (c *Coordinator) recover(ctx context.Context, term uint64) error {
	c.gate.SetWritable(false)
	err := c.onPromote(ctx)
	if err == nil {
		c.mu.Lock()
		// The lease may have been lost while recovery ran.
		still := c.role == domain.RoleLeader && c.term == term
		if still {
			c.gate.SetWritable(true)
		}
		c.mu.Unlock()
		if !still {
			return domain.ErrLeaseLost
		}
		c.setErr(nil)
		return nil
	}

	c.setErr(fmt.Errorf("recovery: %w", err))
	c.logger.ErrorContext(ctx, "recovery failed, releasing lease", slog.String("error", err.Error()))
	c.alert(ctx, EventRecoveryFailed, "Recovery failed", fmt.Sprintf("node %s: %v", c.cfg.NodeID, err))
	if c.cfg.StopOnRecoveryFailure || errors.Is(err, domain.ErrCorruptLog) {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		c.logger.ErrorContext(ctx, "recovery cannot succeed on this node, no longer campaigning")
	}
	c.demote(ctx, term, "recovery failed")
	c.release(ctx)
	return err
}

func (c *Coordinator) renew(ctx context.Context) {
	c.mu.Lock()
	term := c.term
	c.mu.Unlock()
	if !c.renewLease(ctx, term) {
		return
	}
	if c.gate.Degraded() {
		c.logger.WarnContext(ctx, "engine degraded, re-running recovery")
		_ = c.recoverRenewing(ctx, term)
	}
}

// renewLease extends the lease of term and reports whether it is still held.
func (c *Coordinator) renewLease(ctx context.Context, term uint64) bool {
	c.mu.Lock()
	if c.role != domain.RoleLeader || c.term != term {
		c.mu.Unlock()
		return false
	}
	deadline := c.lastRenewOK.Add(c.cfg.TTL)
	c.mu.Unlock()

	now := time.Now().UTC()
	rec := c.record(now)
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	ok, err := c.store.Renew(callCtx, c.cfg.LeaseKey, rec, c.cfg.TTL)
	cancel()

	switch {
	case err != nil:
		c.setErr(fmt.Errorf("renew: %w", err))
		c.logger.WarnContext(ctx, "lease renew failed", slog.String("error", err.Error()))
		// The watchdog demotes once the deadline passes.
		return false
	case !ok:
		c.demote(ctx, term, "lease lost")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != domain.RoleLeader || c.term != term {
		return false
	}
	c.lastRenewOK = now
	c.self = rec
	c.leader = &rec
	c.armLocked(term)
	return true
}

// armLocked resets the watchdog that demotes at lastRenewOK+TTL. Caller holds c.mu.
func (c *Coordinator) armLocked(term uint64) {
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	wait := time.Until(c.lastRenewOK.Add(c.cfg.TTL))
	c.watchdog = time.AfterFunc(wait, func() {
		c.demote(context.Background(), term, "lease deadline passed")
	})
}

// demote closes the write gate before anything else.
func (c *Coordinator) demote(ctx context.Context, term uint64, reason string) {
	c.mu.Lock()
	if c.role != domain.RoleLeader || c.term != term {
		c.mu.Unlock()
		return
	}
	c.gate.SetWritable(false)
	c.role = domain.RoleFollower
	c.since = time.Now().UTC()
	c.self = domain.LeaderRecord{}
	c.leader = nil
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	c.mu.Unlock()

	c.logger.WarnContext(ctx, "demoted to follower", slog.String("reason", reason))
	c.alert(ctx, EventDemoted, "Leader demoted", fmt.Sprintf("node %s: %s", c.cfg.NodeID, reason))
}

func (c *Coordinator) release(ctx context.Context) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.store.Release(rctx, c.cfg.LeaseKey, c.cfg.NodeID); err != nil {
		c.logger.WarnContext(ctx, "lease release failed", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	leader := c.role == domain.RoleLeader
	term := c.term
	c.mu.Unlock()
	if !leader {
		return
	}
	c.demote(context.Background(), term, "shutdown")
	c.release(context.Background())
}

func (c *Coordinator) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.lastErr = ""
		return
	}
	c.lastErr = err.Error()
}

func (c *Coordinator) alert(ctx context.Context, event, title, msg string) {
	if c.alerter == nil {
		return
	}
	go func() {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := c.alerter.Notify(actx, event, title, msg); err != nil {
			c.logger.Warn("leadership alert failed", slog.String("error", err.Error()))
		}
	}()
}
