// Package admission arbitrates which caller may pair with a host channel.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("gate")

type Outcome string

const (
	Granted  Outcome = "granted"
	Busy     Outcome = "busy"
	NotFound Outcome = "not_found"
	Failed   Outcome = "error"
)

// Wire codes for the two refusal outcomes.
const (
	CodeChannelBusy         = "CHANNEL_BUSY"
	CodeChannelNotAvailable = "CHANNEL_NOT_AVAILABLE"
)

const (
	DefaultLockTimeout   = 10 * time.Second
	DefaultGrace         = 2 * time.Second
	DefaultSweepInterval = 5 * time.Second

	undoTimeout = 5 * time.Second
)

type Result struct {
	Outcome   Outcome `json:"outcome"`
	SessionID string  `json:"session_id,omitempty"`
}

type Options struct {
	Backend       Backend
	Store         ReservationStore
	Clock         clock.Clock
	Metrics       *Metrics
	LockTimeout   time.Duration
	Grace         time.Duration
	SweepInterval time.Duration
}

type Gate struct {
	backend Backend
	store   ReservationStore
	clk     clock.Clock
	metrics *Metrics
	window  time.Duration
	grace   time.Duration
	sweep   time.Duration
}

func NewGate(opts Options) *Gate {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Gate{
		backend: opts.Backend,
		store:   opts.Store,
		clk:     opts.Clock,
		metrics: opts.Metrics,
		window:  opts.LockTimeout,
		grace:   opts.Grace,
		sweep:   opts.SweepInterval,
	}
}

// Reserve tries to admit callerID to channelID. Busy and NotFound are normal
// results, not errors. An error means the backend failed and nothing is held.
func (g *Gate) Reserve(ctx context.Context, channelID, callerID string) (Result, error) {
	start := g.clk.Now()
	res, err := g.reserve(ctx, channelID, callerID)
	outcome := res.Outcome
	if err != nil {
		outcome = Failed
	}
	g.metrics.observeReserve(outcome, g.clk.Since(start).Seconds())
	g.metrics.setHeld(g.store.Len())
	return res, err
}

func (g *Gate) reserve(ctx context.Context, channelID, callerID string) (Result, error) {
	if channelID == "" || callerID == "" {
		return Result{}, errors.New("admission: channel and caller are required")
	}
	unlock := g.store.Lock(channelID)
	defer unlock()

	now := g.clk.Now()
	if cur, ok := g.store.Get(channelID); ok && !cur.Expired(now, g.window) && cur.CallerID != callerID {
		log.Infof("[%s] busy: held by %s", channelID, short(cur.CallerID))
		return Result{Outcome: Busy}, nil
	}
	r := Reservation{ChannelID: channelID, CallerID: callerID, ReservedAt: now, Locked: true}
	g.store.Put(r)

	host, err := g.backend.LookupHost(ctx, channelID)
	if errors.Is(err, ErrHostNotFound) {
		g.store.Delete(channelID)
		return Result{Outcome: NotFound}, nil
	}
	if err != nil {
		g.store.Delete(channelID)
		return Result{}, fmt.Errorf("lookup %s: %w", channelID, err)
	}
	if host.Status != HostOpen || (host.PairedCaller != "" && host.PairedCaller != callerID) {
		log.Infof("[%s] not available: status=%s paired=%s", channelID, host.Status, short(host.PairedCaller))
		g.store.Delete(channelID)
		return Result{Outcome: NotFound}, nil
	}

	if err := g.backend.AttachCaller(ctx, channelID, callerID, uuid.NewString()); err != nil {
		// the attach may have landed before the error
		g.undo(ctx, channelID, callerID)
		return Result{}, fmt.Errorf("attach %s: %w", channelID, err)
	}

	after, err := g.backend.LookupHost(ctx, channelID)
	switch {
	case errors.Is(err, ErrHostNotFound), err == nil && after.Status != HostOpen:
		g.undo(ctx, channelID, callerID)
		return Result{Outcome: NotFound}, nil
	case err != nil:
		g.undo(ctx, channelID, callerID)
		return Result{}, fmt.Errorf("verify %s: %w", channelID, err)
	case after.PairedCaller != callerID:
		log.Infof("[%s] lost race to %s", channelID, short(after.PairedCaller))
		g.undo(ctx, channelID, callerID)
		return Result{Outcome: Busy}, nil
	}

	g.clk.AfterFunc(g.grace, func() { g.expire(r) })
	log.Infof("[%s] granted to %s (session %s)", channelID, short(callerID), after.SessionID)
	return Result{Outcome: Granted, SessionID: after.SessionID}, nil
}

// undo reverses the attach side effect and frees the reservation. It runs
// detached from ctx, which may already be cancelled. Failures are logged; the
// caller already has its outcome.
func (g *Gate) undo(ctx context.Context, channelID, callerID string) {
	g.store.Delete(channelID)
	g.metrics.compensated()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), undoTimeout)
	defer cancel()
	if err := g.backend.DetachCaller(ctx, channelID, callerID); err != nil {
		log.Warnf("[%s] undo attach for %s: %v", channelID, short(callerID), err)
	}
}

// expire drops a granted reservation once its grace window passes, unless it
// has since been refreshed or replaced.
func (g *Gate) expire(r Reservation) {
	unlock := g.store.Lock(r.ChannelID)
	defer unlock()
	cur, ok := g.store.Get(r.ChannelID)
	if ok && cur.CallerID == r.CallerID && cur.ReservedAt.Equal(r.ReservedAt) {
		g.store.Delete(r.ChannelID)
		g.metrics.setHeld(g.store.Len())
	}
}

// Release drops the reservation and detaches callerID from the host. An empty
// callerID releases whoever holds the reservation.
func (g *Gate) Release(ctx context.Context, channelID, callerID string) error {
	unlock := g.store.Lock(channelID)
	defer unlock()
	cur, ok := g.store.Get(channelID)
	if ok && (callerID == "" || cur.CallerID == callerID) {
		g.store.Delete(channelID)
		if callerID == "" {
			callerID = cur.CallerID
		}
	}
	g.metrics.setHeld(g.store.Len())
	if callerID == "" {
		return nil
	}
	if err := g.backend.DetachCaller(ctx, channelID, callerID); err != nil {
		return fmt.Errorf("release %s: %w", channelID, err)
	}
	log.Debugf("[%s] released %s", channelID, short(callerID))
	return nil
}

func (g *Gate) OpenHostChannel(ctx context.Context, channelID, hostID string) error {
	unlock := g.store.Lock(channelID)
	defer unlock()
	g.store.Delete(channelID)
	if err := g.backend.OpenHostChannel(ctx, channelID, hostID); err != nil {
		return fmt.Errorf("open %s: %w", channelID, err)
	}
	log.Infof("[%s] opened by %s", channelID, short(hostID))
	return nil
}

func (g *Gate) CloseHostChannel(ctx context.Context, channelID string, status HostStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("admission: %q is not a terminal status", status)
	}
	unlock := g.store.Lock(channelID)
	defer unlock()
	g.store.Delete(channelID)
	if err := g.backend.CloseHostChannel(ctx, channelID, status); err != nil {
		return fmt.Errorf("close %s: %w", channelID, err)
	}
	log.Infof("[%s] %s", channelID, status)
	return nil
}

// Held returns the live reservation for channelID, if any.
func (g *Gate) Held(channelID string) (Reservation, bool) {
	unlock := g.store.Lock(channelID)
	defer unlock()
	r, ok := g.store.Get(channelID)
	if !ok || r.Expired(g.clk.Now(), g.window) {
		return Reservation{}, false
	}
	return r, true
}

// Run sweeps expired reservations until ctx is done.
func (g *Gate) Run(ctx context.Context) {
	t := g.clk.Ticker(g.sweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.Sweep()
		}
	}
}

func (g *Gate) Sweep() int {
	n := g.store.Sweep(g.clk.Now(), g.window)
	if n > 0 {
		log.Debugf("swept %d expired reservations", n)
	}
	g.metrics.sweptN(n)
	g.metrics.setHeld(g.store.Len())
	return n
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
