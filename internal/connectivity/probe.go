// Package connectivity owns the process-wide online flag.
package connectivity

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/safar/pos-core/internal/events"
	"golang.org/x/time/rate"
)

// Pinger is a cheap reachability check against the remote ledger.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Timeout time.Duration
	// MinInterval throttles real pings; checks inside it return the cached
	// state.
	MinInterval time.Duration
}

type Probe struct {
	pinger  Pinger
	cfg     Config
	online  atomic.Bool
	limiter *rate.Limiter
	bus     *events.Bus
	logger  *slog.Logger
}

func NewProbe(pinger Pinger, bus *events.Bus, logger *slog.Logger, cfg Config) *Probe {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	return &Probe{
		pinger:  pinger,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		bus:     bus,
		logger:  logger,
	}
}

func (p *Probe) Online() bool {
	return p.online.Load()
}

// Check pings the ledger and updates the flag.
func (p *Probe) Check(ctx context.Context) bool {
	if !p.limiter.Allow() {
		return p.Online()
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	if err != nil {
		p.logger.Debug("connectivity check failed", slog.String("error", err.Error()))
	}
	p.set(err == nil)
	return err == nil
}

// SetOffline flips the flag after a caller saw a network failure.
func (p *Probe) SetOffline(cause error) {
	if cause != nil && p.Online() {
		p.logger.Warn("going offline", slog.String("error", cause.Error()))
	}
	p.set(false)
}

func (p *Probe) SetOnline() {
	p.set(true)
}

func (p *Probe) set(online bool) {
	if p.online.Swap(online) == online {
		return
	}
	p.logger.Info("connectivity changed", slog.Bool("online", online))
	events.Emit(p.bus, events.ConnectivityChanged, events.ConnectivityChange{Online: online})
}

// Run checks immediately and then every interval until ctx is done.
func (p *Probe) Run(ctx context.Context, interval time.Duration) {
	p.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
