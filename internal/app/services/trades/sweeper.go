package trades

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/freshloop/marketplace/internal/app/storage"
	"github.com/freshloop/marketplace/internal/app/system"
	"github.com/freshloop/marketplace/pkg/logger"
)

// DefaultSweepInterval is how often the sweeper scans for stranded trades.
const DefaultSweepInterval = time.Minute

// ExpirySweeper cancels trades stranded past the grace window. It is an
// operational convenience: cancel is always available to callers directly,
// the sweeper only makes sure abandoned sales are eventually released.
type ExpirySweeper struct {
	store    storage.TradeStore
	service  *Service
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*ExpirySweeper)(nil)

// NewExpirySweeper constructs a sweeper over the trade coordinator.
func NewExpirySweeper(store storage.TradeStore, service *Service, interval time.Duration, log *logger.Logger) *ExpirySweeper {
	if log == nil {
		log = logger.NewDefault("trade-sweeper")
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &ExpirySweeper{
		store:    store,
		service:  service,
		interval: interval,
		log:      log,
	}
}

func (p *ExpirySweeper) Name() string { return "trade-sweeper" }

func (p *ExpirySweeper) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.sweep(runCtx)
			}
		}
	}()
	return nil
}

func (p *ExpirySweeper) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ExpirySweeper) sweep(ctx context.Context) {
	cutoff := p.service.now().Add(-p.service.grace)
	expired, err := p.store.ListExpiredTrading(ctx, cutoff)
	if err != nil {
		p.log.WithError(err).Warn("list expired trades")
		return
	}
	for _, t := range expired {
		result, err := p.service.Cancel(ctx, t.SaleID)
		if err != nil {
			// ErrNoActiveTrade just means someone closed it first.
			if !errors.Is(err, ErrNoActiveTrade) {
				p.log.WithError(err).WithField("sale_id", t.SaleID).Warn("sweep cancel failed")
			}
			continue
		}
		if result.TooEarly {
			continue
		}
		p.log.WithField("transaction_id", t.ID).
			WithField("sale_id", t.SaleID).
			Info("stranded trade cancelled by sweeper")
	}
}
