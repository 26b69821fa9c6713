package app

import (
	"context"
	"fmt"
	"time"

	"github.com/freshloop/marketplace/internal/app/services/listings"
	"github.com/freshloop/marketplace/internal/app/services/participants"
	"github.com/freshloop/marketplace/internal/app/services/trades"
	"github.com/freshloop/marketplace/internal/app/services/trust"
	"github.com/freshloop/marketplace/internal/app/storage"
	"github.com/freshloop/marketplace/internal/app/storage/memory"
	"github.com/freshloop/marketplace/internal/app/system"
	"github.com/freshloop/marketplace/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Participants storage.ParticipantStore
	Ingredients  storage.IngredientStore
	Sales        storage.SaleStore
	Trades       storage.TradeStore
}

// Options tunes application behaviour beyond defaults.
type Options struct {
	// Trade configures the trade coordinator (geofence tolerance, grace
	// window). Zero values select the coordinator defaults.
	Trade trades.Config

	// SweepInterval enables the background sweeper that cancels trades
	// stranded past the grace window. Zero disables it.
	SweepInterval time.Duration
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Participants *participants.Service
	Listings     *listings.Service
	Trust        *trust.Service
	Trades       *trades.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Participants == nil {
		stores.Participants = mem
	}
	if stores.Ingredients == nil {
		stores.Ingredients = mem
	}
	if stores.Sales == nil {
		stores.Sales = mem
	}
	if stores.Trades == nil {
		stores.Trades = mem
	}

	manager := system.NewManager()

	participantService := participants.New(stores.Participants, log)
	listingService := listings.New(stores.Participants, stores.Ingredients, stores.Sales, log)
	trustService := trust.New(stores.Participants, log)
	tradeService := trades.New(stores.Participants, stores.Sales, stores.Trades, trustService, opts.Trade, log)

	for _, name := range []string{"participants", "listings", "trades"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	if opts.SweepInterval > 0 {
		sweeper := trades.NewExpirySweeper(stores.Trades, tradeService, opts.SweepInterval, log)
		if err := manager.Register(sweeper); err != nil {
			return nil, fmt.Errorf("register %s: %w", sweeper.Name(), err)
		}
	} else {
		log.Warn("trade sweeper disabled; stranded trades must be cancelled by callers")
	}

	return &Application{
		manager:      manager,
		log:          log,
		Participants: participantService,
		Listings:     listingService,
		Trust:        trustService,
		Trades:       tradeService,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
