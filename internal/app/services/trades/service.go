// Package trades implements the trade-completion coordinator: the state
// machine that takes a sale from Available through a geofence-verified
// meetup to a terminal Complete or Cancel outcome, adjusting participant
// trust scores along the way.
package trades

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/freshloop/marketplace/internal/app/domain/trade"
	"github.com/freshloop/marketplace/internal/app/geo"
	"github.com/freshloop/marketplace/internal/app/metrics"
	"github.com/freshloop/marketplace/internal/app/services/trust"
	"github.com/freshloop/marketplace/internal/app/storage"
	"github.com/freshloop/marketplace/pkg/logger"
)

// DefaultGraceWindow is how long past the appointment time a trade must be
// before it can be cancelled with penalty evaluation.
const DefaultGraceWindow = 10 * time.Minute

var (
	// ErrSaleNotFound is returned when the referenced sale does not exist.
	ErrSaleNotFound = errors.New("sale not found")
	// ErrActiveTradeExists is returned when the sale already has a Trading
	// transaction or is otherwise not open for trade.
	ErrActiveTradeExists = errors.New("sale already has an active trade")
	// ErrNoActiveTrade is returned when an operation requires a Trading
	// transaction and none exists for the sale.
	ErrNoActiveTrade = errors.New("no active trade for sale")
	// ErrPartyMismatch is returned when an arrival is reported by someone
	// who is neither the buyer nor the seller of the trade.
	ErrPartyMismatch = errors.New("party is neither buyer nor seller")
	// ErrFinalizeNotReady is returned when finalize is called before both
	// parties have verified arrivals. The call mutates nothing; calling it
	// again after the trade closed yields the same failure.
	ErrFinalizeNotReady = errors.New("trade cannot be finalized until both parties have arrived")
)

// CloseResult reports the outcome of a finalize or cancel call.
type CloseResult struct {
	Transaction trade.Transaction `json:"transaction"`

	// TooEarly is set when cancel was called before the grace window
	// elapsed; nothing was mutated.
	TooEarly bool `json:"too_early,omitempty"`

	// BuyerPunctual / SellerPunctual report, on finalize, whether each
	// party earned the punctuality bonus. The two are independent.
	BuyerPunctual  bool `json:"buyer_punctual,omitempty"`
	SellerPunctual bool `json:"seller_punctual,omitempty"`

	// PenaltyApplied is set when a cancel deducted the no-show penalty from
	// the absent party.
	PenaltyApplied bool `json:"penalty_applied,omitempty"`

	// PenaltyIndeterminate is set when both or neither party arrived before
	// the cancel: there is no deterministic penalty rule for that case, so
	// the trade closes with no reputation effect. Deciding an outcome here
	// is an open product question.
	PenaltyIndeterminate bool `json:"penalty_indeterminate,omitempty"`
}

// Config tunes the coordinator.
type Config struct {
	// ToleranceMeters is the geofence radius for arrival verification.
	// Zero selects geo.DefaultToleranceMeters.
	ToleranceMeters float64
	// GraceWindow is the delay past the appointment before cancel is
	// allowed. Zero selects DefaultGraceWindow.
	GraceWindow time.Duration
}

// Service coordinates trade lifecycles. All mutations funnel through the
// TradeStore's atomic operations; the service itself holds no lifecycle
// state beyond configuration.
type Service struct {
	participants storage.ParticipantStore
	sales        storage.SaleStore
	store        storage.TradeStore
	ledger       *trust.Service
	tolerance    float64
	grace        time.Duration
	now          func() time.Time
	log          *logger.Logger
}

// New constructs a trade coordinator.
func New(participants storage.ParticipantStore, sales storage.SaleStore, store storage.TradeStore, ledger *trust.Service, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("trades")
	}
	if cfg.ToleranceMeters <= 0 {
		cfg.ToleranceMeters = geo.DefaultToleranceMeters
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	return &Service{
		participants: participants,
		sales:        sales,
		store:        store,
		ledger:       ledger,
		tolerance:    cfg.ToleranceMeters,
		grace:        cfg.GraceWindow,
		now:          time.Now,
		log:          log,
	}
}

// Open starts a trade for an Available sale. The store enforces the
// single-active-trade invariant: a losing concurrent opener gets
// ErrActiveTradeExists, never a second Trading row.
func (s *Service) Open(ctx context.Context, buyerID, saleID int64, appointmentAt time.Time) (trade.Transaction, error) {
	if buyerID <= 0 {
		return trade.Transaction{}, fmt.Errorf("buyer_id is required")
	}
	if appointmentAt.IsZero() {
		return trade.Transaction{}, fmt.Errorf("appointment_at is required")
	}

	if s.participants != nil {
		if _, err := s.participants.GetParticipant(ctx, buyerID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return trade.Transaction{}, fmt.Errorf("buyer %d: %w", buyerID, err)
			}
			return trade.Transaction{}, fmt.Errorf("buyer validation failed: %w", err)
		}
	}

	t, err := s.store.OpenTrade(ctx, trade.Transaction{
		BuyerID:       buyerID,
		SaleID:        saleID,
		AppointmentAt: appointmentAt.UTC(),
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return trade.Transaction{}, ErrSaleNotFound
		case errors.Is(err, storage.ErrConflict):
			return trade.Transaction{}, ErrActiveTradeExists
		}
		return trade.Transaction{}, fmt.Errorf("open trade: %w", err)
	}

	metrics.ObserveTradeOpened()
	s.log.WithField("transaction_id", t.ID).
		WithField("sale_id", saleID).
		WithField("buyer_id", buyerID).
		Info("trade opened")
	return t, nil
}

// RecordArrival verifies a party's reported position against the sale's
// meeting point and stamps their arrival when inside the geofence. An
// out-of-tolerance report returns (false, nil): the party is expected to
// move closer and report again.
func (s *Service) RecordArrival(ctx context.Context, saleID, partyID int64, loc geo.Point) (bool, error) {
	if !loc.Valid() {
		return false, geo.ErrInvalidCoordinate
	}

	t, err := s.store.ActiveTransaction(ctx, saleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, ErrNoActiveTrade
		}
		return false, fmt.Errorf("lookup active trade: %w", err)
	}

	sale, err := s.sales.GetSale(ctx, saleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, ErrSaleNotFound
		}
		return false, fmt.Errorf("lookup sale: %w", err)
	}

	var party trade.Party
	switch partyID {
	case t.BuyerID:
		party = trade.PartyBuyer
	case sale.SellerID:
		party = trade.PartySeller
	default:
		return false, ErrPartyMismatch
	}

	distance, err := geo.Distance(loc, geo.Point{Lat: sale.MeetingLat, Lon: sale.MeetingLon})
	if err != nil {
		return false, err
	}
	if !geo.WithinTolerance(distance, s.tolerance) {
		s.log.WithField("transaction_id", t.ID).
			WithField("party", party).
			WithField("distance_m", distance).
			Debug("arrival outside geofence")
		return false, nil
	}

	_, stamped, err := s.store.StampArrival(ctx, t.ID, party, s.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, ErrNoActiveTrade
		}
		return false, fmt.Errorf("stamp arrival: %w", err)
	}

	// A repeat report from an already-stamped party is still a success for
	// the caller, but only the first stamp counts as an arrival.
	if stamped {
		metrics.ObserveArrivalRecorded(string(party))
		s.log.WithField("transaction_id", t.ID).
			WithField("party", party).
			WithField("distance_m", distance).
			Info("arrival verified")
	}
	return true, nil
}

// FinalizeSuccess closes a trade whose parties both arrived: the
// transaction goes to Complete, the sale to Sold Out, the linked stock is
// depleted, and each punctual party earns the trust bonus. Without both
// arrivals (or without an active trade at all) it mutates nothing and
// returns ErrFinalizeNotReady.
func (s *Service) FinalizeSuccess(ctx context.Context, saleID int64) (CloseResult, error) {
	t, err := s.store.ActiveTransaction(ctx, saleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return CloseResult{}, ErrFinalizeNotReady
		}
		return CloseResult{}, fmt.Errorf("lookup active trade: %w", err)
	}
	if !t.BothArrived() {
		return CloseResult{}, ErrFinalizeNotReady
	}

	sale, err := s.sales.GetSale(ctx, saleID)
	if err != nil {
		return CloseResult{}, fmt.Errorf("lookup sale: %w", err)
	}

	// Punctuality checks are independent: either party can earn the bonus
	// regardless of the other's timing.
	buyerPunctual := s.ledger.IsPunctual(*t.BuyerArrivedAt, t.AppointmentAt)
	sellerPunctual := s.ledger.IsPunctual(*t.SellerArrivedAt, t.AppointmentAt)

	var adjustments []trade.TrustAdjustment
	if buyerPunctual {
		adjustments = append(adjustments, trade.TrustAdjustment{ParticipantID: t.BuyerID, Delta: trust.PunctualBonus})
	}
	if sellerPunctual {
		adjustments = append(adjustments, trade.TrustAdjustment{ParticipantID: sale.SellerID, Delta: trust.PunctualBonus})
	}

	closed, err := s.store.CompleteTrade(ctx, t.ID, adjustments)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrConflict) {
			// Lost a close race or arrivals regressed under us; either way
			// nothing was mutated.
			return CloseResult{}, ErrFinalizeNotReady
		}
		return CloseResult{}, fmt.Errorf("complete trade: %w", err)
	}

	metrics.ObserveTradeClosed("complete")
	s.log.WithField("transaction_id", closed.ID).
		WithField("sale_id", saleID).
		WithField("buyer_punctual", buyerPunctual).
		WithField("seller_punctual", sellerPunctual).
		Info("trade completed")
	return CloseResult{
		Transaction:    closed,
		BuyerPunctual:  buyerPunctual,
		SellerPunctual: sellerPunctual,
	}, nil
}

// Cancel closes a trade that never finalized. Before appointment+grace the
// call is a no-op reporting TooEarly. Past the grace window the transaction
// goes to Cancel and the sale is released back to Available; if exactly one
// party arrived, the absent party pays the no-show penalty.
func (s *Service) Cancel(ctx context.Context, saleID int64) (CloseResult, error) {
	// The penalty is decided from a snapshot of the arrival pair, and the
	// store rejects the cancel with ErrConflict when an arrival lands
	// between the read and the write. Arrivals only ever move from unset to
	// set, so a couple of retries always converge.
	for attempt := 0; ; attempt++ {
		t, err := s.store.ActiveTransaction(ctx, saleID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return CloseResult{}, ErrNoActiveTrade
			}
			return CloseResult{}, fmt.Errorf("lookup active trade: %w", err)
		}

		if s.now().Before(t.AppointmentAt.Add(s.grace)) {
			return CloseResult{Transaction: t, TooEarly: true}, nil
		}

		arrivals := t.Arrivals()
		var (
			adjustments   []trade.TrustAdjustment
			indeterminate bool
		)
		switch {
		case arrivals.SellerArrived && !arrivals.BuyerArrived:
			adjustments = append(adjustments, trade.TrustAdjustment{ParticipantID: t.BuyerID, Delta: -trust.NoShowPenalty})
		case arrivals.BuyerArrived && !arrivals.SellerArrived:
			sale, err := s.sales.GetSale(ctx, saleID)
			if err != nil {
				return CloseResult{}, fmt.Errorf("lookup sale: %w", err)
			}
			adjustments = append(adjustments, trade.TrustAdjustment{ParticipantID: sale.SellerID, Delta: -trust.NoShowPenalty})
		default:
			// Both or neither arrived: no deterministic penalty rule exists
			// for this branch, so the trade closes with no reputation effect.
			indeterminate = true
		}

		closed, err := s.store.CancelTrade(ctx, t.ID, arrivals, adjustments)
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrNotFound):
				return CloseResult{}, ErrNoActiveTrade
			case errors.Is(err, storage.ErrConflict) && attempt < 2:
				continue
			}
			return CloseResult{}, fmt.Errorf("cancel trade: %w", err)
		}

		metrics.ObserveTradeClosed("cancel")
		s.log.WithField("transaction_id", closed.ID).
			WithField("sale_id", saleID).
			WithField("penalty_applied", len(adjustments) > 0).
			WithField("penalty_indeterminate", indeterminate).
			Info("trade cancelled")
		return CloseResult{
			Transaction:          closed,
			PenaltyApplied:       len(adjustments) > 0,
			PenaltyIndeterminate: indeterminate,
		}, nil
	}
}

// ActiveTransaction returns the current Trading transaction for a sale.
// The second return is false when none exists.
func (s *Service) ActiveTransaction(ctx context.Context, saleID int64) (trade.Transaction, bool, error) {
	t, err := s.store.ActiveTransaction(ctx, saleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return trade.Transaction{}, false, nil
		}
		return trade.Transaction{}, false, fmt.Errorf("lookup active trade: %w", err)
	}
	return t, true, nil
}
