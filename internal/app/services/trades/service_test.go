package trades

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freshloop/marketplace/internal/app/domain/listing"
	"github.com/freshloop/marketplace/internal/app/domain/participant"
	"github.com/freshloop/marketplace/internal/app/domain/trade"
	"github.com/freshloop/marketplace/internal/app/geo"
	"github.com/freshloop/marketplace/internal/app/metrics"
	"github.com/freshloop/marketplace/internal/app/services/trust"
	"github.com/freshloop/marketplace/internal/app/storage/memory"
)

var meetingPoint = geo.Point{Lat: 37.5663, Lon: 126.9779}

// farAway is roughly 2.4km north of the meeting point.
var farAway = geo.Point{Lat: 37.5880, Lon: 126.9779}

type fixture struct {
	store  *memory.Store
	svc    *Service
	seller participant.Participant
	buyer  participant.Participant
	sale   listing.Sale
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	seller, err := store.CreateParticipant(ctx, participant.Participant{Name: "seller", Email: "seller@example.com"})
	require.NoError(t, err)
	buyer, err := store.CreateParticipant(ctx, participant.Participant{Name: "buyer", Email: "buyer@example.com"})
	require.NoError(t, err)

	ing, err := store.CreateIngredient(ctx, listing.Ingredient{Name: "onion", Category: "vegetable", Quantity: 2, ExpiryAt: time.Now().Add(48 * time.Hour)})
	require.NoError(t, err)

	sale, err := store.CreateSale(ctx, listing.Sale{
		SellerID:       seller.ID,
		IngredientID:   ing.ID,
		IngredientName: ing.Name,
		Quantity:       2,
		Value:          3.5,
		MeetingLat:     meetingPoint.Lat,
		MeetingLon:     meetingPoint.Lon,
	})
	require.NoError(t, err)

	ledger := trust.New(store, nil)
	svc := New(store, store, store, ledger, Config{}, nil)

	f := &fixture{store: store, svc: svc, seller: seller, buyer: buyer, sale: sale}
	f.clock = time.Date(2026, 8, 1, 18, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) open(t *testing.T, appointment time.Time) trade.Transaction {
	t.Helper()
	tx, err := f.svc.Open(context.Background(), f.buyer.ID, f.sale.ID, appointment)
	require.NoError(t, err)
	return tx
}

func (f *fixture) trustScore(t *testing.T, id int64) float64 {
	t.Helper()
	p, err := f.store.GetParticipant(context.Background(), id)
	require.NoError(t, err)
	return p.TrustScore
}

func TestOpenValidations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appointment := f.clock.Add(time.Hour)

	_, err := f.svc.Open(ctx, 0, f.sale.ID, appointment)
	require.Error(t, err)

	_, err = f.svc.Open(ctx, f.buyer.ID, f.sale.ID, time.Time{})
	require.Error(t, err)

	_, err = f.svc.Open(ctx, f.buyer.ID, 404, appointment)
	require.ErrorIs(t, err, ErrSaleNotFound)

	_, err = f.svc.Open(ctx, 404, f.sale.ID, appointment)
	require.Error(t, err)
}

func TestOpenConflictOnSecondTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appointment := f.clock.Add(time.Hour)

	f.open(t, appointment)

	_, err := f.svc.Open(ctx, f.buyer.ID, f.sale.ID, appointment)
	require.ErrorIs(t, err, ErrActiveTradeExists)
}

func TestRecordArrivalOutsideGeofence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, f.clock.Add(time.Hour))

	arrived, err := f.svc.RecordArrival(ctx, f.sale.ID, f.buyer.ID, farAway)
	require.NoError(t, err)
	require.False(t, arrived)

	tx, ok, err := f.svc.ActiveTransaction(ctx, f.sale.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, tx.BuyerArrivedAt, "out-of-tolerance report must not stamp an arrival")
}

func TestRecordArrivalWithinGeofence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, f.clock.Add(time.Hour))

	arrived, err := f.svc.RecordArrival(ctx, f.sale.ID, f.seller.ID, meetingPoint)
	require.NoError(t, err)
	require.True(t, arrived)

	tx, ok, err := f.svc.ActiveTransaction(ctx, f.sale.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, tx.SellerArrivedAt)
	require.Nil(t, tx.BuyerArrivedAt)
}

func TestRecordArrivalErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordArrival(ctx, f.sale.ID, f.buyer.ID, meetingPoint)
	require.ErrorIs(t, err, ErrNoActiveTrade)

	f.open(t, f.clock.Add(time.Hour))

	_, err = f.svc.RecordArrival(ctx, f.sale.ID, 9999, meetingPoint)
	require.ErrorIs(t, err, ErrPartyMismatch)

	_, err = f.svc.RecordArrival(ctx, f.sale.ID, f.buyer.ID, geo.Point{Lat: 91, Lon: 0})
	require.ErrorIs(t, err, geo.ErrInvalidCoordinate)
}

func TestFinalizeRequiresBothArrivals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, f.clock.Add(time.Hour))

	_, err := f.svc.FinalizeSuccess(ctx, f.sale.ID)
	require.ErrorIs(t, err, ErrFinalizeNotReady)

	_, err = f.svc.RecordArrival(ctx, f.sale.ID, f.seller.ID, meetingPoint)
	require.NoError(t, err)

	_, err = f.svc.FinalizeSuccess(ctx, f.sale.ID)
	require.ErrorIs(t, err, ErrFinalizeNotReady)

	// Nothing was mutated by the failed attempts.
	sale, err := f.store.GetSale(ctx, f.sale.ID)
	require.NoError(t, err)
	require.Equal(t, listing.StatusTrading, sale.Status)
}

func TestFinalizeEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appointment := f.clock.Add(time.Hour)
	f.open(t, appointment)

	// Both parties arrive before the appointment time.
	arrived, err := f.svc.RecordArrival(ctx, f.sale.ID, f.seller.ID, meetingPoint)
	require.NoError(t, err)
	require.True(t, arrived)
	arrived, err = f.svc.RecordArrival(ctx, f.sale.ID, f.buyer.ID, meetingPoint)
	require.NoError(t, err)
	require.True(t, arrived)

	result, err := f.svc.FinalizeSuccess(ctx, f.sale.ID)
	require.NoError(t, err)
	require.Equal(t, trade.StatusComplete, result.Transaction.Status)
	require.True(t, result.BuyerPunctual)
	require.True(t, result.SellerPunctual)

	sale, err := f.store.GetSale(ctx, f.sale.ID)
	require.NoError(t, err)
	require.Equal(t, listing.StatusSoldOut, sale.Status)

	require.Equal(t, 0.5, f.trustScore(t, f.buyer.ID))
	require.Equal(t, 0.5, f.trustScore(t, f.seller.ID))

	// A second finalize is a no-op failure, not a corruption.
	_, err = f.svc.FinalizeSuccess(ctx, f.sale.ID)
	require.ErrorIs(t, err, ErrFinalizeNotReady)
}

func TestFinalizePunctualityIsIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appointment := f.clock.Add(30 * time.Minute)
	f.open(t, appointment)

	// Seller arrives before the appointment, buyer after it.
	_, err := f.svc.RecordArrival(ctx, f.sale.ID, f.seller.ID, meetingPoint)
	require.NoError(t, err)

	f.clock = appointment.Add(5 * time.Minute)
	_, err = f.svc.RecordArrival(ctx, f.sale.ID, f.buyer.ID, meetingPoint)
	require.NoError(t, err)

	result, err := f.svc.FinalizeSuccess(ctx, f.sale.ID)
	require.NoError(t, err)
	require.True(t, result.SellerPunctual)
	require.False(t, result.BuyerPunctual)

	require.Equal(t, 0.5, f.trustScore(t, f.seller.ID))
	require.Equal(t, 0.0, f.trustScore(t, f.buyer.ID))
}

func TestCancelTooEarly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appointment := f.clock.Add(time.Hour)
	f.open(t, appointment)

	// Even just before the grace window closes, cancel mutates nothing.
	f.clock = appointment.Add(DefaultGraceWindow - time.Second)
	result, err := f.svc.Cancel(ctx, f.sale.ID)
	require.NoError(t, err)
	require.True(t, result.TooEarly)

	tx, ok, err := f.svc.ActiveTransaction(ctx, f.sale.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, trade.StatusTrading, tx.Status)
}

func TestCancelNoShowPenalty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appointment := f.clock.Add(time.Hour)
	f.open(t, appointment)

	// Only the seller shows up.
	_, err := f.svc.RecordArrival(ctx, f.sale.ID, f.seller.ID, meetingPoint)
	require.NoError(t, err)

	f.clock = appointment.Add(DefaultGraceWindow + time.Second)
	result, err := f.svc.Cancel(ctx, f.sale.ID)
	require.NoError(t, err)
	require.Equal(t, trade.StatusCancel, result.Transaction.Status)
	require.True(t, result.PenaltyApplied)
	require.False(t, result.PenaltyIndeterminate)

	require.Equal(t, -15.0, f.trustScore(t, f.buyer.ID))
	require.Equal(t, 0.0, f.trustScore(t, f.seller.ID))

	sale, err := f.store.GetSale(ctx, f.sale.ID)
	require.NoError(t, err)
	require.Equal(t, listing.StatusAvailable, sale.Status)
}

func TestCancelSellerNoShowPenalty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appointment := f.clock.Add(time.Hour)
	f.open(t, appointment)

	_, err := f.svc.RecordArrival(ctx, f.sale.ID, f.buyer.ID, meetingPoint)
	require.NoError(t, err)

	f.clock = appointment.Add(DefaultGraceWindow + time.Second)
	result, err := f.svc.Cancel(ctx, f.sale.ID)
	require.NoError(t, err)
	require.True(t, result.PenaltyApplied)

	require.Equal(t, -15.0, f.trustScore(t, f.seller.ID))
	require.Equal(t, 0.0, f.trustScore(t, f.buyer.ID))
}

func TestCancelNeitherArrivedIsIndeterminate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appointment := f.clock.Add(time.Hour)
	f.open(t, appointment)

	f.clock = appointment.Add(DefaultGraceWindow + time.Second)
	result, err := f.svc.Cancel(ctx, f.sale.ID)
	require.NoError(t, err)
	require.Equal(t, trade.StatusCancel, result.Transaction.Status)
	require.False(t, result.PenaltyApplied)
	require.True(t, result.PenaltyIndeterminate)

	require.Equal(t, 0.0, f.trustScore(t, f.buyer.ID))
	require.Equal(t, 0.0, f.trustScore(t, f.seller.ID))

	sale, err := f.store.GetSale(ctx, f.sale.ID)
	require.NoError(t, err)
	require.Equal(t, listing.StatusAvailable, sale.Status)
}

func TestCancelBothArrivedIsIndeterminate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appointment := f.clock.Add(time.Hour)
	f.open(t, appointment)

	_, err := f.svc.RecordArrival(ctx, f.sale.ID, f.seller.ID, meetingPoint)
	require.NoError(t, err)
	_, err = f.svc.RecordArrival(ctx, f.sale.ID, f.buyer.ID, meetingPoint)
	require.NoError(t, err)

	f.clock = appointment.Add(DefaultGraceWindow + time.Second)
	result, err := f.svc.Cancel(ctx, f.sale.ID)
	require.NoError(t, err)
	require.False(t, result.PenaltyApplied)
	require.True(t, result.PenaltyIndeterminate)
	require.Equal(t, 0.0, f.trustScore(t, f.buyer.ID))
	require.Equal(t, 0.0, f.trustScore(t, f.seller.ID))
}

// arrivalDuringCancelStore stamps an arrival right before the first cancel
// write, simulating a party reporting in between the coordinator's read and
// the store's commit.
type arrivalDuringCancelStore struct {
	*memory.Store
	party   trade.Party
	stamped bool
}

func (s *arrivalDuringCancelStore) CancelTrade(ctx context.Context, transactionID int64, expect trade.ArrivalState, adjustments []trade.TrustAdjustment) (trade.Transaction, error) {
	if !s.stamped {
		s.stamped = true
		if _, _, err := s.Store.StampArrival(ctx, transactionID, s.party, time.Now()); err != nil {
			return trade.Transaction{}, err
		}
	}
	return s.Store.CancelTrade(ctx, transactionID, expect, adjustments)
}

func TestCancelRecomputesPenaltyWhenArrivalLands(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	seller, err := store.CreateParticipant(ctx, participant.Participant{Name: "seller", Email: "seller@example.com"})
	require.NoError(t, err)
	buyer, err := store.CreateParticipant(ctx, participant.Participant{Name: "buyer", Email: "buyer@example.com"})
	require.NoError(t, err)
	sale, err := store.CreateSale(ctx, listing.Sale{
		SellerID:       seller.ID,
		IngredientName: "onion",
		Quantity:       2,
		MeetingLat:     meetingPoint.Lat,
		MeetingLon:     meetingPoint.Lon,
	})
	require.NoError(t, err)

	racy := &arrivalDuringCancelStore{Store: store, party: trade.PartyBuyer}
	svc := New(store, store, racy, trust.New(store, nil), Config{}, nil)
	clock := time.Date(2026, 8, 1, 18, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	appointment := clock.Add(time.Hour)
	_, err = svc.Open(ctx, buyer.ID, sale.ID, appointment)
	require.NoError(t, err)
	_, err = svc.RecordArrival(ctx, sale.ID, seller.ID, meetingPoint)
	require.NoError(t, err)

	// The buyer's arrival lands mid-cancel; the store rejects the stale
	// penalty decision and the retry sees both parties arrived.
	clock = appointment.Add(DefaultGraceWindow + time.Second)
	result, err := svc.Cancel(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, trade.StatusCancel, result.Transaction.Status)
	require.False(t, result.PenaltyApplied)
	require.True(t, result.PenaltyIndeterminate)

	gotBuyer, err := store.GetParticipant(ctx, buyer.ID)
	require.NoError(t, err)
	require.Equal(t, 0.0, gotBuyer.TrustScore, "an arrived party must not pay the no-show penalty")
	gotSeller, err := store.GetParticipant(ctx, seller.ID)
	require.NoError(t, err)
	require.Equal(t, 0.0, gotSeller.TrustScore)

	gotSale, err := store.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, listing.StatusAvailable, gotSale.Status)
}

func arrivalCount(t *testing.T, party string) float64 {
	t.Helper()
	families, err := metrics.Registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "marketplace_trades_arrivals_recorded_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "party" && l.GetValue() == party {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRecordArrivalRepeatCountsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, f.clock.Add(time.Hour))

	before := arrivalCount(t, string(trade.PartyBuyer))

	// Both reports succeed for the caller, but only the first one is a new
	// arrival.
	arrived, err := f.svc.RecordArrival(ctx, f.sale.ID, f.buyer.ID, meetingPoint)
	require.NoError(t, err)
	require.True(t, arrived)
	arrived, err = f.svc.RecordArrival(ctx, f.sale.ID, f.buyer.ID, meetingPoint)
	require.NoError(t, err)
	require.True(t, arrived)

	require.Equal(t, before+1, arrivalCount(t, string(trade.PartyBuyer)))
}

func TestCancelWithoutActiveTrade(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Cancel(context.Background(), f.sale.ID)
	require.ErrorIs(t, err, ErrNoActiveTrade)
}

func TestSaleReleasedAfterCancelCanBeTradedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appointment := f.clock.Add(time.Hour)
	f.open(t, appointment)

	f.clock = appointment.Add(DefaultGraceWindow + time.Second)
	_, err := f.svc.Cancel(ctx, f.sale.ID)
	require.NoError(t, err)

	// A closed trade never reopens; a fresh one must be created.
	tx, err := f.svc.Open(ctx, f.buyer.ID, f.sale.ID, f.clock.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, trade.StatusTrading, tx.Status)
}

func TestActiveTransactionLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, ok, err := f.svc.ActiveTransaction(ctx, f.sale.ID)
	require.NoError(t, err)
	require.False(t, ok)

	opened := f.open(t, f.clock.Add(time.Hour))

	tx, ok, err := f.svc.ActiveTransaction(ctx, f.sale.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, opened.ID, tx.ID)
}
