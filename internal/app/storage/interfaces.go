// Package storage declares the persistence interfaces the marketplace
// services operate against. Two implementations exist: an in-memory store
// for tests and local development, and a PostgreSQL store for production.
//
// Trade mutations are semantic, atomic operations rather than raw CRUD:
// every method that moves a transaction through its lifecycle executes as a
// single read-modify-write against the store so concurrent callers can never
// observe or create divergent state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/freshloop/marketplace/internal/app/domain/listing"
	"github.com/freshloop/marketplace/internal/app/domain/participant"
	"github.com/freshloop/marketplace/internal/app/domain/trade"
)

// ErrNotFound is returned when a requested record does not exist. Trade
// lookups also return it when no Trading transaction exists for a sale.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a write loses a uniqueness race, most
// importantly when a second Trading transaction is attempted for a sale.
var ErrConflict = errors.New("storage: conflict")

// ParticipantStore persists marketplace members and their trust scores.
type ParticipantStore interface {
	CreateParticipant(ctx context.Context, p participant.Participant) (participant.Participant, error)
	GetParticipant(ctx context.Context, id int64) (participant.Participant, error)
	ListParticipants(ctx context.Context) ([]participant.Participant, error)

	// AdjustTrustScore adds delta to the participant's trust score as one
	// atomic update and returns the updated record.
	AdjustTrustScore(ctx context.Context, id int64, delta float64) (participant.Participant, error)
}

// IngredientStore persists ingredient stock records.
type IngredientStore interface {
	CreateIngredient(ctx context.Context, ing listing.Ingredient) (listing.Ingredient, error)
	GetIngredient(ctx context.Context, id int64) (listing.Ingredient, error)
}

// SaleStore persists sale listings.
type SaleStore interface {
	CreateSale(ctx context.Context, s listing.Sale) (listing.Sale, error)
	GetSale(ctx context.Context, id int64) (listing.Sale, error)

	// ListSales returns sales filtered by status; an empty status returns all.
	ListSales(ctx context.Context, status listing.Status) ([]listing.Sale, error)

	// DeleteSale removes an Available sale. Sales held by a trade or already
	// sold return ErrConflict.
	DeleteSale(ctx context.Context, id int64) error
}

// TradeStore persists transactions and enforces the trade lifecycle
// invariants at the storage boundary.
type TradeStore interface {
	// OpenTrade inserts t (which must carry StatusTrading) and flips the
	// linked sale to Trading, atomically. It returns ErrNotFound when the
	// sale does not exist and ErrConflict when the sale is not Available or
	// another Trading transaction already holds it. The uniqueness check is
	// store-enforced: a losing concurrent writer gets ErrConflict, never a
	// duplicate row.
	OpenTrade(ctx context.Context, t trade.Transaction) (trade.Transaction, error)

	GetTransaction(ctx context.Context, id int64) (trade.Transaction, error)

	// ActiveTransaction returns the single Trading transaction for a sale,
	// or ErrNotFound.
	ActiveTransaction(ctx context.Context, saleID int64) (trade.Transaction, error)

	// StampArrival sets the party's arrival timestamp if the transaction is
	// still Trading and the timestamp is unset; an already-set timestamp is
	// left untouched. The bool reports whether this call set the timestamp,
	// false on a repeat stamp. Returns ErrNotFound if the transaction closed
	// in the meantime.
	StampArrival(ctx context.Context, transactionID int64, party trade.Party, at time.Time) (trade.Transaction, bool, error)

	// CompleteTrade moves a Trading transaction with both arrivals set to
	// Complete, marks the sale Sold Out, depletes the linked stock by the
	// traded quantity (removing and detaching it at zero) and applies the
	// trust adjustments, all in one transaction boundary. Returns
	// ErrNotFound when no such Trading row exists and ErrConflict when the
	// row is Trading but arrivals are incomplete.
	CompleteTrade(ctx context.Context, transactionID int64, adjustments []trade.TrustAdjustment) (trade.Transaction, error)

	// CancelTrade moves a Trading transaction to Cancel, releases the sale
	// back to Available and applies the trust adjustments, all in one
	// transaction boundary. The adjustments were derived from expect, so the
	// store re-checks the arrival state under its lock and returns
	// ErrConflict, mutating nothing, when an arrival landed since the caller
	// read the row. Returns ErrNotFound when the row is not Trading.
	CancelTrade(ctx context.Context, transactionID int64, expect trade.ArrivalState, adjustments []trade.TrustAdjustment) (trade.Transaction, error)

	// ListExpiredTrading returns Trading transactions whose appointment time
	// is before the given instant, oldest first.
	ListExpiredTrading(ctx context.Context, before time.Time) ([]trade.Transaction, error)
}
