// Package trade defines the record for one attempted trade against a sale.
// A transaction carries its own lifecycle independent of the sale listing:
// it is created Trading and closes exactly once, to Complete or Cancel.
package trade

import "time"

// Status is the lifecycle state of a transaction.
type Status string

const (
	// StatusTrading is the sole entry state; set when a buyer opens a trade.
	StatusTrading Status = "Trading"
	// StatusComplete is terminal; both parties arrived and the sale closed.
	StatusComplete Status = "Complete"
	// StatusCancel is terminal; the trade was abandoned past the grace window.
	StatusCancel Status = "Cancel"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCancel
}

// Party identifies which side of a trade reported an arrival.
type Party string

const (
	PartySeller Party = "seller"
	PartyBuyer  Party = "buyer"
)

// Transaction is one attempted trade of a sale. Arrival timestamps are nil
// until the corresponding party reports a position inside the geofence.
type Transaction struct {
	ID              int64      `db:"id" json:"id"`
	BuyerID         int64      `db:"buyer_id" json:"buyer_id"`
	SaleID          int64      `db:"sale_id" json:"sale_id"`
	AppointmentAt   time.Time  `db:"appointment_at" json:"appointment_at"`
	SellerArrivedAt *time.Time `db:"seller_arrived_at" json:"seller_arrived_at,omitempty"`
	BuyerArrivedAt  *time.Time `db:"buyer_arrived_at" json:"buyer_arrived_at,omitempty"`
	Status          Status     `db:"status" json:"status"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// BothArrived reports whether both arrival timestamps are set.
func (t Transaction) BothArrived() bool {
	return t.SellerArrivedAt != nil && t.BuyerArrivedAt != nil
}

// ArrivalState is the pair of arrival facts a caller observed on a
// transaction. Cancel decisions derive from it, so stores take it as an
// optimistic-concurrency check: a cancel carrying a stale ArrivalState is
// rejected rather than applied against state the caller never saw.
type ArrivalState struct {
	SellerArrived bool
	BuyerArrived  bool
}

// Arrivals returns the transaction's current arrival state.
func (t Transaction) Arrivals() ArrivalState {
	return ArrivalState{
		SellerArrived: t.SellerArrivedAt != nil,
		BuyerArrived:  t.BuyerArrivedAt != nil,
	}
}

// TrustAdjustment is a fixed-magnitude reputation delta applied to a
// participant as part of closing a trade. The store applies adjustments in
// the same transaction boundary as the status change so reputation never
// diverges from the trade outcome.
type TrustAdjustment struct {
	ParticipantID int64
	Delta         float64
}
