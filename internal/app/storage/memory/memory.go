// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/freshloop/marketplace/internal/app/domain/listing"
	"github.com/freshloop/marketplace/internal/app/domain/participant"
	"github.com/freshloop/marketplace/internal/app/domain/trade"
	"github.com/freshloop/marketplace/internal/app/storage"
)

// Store holds all records behind a single mutex. Trade lifecycle methods
// perform their full read-modify-write under the lock, which gives the same
// atomicity the postgres store gets from its transaction boundary.
type Store struct {
	mu           sync.RWMutex
	nextID       int64
	participants map[int64]participant.Participant
	ingredients  map[int64]listing.Ingredient
	sales        map[int64]listing.Sale
	transactions map[int64]trade.Transaction
}

var _ storage.ParticipantStore = (*Store)(nil)
var _ storage.IngredientStore = (*Store)(nil)
var _ storage.SaleStore = (*Store)(nil)
var _ storage.TradeStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:       1,
		participants: make(map[int64]participant.Participant),
		ingredients:  make(map[int64]listing.Ingredient),
		sales:        make(map[int64]listing.Sale),
		transactions: make(map[int64]trade.Transaction),
	}
}

func (s *Store) nextIDLocked() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// ParticipantStore implementation ---------------------------------------------

func (s *Store) CreateParticipant(_ context.Context, p participant.Participant) (participant.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		p.ID = s.nextIDLocked()
	} else if _, exists := s.participants[p.ID]; exists {
		return participant.Participant{}, storage.ErrConflict
	}
	for _, existing := range s.participants {
		if existing.Email == p.Email {
			return participant.Participant{}, storage.ErrConflict
		}
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.participants[p.ID] = p
	return p, nil
}

func (s *Store) GetParticipant(_ context.Context, id int64) (participant.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return participant.Participant{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListParticipants(_ context.Context) ([]participant.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]participant.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) AdjustTrustScore(_ context.Context, id int64, delta float64) (participant.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.adjustTrustScoreLocked(id, delta)
}

func (s *Store) adjustTrustScoreLocked(id int64, delta float64) (participant.Participant, error) {
	p, ok := s.participants[id]
	if !ok {
		return participant.Participant{}, storage.ErrNotFound
	}
	p.TrustScore += delta
	p.UpdatedAt = time.Now().UTC()
	s.participants[id] = p
	return p, nil
}

// checkAdjustmentsLocked verifies every adjustment targets a known
// participant. Close operations run it before mutating anything so a bad
// adjustment cannot leave the trade half-closed.
func (s *Store) checkAdjustmentsLocked(adjustments []trade.TrustAdjustment) error {
	for _, adj := range adjustments {
		if _, ok := s.participants[adj.ParticipantID]; !ok {
			return storage.ErrNotFound
		}
	}
	return nil
}

// IngredientStore implementation ----------------------------------------------

func (s *Store) CreateIngredient(_ context.Context, ing listing.Ingredient) (listing.Ingredient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ing.ID == 0 {
		ing.ID = s.nextIDLocked()
	} else if _, exists := s.ingredients[ing.ID]; exists {
		return listing.Ingredient{}, storage.ErrConflict
	}
	now := time.Now().UTC()
	ing.CreatedAt = now
	ing.UpdatedAt = now
	s.ingredients[ing.ID] = ing
	return ing, nil
}

func (s *Store) GetIngredient(_ context.Context, id int64) (listing.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ing, ok := s.ingredients[id]
	if !ok {
		return listing.Ingredient{}, storage.ErrNotFound
	}
	return ing, nil
}

// SaleStore implementation ----------------------------------------------------

func (s *Store) CreateSale(_ context.Context, sale listing.Sale) (listing.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.ID == 0 {
		sale.ID = s.nextIDLocked()
	} else if _, exists := s.sales[sale.ID]; exists {
		return listing.Sale{}, storage.ErrConflict
	}
	if sale.Status == "" {
		sale.Status = listing.StatusAvailable
	}
	now := time.Now().UTC()
	sale.CreatedAt = now
	sale.UpdatedAt = now
	s.sales[sale.ID] = sale
	return sale, nil
}

func (s *Store) GetSale(_ context.Context, id int64) (listing.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return listing.Sale{}, storage.ErrNotFound
	}
	return sale, nil
}

func (s *Store) ListSales(_ context.Context, status listing.Status) ([]listing.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []listing.Sale
	for _, sale := range s.sales {
		if status == "" || sale.Status == status {
			out = append(out, sale)
		}
	}
	return out, nil
}

func (s *Store) DeleteSale(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return storage.ErrNotFound
	}
	if sale.Status != listing.StatusAvailable {
		return storage.ErrConflict
	}
	delete(s.sales, id)
	return nil
}

// TradeStore implementation ---------------------------------------------------

func (s *Store) OpenTrade(_ context.Context, t trade.Transaction) (trade.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[t.SaleID]
	if !ok {
		return trade.Transaction{}, storage.ErrNotFound
	}
	if sale.Status != listing.StatusAvailable {
		return trade.Transaction{}, storage.ErrConflict
	}
	for _, existing := range s.transactions {
		if existing.SaleID == t.SaleID && existing.Status == trade.StatusTrading {
			return trade.Transaction{}, storage.ErrConflict
		}
	}

	now := time.Now().UTC()
	t.ID = s.nextIDLocked()
	t.Status = trade.StatusTrading
	t.SellerArrivedAt = nil
	t.BuyerArrivedAt = nil
	t.CreatedAt = now
	t.UpdatedAt = now
	s.transactions[t.ID] = t

	sale.Status = listing.StatusTrading
	sale.UpdatedAt = now
	s.sales[sale.ID] = sale

	return t, nil
}

func (s *Store) GetTransaction(_ context.Context, id int64) (trade.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transactions[id]
	if !ok {
		return trade.Transaction{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *Store) ActiveTransaction(_ context.Context, saleID int64) (trade.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.transactions {
		if t.SaleID == saleID && t.Status == trade.StatusTrading {
			return t, nil
		}
	}
	return trade.Transaction{}, storage.ErrNotFound
}

func (s *Store) StampArrival(_ context.Context, transactionID int64, party trade.Party, at time.Time) (trade.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[transactionID]
	if !ok || t.Status != trade.StatusTrading {
		return trade.Transaction{}, false, storage.ErrNotFound
	}

	stamp := at.UTC()
	var stamped bool
	switch party {
	case trade.PartySeller:
		if t.SellerArrivedAt == nil {
			t.SellerArrivedAt = &stamp
			t.UpdatedAt = stamp
			stamped = true
		}
	case trade.PartyBuyer:
		if t.BuyerArrivedAt == nil {
			t.BuyerArrivedAt = &stamp
			t.UpdatedAt = stamp
			stamped = true
		}
	}
	s.transactions[transactionID] = t
	return t, stamped, nil
}

func (s *Store) CompleteTrade(_ context.Context, transactionID int64, adjustments []trade.TrustAdjustment) (trade.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[transactionID]
	if !ok || t.Status != trade.StatusTrading {
		return trade.Transaction{}, storage.ErrNotFound
	}
	if !t.BothArrived() {
		return trade.Transaction{}, storage.ErrConflict
	}
	if err := s.checkAdjustmentsLocked(adjustments); err != nil {
		return trade.Transaction{}, err
	}

	now := time.Now().UTC()
	t.Status = trade.StatusComplete
	t.UpdatedAt = now
	s.transactions[transactionID] = t

	if sale, ok := s.sales[t.SaleID]; ok {
		sale.Status = listing.StatusSoldOut
		sale.UpdatedAt = now

		if ing, ok := s.ingredients[sale.IngredientID]; ok {
			ing.Quantity -= sale.Quantity
			ing.UpdatedAt = now
			if ing.Quantity <= 0 {
				delete(s.ingredients, ing.ID)
				sale.IngredientID = 0
			} else {
				s.ingredients[ing.ID] = ing
			}
		}
		s.sales[sale.ID] = sale
	}

	for _, adj := range adjustments {
		if _, err := s.adjustTrustScoreLocked(adj.ParticipantID, adj.Delta); err != nil {
			return trade.Transaction{}, err
		}
	}
	return t, nil
}

func (s *Store) CancelTrade(_ context.Context, transactionID int64, expect trade.ArrivalState, adjustments []trade.TrustAdjustment) (trade.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[transactionID]
	if !ok || t.Status != trade.StatusTrading {
		return trade.Transaction{}, storage.ErrNotFound
	}
	if t.Arrivals() != expect {
		return trade.Transaction{}, storage.ErrConflict
	}
	if err := s.checkAdjustmentsLocked(adjustments); err != nil {
		return trade.Transaction{}, err
	}

	now := time.Now().UTC()
	t.Status = trade.StatusCancel
	t.UpdatedAt = now
	s.transactions[transactionID] = t

	if sale, ok := s.sales[t.SaleID]; ok {
		sale.Status = listing.StatusAvailable
		sale.UpdatedAt = now
		s.sales[sale.ID] = sale
	}

	for _, adj := range adjustments {
		if _, err := s.adjustTrustScoreLocked(adj.ParticipantID, adj.Delta); err != nil {
			return trade.Transaction{}, err
		}
	}
	return t, nil
}

func (s *Store) ListExpiredTrading(_ context.Context, before time.Time) ([]trade.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []trade.Transaction
	for _, t := range s.transactions {
		if t.Status == trade.StatusTrading && t.AppointmentAt.Before(before) {
			out = append(out, t)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].AppointmentAt.Before(out[j-1].AppointmentAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}
