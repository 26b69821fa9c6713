// Package postgres implements the storage interfaces backed by PostgreSQL.
//
// The single-Trading-per-sale invariant is enforced by a partial unique
// index on transactions(sale_id) WHERE status = 'Trading'; a concurrent
// opener that loses the race receives a unique violation which is mapped to
// storage.ErrConflict. Lifecycle mutations run inside a database transaction
// with row locks, so arrival stamps and close operations are atomic
// read-modify-writes.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/freshloop/marketplace/internal/app/domain/listing"
	"github.com/freshloop/marketplace/internal/app/domain/participant"
	"github.com/freshloop/marketplace/internal/app/domain/trade"
	"github.com/freshloop/marketplace/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.ParticipantStore = (*Store)(nil)
var _ storage.IngredientStore = (*Store)(nil)
var _ storage.SaleStore = (*Store)(nil)
var _ storage.TradeStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// --- ParticipantStore -------------------------------------------------------

const participantColumns = `id, name, email, trust_score, created_at, updated_at`

func (s *Store) CreateParticipant(ctx context.Context, p participant.Participant) (participant.Participant, error) {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO participants (name, email, trust_score, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, p.Name, p.Email, p.TrustScore, p.CreatedAt, p.UpdatedAt).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return participant.Participant{}, storage.ErrConflict
		}
		return participant.Participant{}, err
	}
	return p, nil
}

func (s *Store) GetParticipant(ctx context.Context, id int64) (participant.Participant, error) {
	var p participant.Participant
	err := s.db.GetContext(ctx, &p, `
		SELECT `+participantColumns+` FROM participants WHERE id = $1
	`, id)
	if err != nil {
		return participant.Participant{}, mapNoRows(err)
	}
	return p, nil
}

func (s *Store) ListParticipants(ctx context.Context) ([]participant.Participant, error) {
	var out []participant.Participant
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+participantColumns+` FROM participants ORDER BY id
	`)
	return out, err
}

func (s *Store) AdjustTrustScore(ctx context.Context, id int64, delta float64) (participant.Participant, error) {
	var p participant.Participant
	err := s.db.GetContext(ctx, &p, `
		UPDATE participants
		SET trust_score = trust_score + $2, updated_at = $3
		WHERE id = $1
		RETURNING `+participantColumns+`
	`, id, delta, time.Now().UTC())
	if err != nil {
		return participant.Participant{}, mapNoRows(err)
	}
	return p, nil
}

// --- IngredientStore --------------------------------------------------------

type ingredientRow struct {
	ID           int64     `db:"id"`
	Name         string    `db:"name"`
	Category     string    `db:"category"`
	ExpiryAt     time.Time `db:"expiry_at"`
	Value        float64   `db:"value"`
	Quantity     int       `db:"quantity"`
	NutritionRaw []byte    `db:"nutrition"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r ingredientRow) toDomain() listing.Ingredient {
	ing := listing.Ingredient{
		ID:        r.ID,
		Name:      r.Name,
		Category:  r.Category,
		ExpiryAt:  r.ExpiryAt,
		Value:     r.Value,
		Quantity:  r.Quantity,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.NutritionRaw) > 0 {
		_ = json.Unmarshal(r.NutritionRaw, &ing.Nutrition)
	}
	return ing
}

func (s *Store) CreateIngredient(ctx context.Context, ing listing.Ingredient) (listing.Ingredient, error) {
	now := time.Now().UTC()
	ing.CreatedAt = now
	ing.UpdatedAt = now

	nutritionJSON, err := json.Marshal(ing.Nutrition)
	if err != nil {
		return listing.Ingredient{}, err
	}

	err = s.db.QueryRowxContext(ctx, `
		INSERT INTO ingredients (name, category, expiry_at, value, quantity, nutrition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, ing.Name, ing.Category, ing.ExpiryAt, ing.Value, ing.Quantity, nutritionJSON, ing.CreatedAt, ing.UpdatedAt).Scan(&ing.ID)
	if err != nil {
		return listing.Ingredient{}, err
	}
	return ing, nil
}

func (s *Store) GetIngredient(ctx context.Context, id int64) (listing.Ingredient, error) {
	var row ingredientRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, category, expiry_at, value, quantity, nutrition, created_at, updated_at
		FROM ingredients WHERE id = $1
	`, id)
	if err != nil {
		return listing.Ingredient{}, mapNoRows(err)
	}
	return row.toDomain(), nil
}

// --- SaleStore --------------------------------------------------------------

const saleColumns = `id, seller_id, COALESCE(ingredient_id, 0) AS ingredient_id, ingredient_name,
	quantity, value, meeting_lat, meeting_lon, status, created_at, updated_at`

func (s *Store) CreateSale(ctx context.Context, sale listing.Sale) (listing.Sale, error) {
	if sale.Status == "" {
		sale.Status = listing.StatusAvailable
	}
	now := time.Now().UTC()
	sale.CreatedAt = now
	sale.UpdatedAt = now

	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO sales (seller_id, ingredient_id, ingredient_name, quantity, value, meeting_lat, meeting_lon, status, created_at, updated_at)
		VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, sale.SellerID, sale.IngredientID, sale.IngredientName, sale.Quantity, sale.Value,
		sale.MeetingLat, sale.MeetingLon, sale.Status, sale.CreatedAt, sale.UpdatedAt).Scan(&sale.ID)
	if err != nil {
		return listing.Sale{}, err
	}
	return sale, nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (listing.Sale, error) {
	var sale listing.Sale
	err := s.db.GetContext(ctx, &sale, `
		SELECT `+saleColumns+` FROM sales WHERE id = $1
	`, id)
	if err != nil {
		return listing.Sale{}, mapNoRows(err)
	}
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, status listing.Status) ([]listing.Sale, error) {
	var out []listing.Sale
	if status == "" {
		err := s.db.SelectContext(ctx, &out, `
			SELECT `+saleColumns+` FROM sales ORDER BY id
		`)
		return out, err
	}
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+saleColumns+` FROM sales WHERE status = $1 ORDER BY id
	`, status)
	return out, err
}

func (s *Store) DeleteSale(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sales WHERE id = $1 AND status = $2
	`, id, listing.StatusAvailable)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Distinguish a missing sale from one held by a trade or sold.
		var status listing.Status
		err := s.db.GetContext(ctx, &status, `SELECT status FROM sales WHERE id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		return storage.ErrConflict
	}
	return nil
}

// --- TradeStore -------------------------------------------------------------

const transactionColumns = `id, buyer_id, sale_id, appointment_at, seller_arrived_at, buyer_arrived_at, status, created_at, updated_at`

func (s *Store) OpenTrade(ctx context.Context, t trade.Transaction) (trade.Transaction, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return trade.Transaction{}, err
	}
	defer tx.Rollback()

	var sale listing.Sale
	err = tx.GetContext(ctx, &sale, `
		SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE
	`, t.SaleID)
	if err != nil {
		return trade.Transaction{}, mapNoRows(err)
	}
	if sale.Status != listing.StatusAvailable {
		return trade.Transaction{}, storage.ErrConflict
	}

	now := time.Now().UTC()
	t.Status = trade.StatusTrading
	t.SellerArrivedAt = nil
	t.BuyerArrivedAt = nil
	t.CreatedAt = now
	t.UpdatedAt = now

	// The partial unique index on (sale_id) WHERE status='Trading' turns a
	// lost open race into a unique violation here.
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO transactions (buyer_id, sale_id, appointment_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id
	`, t.BuyerID, t.SaleID, t.AppointmentAt, t.Status, now).Scan(&t.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return trade.Transaction{}, storage.ErrConflict
		}
		return trade.Transaction{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sales SET status = $2, updated_at = $3 WHERE id = $1
	`, t.SaleID, listing.StatusTrading, now); err != nil {
		return trade.Transaction{}, err
	}

	if err := tx.Commit(); err != nil {
		return trade.Transaction{}, err
	}
	return t, nil
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (trade.Transaction, error) {
	var t trade.Transaction
	err := s.db.GetContext(ctx, &t, `
		SELECT `+transactionColumns+` FROM transactions WHERE id = $1
	`, id)
	if err != nil {
		return trade.Transaction{}, mapNoRows(err)
	}
	return t, nil
}

func (s *Store) ActiveTransaction(ctx context.Context, saleID int64) (trade.Transaction, error) {
	var t trade.Transaction
	err := s.db.GetContext(ctx, &t, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE sale_id = $1 AND status = $2
	`, saleID, trade.StatusTrading)
	if err != nil {
		return trade.Transaction{}, mapNoRows(err)
	}
	return t, nil
}

func (s *Store) StampArrival(ctx context.Context, transactionID int64, party trade.Party, at time.Time) (trade.Transaction, bool, error) {
	var query string
	switch party {
	case trade.PartySeller:
		query = `
			UPDATE transactions SET seller_arrived_at = $2, updated_at = $2
			WHERE id = $1 AND status = $3 AND seller_arrived_at IS NULL`
	case trade.PartyBuyer:
		query = `
			UPDATE transactions SET buyer_arrived_at = $2, updated_at = $2
			WHERE id = $1 AND status = $3 AND buyer_arrived_at IS NULL`
	default:
		return trade.Transaction{}, false, storage.ErrNotFound
	}

	result, err := s.db.ExecContext(ctx, query, transactionID, at.UTC(), trade.StatusTrading)
	if err != nil {
		return trade.Transaction{}, false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return trade.Transaction{}, false, err
	}

	// Zero rows affected means either the stamp was already set (fine) or
	// the trade closed underneath us; the re-read distinguishes the two.
	t, err := s.GetTransaction(ctx, transactionID)
	if err != nil {
		return trade.Transaction{}, false, err
	}
	if t.Status != trade.StatusTrading {
		return trade.Transaction{}, false, storage.ErrNotFound
	}
	return t, affected == 1, nil
}

func (s *Store) CompleteTrade(ctx context.Context, transactionID int64, adjustments []trade.TrustAdjustment) (trade.Transaction, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return trade.Transaction{}, err
	}
	defer tx.Rollback()

	var t trade.Transaction
	err = tx.GetContext(ctx, &t, `
		SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE
	`, transactionID)
	if err != nil {
		return trade.Transaction{}, mapNoRows(err)
	}
	if t.Status != trade.StatusTrading {
		return trade.Transaction{}, storage.ErrNotFound
	}
	if !t.BothArrived() {
		return trade.Transaction{}, storage.ErrConflict
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET status = $2, updated_at = $3 WHERE id = $1
	`, t.ID, trade.StatusComplete, now); err != nil {
		return trade.Transaction{}, err
	}
	t.Status = trade.StatusComplete
	t.UpdatedAt = now

	var sale listing.Sale
	err = tx.GetContext(ctx, &sale, `
		SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE
	`, t.SaleID)
	if err != nil {
		return trade.Transaction{}, mapNoRows(err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sales SET status = $2, updated_at = $3 WHERE id = $1
	`, sale.ID, listing.StatusSoldOut, now); err != nil {
		return trade.Transaction{}, err
	}

	if sale.IngredientID != 0 {
		var remaining int
		err = tx.GetContext(ctx, &remaining, `
			UPDATE ingredients SET quantity = quantity - $2, updated_at = $3
			WHERE id = $1
			RETURNING quantity
		`, sale.IngredientID, sale.Quantity, now)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return trade.Transaction{}, err
		}
		if err == nil && remaining <= 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM ingredients WHERE id = $1`, sale.IngredientID); err != nil {
				return trade.Transaction{}, err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE sales SET ingredient_id = NULL WHERE id = $1`, sale.ID); err != nil {
				return trade.Transaction{}, err
			}
		}
	}

	if err := applyAdjustments(ctx, tx, adjustments, now); err != nil {
		return trade.Transaction{}, err
	}

	if err := tx.Commit(); err != nil {
		return trade.Transaction{}, err
	}
	return t, nil
}

func (s *Store) CancelTrade(ctx context.Context, transactionID int64, expect trade.ArrivalState, adjustments []trade.TrustAdjustment) (trade.Transaction, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return trade.Transaction{}, err
	}
	defer tx.Rollback()

	var t trade.Transaction
	err = tx.GetContext(ctx, &t, `
		SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE
	`, transactionID)
	if err != nil {
		return trade.Transaction{}, mapNoRows(err)
	}
	if t.Status != trade.StatusTrading {
		return trade.Transaction{}, storage.ErrNotFound
	}
	// The caller derived its adjustments from the arrival pair it read; an
	// arrival that landed since then invalidates that decision.
	if t.Arrivals() != expect {
		return trade.Transaction{}, storage.ErrConflict
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET status = $2, updated_at = $3 WHERE id = $1
	`, t.ID, trade.StatusCancel, now); err != nil {
		return trade.Transaction{}, err
	}
	t.Status = trade.StatusCancel
	t.UpdatedAt = now

	if _, err := tx.ExecContext(ctx, `
		UPDATE sales SET status = $2, updated_at = $3 WHERE id = $1
	`, t.SaleID, listing.StatusAvailable, now); err != nil {
		return trade.Transaction{}, err
	}

	if err := applyAdjustments(ctx, tx, adjustments, now); err != nil {
		return trade.Transaction{}, err
	}

	if err := tx.Commit(); err != nil {
		return trade.Transaction{}, err
	}
	return t, nil
}

func (s *Store) ListExpiredTrading(ctx context.Context, before time.Time) ([]trade.Transaction, error) {
	var out []trade.Transaction
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = $1 AND appointment_at < $2
		ORDER BY appointment_at
	`, trade.StatusTrading, before.UTC())
	return out, err
}

func applyAdjustments(ctx context.Context, tx *sqlx.Tx, adjustments []trade.TrustAdjustment, now time.Time) error {
	for _, adj := range adjustments {
		result, err := tx.ExecContext(ctx, `
			UPDATE participants SET trust_score = trust_score + $2, updated_at = $3 WHERE id = $1
		`, adj.ParticipantID, adj.Delta, now)
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return storage.ErrNotFound
		}
	}
	return nil
}
