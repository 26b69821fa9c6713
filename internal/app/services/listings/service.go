// Package listings manages ingredient stock records and the sale listings
// built on them. It owns everything about a sale up to the point a buyer
// opens a trade; from there the trade coordinator drives the status.
package listings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/freshloop/marketplace/internal/app/domain/listing"
	"github.com/freshloop/marketplace/internal/app/geo"
	"github.com/freshloop/marketplace/internal/app/storage"
	"github.com/freshloop/marketplace/pkg/logger"
)

var (
	// ErrSellerNotFound is returned when a sale references an unknown seller.
	ErrSellerNotFound = errors.New("seller not found")
	// ErrIngredientNotFound is returned when a sale references an unknown
	// ingredient, or an ingredient lookup misses.
	ErrIngredientNotFound = errors.New("ingredient not found")
	// ErrSaleNotFound is returned when a sale lookup misses.
	ErrSaleNotFound = errors.New("sale not found")
	// ErrSaleHeld is returned when deleting a sale that is mid-trade or sold.
	ErrSaleHeld = errors.New("sale is held by a trade or already sold")
)

// Service exposes ingredient and sale management.
type Service struct {
	participants storage.ParticipantStore
	ingredients  storage.IngredientStore
	sales        storage.SaleStore
	log          *logger.Logger
}

// New constructs a listings service.
func New(participants storage.ParticipantStore, ingredients storage.IngredientStore, sales storage.SaleStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("listings")
	}
	return &Service{
		participants: participants,
		ingredients:  ingredients,
		sales:        sales,
		log:          log,
	}
}

// CreateIngredient records a new stock entry.
func (s *Service) CreateIngredient(ctx context.Context, ing listing.Ingredient) (listing.Ingredient, error) {
	if ing.Name == "" {
		return listing.Ingredient{}, fmt.Errorf("name is required")
	}
	if ing.Quantity <= 0 {
		return listing.Ingredient{}, fmt.Errorf("quantity must be positive")
	}
	if ing.ExpiryAt.IsZero() {
		return listing.Ingredient{}, fmt.Errorf("expiry_at is required")
	}

	created, err := s.ingredients.CreateIngredient(ctx, ing)
	if err != nil {
		return listing.Ingredient{}, fmt.Errorf("create ingredient: %w", err)
	}
	s.log.WithField("ingredient_id", created.ID).
		WithField("name", created.Name).
		Info("ingredient created")
	return created, nil
}

// GetIngredient returns one stock entry.
func (s *Service) GetIngredient(ctx context.Context, id int64) (listing.Ingredient, error) {
	ing, err := s.ingredients.GetIngredient(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return listing.Ingredient{}, ErrIngredientNotFound
		}
		return listing.Ingredient{}, fmt.Errorf("get ingredient: %w", err)
	}
	return ing, nil
}

// RegisterSale lists a quantity of an ingredient for trade. The seller must
// exist; when the sale links a stock record the record must exist and the
// sale inherits its name. New sales always start Available.
func (s *Service) RegisterSale(ctx context.Context, sale listing.Sale) (listing.Sale, error) {
	if sale.SellerID <= 0 {
		return listing.Sale{}, fmt.Errorf("seller_id is required")
	}
	if sale.Quantity <= 0 {
		return listing.Sale{}, fmt.Errorf("quantity must be positive")
	}
	meeting := geo.Point{Lat: sale.MeetingLat, Lon: sale.MeetingLon}
	if !meeting.Valid() {
		return listing.Sale{}, geo.ErrInvalidCoordinate
	}

	if _, err := s.participants.GetParticipant(ctx, sale.SellerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return listing.Sale{}, ErrSellerNotFound
		}
		return listing.Sale{}, fmt.Errorf("seller validation failed: %w", err)
	}

	if sale.IngredientID > 0 {
		ing, err := s.ingredients.GetIngredient(ctx, sale.IngredientID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return listing.Sale{}, ErrIngredientNotFound
			}
			return listing.Sale{}, fmt.Errorf("ingredient validation failed: %w", err)
		}
		sale.IngredientName = ing.Name
	}
	if sale.IngredientName == "" {
		return listing.Sale{}, fmt.Errorf("ingredient_name is required")
	}

	sale.Status = listing.StatusAvailable
	created, err := s.sales.CreateSale(ctx, sale)
	if err != nil {
		return listing.Sale{}, fmt.Errorf("create sale: %w", err)
	}
	s.log.WithField("sale_id", created.ID).
		WithField("seller_id", created.SellerID).
		WithField("ingredient", created.IngredientName).
		Info("sale registered")
	return created, nil
}

// GetSale returns one sale.
func (s *Service) GetSale(ctx context.Context, id int64) (listing.Sale, error) {
	sale, err := s.sales.GetSale(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return listing.Sale{}, ErrSaleNotFound
		}
		return listing.Sale{}, fmt.Errorf("get sale: %w", err)
	}
	return sale, nil
}

// ListSales returns sales, optionally filtered to one status.
func (s *Service) ListSales(ctx context.Context, status listing.Status) ([]listing.Sale, error) {
	sales, err := s.sales.ListSales(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	return sales, nil
}

// Withdraw removes an Available sale. A sale held by an active trade or
// already sold cannot be withdrawn.
func (s *Service) Withdraw(ctx context.Context, id int64) error {
	if err := s.sales.DeleteSale(ctx, id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return ErrSaleNotFound
		case errors.Is(err, storage.ErrConflict):
			return ErrSaleHeld
		}
		return fmt.Errorf("delete sale: %w", err)
	}
	s.log.WithField("sale_id", id).Info("sale withdrawn")
	return nil
}

// ExpiringBefore is a convenience used by operational tooling: it returns
// the subset of Available sales whose linked stock expires before the cutoff.
func (s *Service) ExpiringBefore(ctx context.Context, cutoff time.Time) ([]listing.Sale, error) {
	sales, err := s.sales.ListSales(ctx, listing.StatusAvailable)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	var out []listing.Sale
	for _, sale := range sales {
		if sale.IngredientID == 0 {
			continue
		}
		ing, err := s.ingredients.GetIngredient(ctx, sale.IngredientID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("get ingredient: %w", err)
		}
		if ing.ExpiryAt.Before(cutoff) {
			out = append(out, sale)
		}
	}
	return out, nil
}
