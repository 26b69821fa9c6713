// Package listing defines surplus-ingredient sale listings and the stock
// records they deplete.
package listing

import "time"

// Status is the listing state of a sale.
type Status string

const (
	// StatusAvailable means the sale is open for a buyer to start a trade.
	StatusAvailable Status = "Available"
	// StatusTrading means an active trade holds the sale.
	StatusTrading Status = "Trading"
	// StatusSoldOut means a trade completed and the sale is closed.
	StatusSoldOut Status = "Sold Out"
)

// Sale is a listed quantity of an ingredient with a meeting location. Status
// is owned by the trade coordinator once a trade opens; it is handed back to
// the listing (as Available) only via cancel.
type Sale struct {
	ID             int64     `db:"id" json:"id"`
	SellerID       int64     `db:"seller_id" json:"seller_id"`
	IngredientID   int64     `db:"ingredient_id" json:"ingredient_id,omitempty"`
	IngredientName string    `db:"ingredient_name" json:"ingredient_name"`
	Quantity       int       `db:"quantity" json:"quantity"`
	Value          float64   `db:"value" json:"value"`
	MeetingLat     float64   `db:"meeting_lat" json:"meeting_lat"`
	MeetingLon     float64   `db:"meeting_lon" json:"meeting_lon"`
	Status         Status    `db:"status" json:"status"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Ingredient is a stock record backing one or more sales. Quantity is
// decremented when a trade completes; a record depleted to zero is removed
// and detached from its sale.
type Ingredient struct {
	ID        int64              `db:"id" json:"id"`
	Name      string             `db:"name" json:"name"`
	Category  string             `db:"category" json:"category"`
	ExpiryAt  time.Time          `db:"expiry_at" json:"expiry_at"`
	Value     float64            `db:"value" json:"value"`
	Quantity  int                `db:"quantity" json:"quantity"`
	Nutrition map[string]float64 `db:"-" json:"nutrition,omitempty"`
	CreatedAt time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt time.Time          `db:"updated_at" json:"updated_at"`
}
