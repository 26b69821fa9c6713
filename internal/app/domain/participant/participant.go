// Package participant defines marketplace members and their trust scores.
package participant

import "time"

// Participant is a marketplace member. TrustScore is an unclamped running
// total of fixed reputation deltas; it is mutated only through the trust
// ledger.
type Participant struct {
	ID         int64     `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	Email      string    `db:"email" json:"email"`
	TrustScore float64   `db:"trust_score" json:"trust_score"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}
