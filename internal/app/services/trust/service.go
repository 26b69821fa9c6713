// Package trust is the reputation ledger. It applies small fixed deltas to
// participant trust scores and evaluates punctuality against an appointment
// time. It carries no trade logic of its own.
package trust

import (
	"context"
	"time"

	"github.com/freshloop/marketplace/internal/app/storage"
	"github.com/freshloop/marketplace/pkg/logger"
)

// PunctualBonus is awarded to a party that arrives at or before the
// appointment time of a completed trade.
const PunctualBonus = 0.5

// NoShowPenalty is deducted from a party that never arrived when the other
// party did.
const NoShowPenalty = 15.0

// Service mutates participant trust scores. All trust writes in the system
// go through this ledger or ride a trade-close store transaction using the
// deltas it defines.
type Service struct {
	store storage.ParticipantStore
	log   *logger.Logger
}

// New constructs a trust ledger.
func New(store storage.ParticipantStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("trust")
	}
	return &Service{store: store, log: log}
}

// Adjust adds delta to the participant's trust score and returns the new
// score. Scores are not clamped: the running total may go negative or grow
// without bound, matching the observed ledger behavior.
func (s *Service) Adjust(ctx context.Context, participantID int64, delta float64) (float64, error) {
	p, err := s.store.AdjustTrustScore(ctx, participantID, delta)
	if err != nil {
		return 0, err
	}
	s.log.WithField("participant_id", participantID).
		WithField("delta", delta).
		WithField("trust_score", p.TrustScore).
		Info("trust score adjusted")
	return p.TrustScore, nil
}

// IsPunctual reports whether an arrival counts as on time. The boundary is
// inclusive: arriving exactly at the appointment time is punctual.
func (s *Service) IsPunctual(arrival, appointment time.Time) bool {
	return !arrival.After(appointment)
}
