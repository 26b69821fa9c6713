// Package participants manages marketplace member records.
package participants

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/freshloop/marketplace/internal/app/domain/participant"
	"github.com/freshloop/marketplace/internal/app/storage"
	"github.com/freshloop/marketplace/pkg/logger"
)

var (
	// ErrNotFound is returned when a participant lookup misses.
	ErrNotFound = errors.New("participant not found")
	// ErrEmailTaken is returned when registering a duplicate email.
	ErrEmailTaken = errors.New("email already registered")
)

// Service exposes participant management. Trust scores are read through it
// but mutated only by the trust ledger.
type Service struct {
	store storage.ParticipantStore
	log   *logger.Logger
}

// New constructs a participants service.
func New(store storage.ParticipantStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("participants")
	}
	return &Service{store: store, log: log}
}

// Register creates a member. New members start with a zero trust score.
func (s *Service) Register(ctx context.Context, p participant.Participant) (participant.Participant, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	if p.Name == "" {
		return participant.Participant{}, fmt.Errorf("name is required")
	}
	if p.Email == "" || !strings.Contains(p.Email, "@") {
		return participant.Participant{}, fmt.Errorf("a valid email is required")
	}
	p.TrustScore = 0

	created, err := s.store.CreateParticipant(ctx, p)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return participant.Participant{}, ErrEmailTaken
		}
		return participant.Participant{}, fmt.Errorf("create participant: %w", err)
	}
	s.log.WithField("participant_id", created.ID).
		WithField("email", created.Email).
		Info("participant registered")
	return created, nil
}

// Get returns one member.
func (s *Service) Get(ctx context.Context, id int64) (participant.Participant, error) {
	p, err := s.store.GetParticipant(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return participant.Participant{}, ErrNotFound
		}
		return participant.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

// List returns all members.
func (s *Service) List(ctx context.Context) ([]participant.Participant, error) {
	all, err := s.store.ListParticipants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return all, nil
}
