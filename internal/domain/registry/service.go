// Package registry owns participant identity: registration, lookup and the
// authority-controlled active flag.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medichain/medichain/internal/domain/access"
	"github.com/medichain/medichain/internal/ledger"
	"github.com/medichain/medichain/internal/platform/events"
)

type Service struct {
	store  ledger.Store
	pub    events.Publisher
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(store ledger.Store, pub events.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		pub:    pub,
		logger: logger.With().Str("component", "registry").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterInput carries the self-declared registration fields.
type RegisterInput struct {
	Name       string      `json:"name"`
	Age        int         `json:"age"`
	Role       ledger.Role `json:"role"`
	Email      string      `json:"email"`
	RecordSeed string      `json:"record_seed"`
}

func (in RegisterInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ledger.ErrInvalidInput)
	}
	email := ledger.NormalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return fmt.Errorf("%w: email %q", ledger.ErrInvalidInput, in.Email)
	}
	if !in.Role.Valid() {
		return fmt.Errorf("%w: role is required", ledger.ErrInvalidInput)
	}
	return nil
}

// Register binds callerID to a new participant. Checks run in the order
// duplicate email, already registered, patient age.
func (s *Service) Register(ctx context.Context, callerID string, in RegisterInput) (*ledger.Participant, error) {
	if !ledger.ValidIdentity(callerID) {
		return nil, fmt.Errorf("%w: identity %q", ledger.ErrInvalidInput, callerID)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	p := &ledger.Participant{
		ID:           callerID,
		Name:         strings.TrimSpace(in.Name),
		Role:         in.Role,
		Email:        strings.TrimSpace(in.Email),
		Active:       true,
		RecordSeed:   in.RecordSeed,
		RegisteredAt: s.now(),
	}
	if in.Role == ledger.RolePatient {
		p.Age = in.Age
	}

	err := s.store.Update(ctx, func(tx ledger.Tx) error {
		if _, err := tx.GetParticipantByEmail(ctx, in.Email); err == nil {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateEmail, ledger.NormalizeEmail(in.Email))
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if _, err := tx.GetParticipant(ctx, callerID); err == nil {
			return fmt.Errorf("%w: %s", ledger.ErrAlreadyRegistered, callerID)
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if p.Role == ledger.RolePatient && p.Age <= 0 {
			return ledger.ErrInvalidAge
		}
		return tx.CreateParticipant(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("participant", p.ID).Stringer("role", p.Role).Msg("participant registered")
	events.Emit(ctx, s.pub, s.logger, events.New(events.ParticipantRegistered, p.ID, p.ID, p))
	return p, nil
}

func (s *Service) Lookup(ctx context.Context, id string) (*ledger.Participant, error) {
	var p *ledger.Participant
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		p, err = tx.GetParticipant(ctx, id)
		return err
	})
	return p, err
}

func (s *Service) LookupByEmail(ctx context.Context, email string) (*ledger.Participant, error) {
	var p *ledger.Participant
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		p, err = tx.GetParticipantByEmail(ctx, email)
		return err
	})
	return p, err
}

// SetActive toggles id's active flag. Only an active director or health
// authority may call it. Deactivating a doctor drops every grant the doctor
// holds in the same unit.
func (s *Service) SetActive(ctx context.Context, callerID, id string, active bool) (*ledger.Participant, error) {
	var (
		p       *ledger.Participant
		changed bool
		dropped []string
	)
	err := s.store.Update(ctx, func(tx ledger.Tx) error {
		if _, err := access.Authorize(ctx, tx, callerID, ledger.RoleDirector, ledger.RoleHealthAuthority); err != nil {
			return err
		}
		var err error
		if p, err = tx.GetParticipant(ctx, id); err != nil {
			return err
		}
		if p.Active == active {
			return nil
		}
		p.Active = active
		changed = true
		if !active && p.Role == ledger.RoleDoctor {
			if dropped, err = access.DropDoctorGrants(ctx, tx, p.ID); err != nil {
				return err
			}
		}
		return tx.UpdateParticipant(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		typ := events.ParticipantActivated
		if !active {
			typ = events.ParticipantDeactivated
		}
		s.logger.Info().Str("participant", p.ID).Bool("active", active).Int("grants_dropped", len(dropped)).
			Str("by", callerID).Msg("participant active flag changed")
		events.Emit(ctx, s.pub, s.logger, events.New(typ, p.ID, callerID, map[string]any{
			"active":           active,
			"revoked_patients": dropped,
		}))
	}
	return p, nil
}

// ListInsurers returns every registered insurer in identity order.
func (s *Service) ListInsurers(ctx context.Context) ([]*ledger.Participant, error) {
	var out []*ledger.Participant
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		out, err = tx.ListParticipantsByRole(ctx, ledger.RoleInsurer)
		return err
	})
	return out, err
}
