// Package insurance implements the policy catalog, patient enrollment and
// the claim lifecycle.
package insurance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medichain/medichain/internal/domain/access"
	"github.com/medichain/medichain/internal/ledger"
	"github.com/medichain/medichain/internal/platform/events"
	"github.com/medichain/medichain/internal/platform/exchange"
)

type Service struct {
	store       ledger.Store
	rates       exchange.Source
	rateTimeout time.Duration
	pub         events.Publisher
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(store ledger.Store, rates exchange.Source, rateTimeout time.Duration, pub events.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		store:       store,
		rates:       rates,
		rateTimeout: rateTimeout,
		pub:         pub,
		logger:      logger.With().Str("component", "insurance").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// -- Policies --

type PolicyInput struct {
	Name          string `json:"name"`
	CoverValue    int64  `json:"cover_value"`
	Premium       int64  `json:"premium"`
	DurationYears int    `json:"duration_years"`
}

func (in PolicyInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: policy name is required", ledger.ErrInvalidInput)
	}
	if in.CoverValue <= 0 || in.Premium <= 0 {
		return fmt.Errorf("%w: cover value and premium must be positive", ledger.ErrInvalidAmount)
	}
	if in.DurationYears < ledger.MinPolicyDuration || in.DurationYears > ledger.MaxPolicyDuration {
		return fmt.Errorf("%w: duration must be %d-%d years", ledger.ErrInvalidAmount,
			ledger.MinPolicyDuration, ledger.MaxPolicyDuration)
	}
	return nil
}

// CreatePolicy adds a policy to the calling insurer's catalog. Names need
// not be unique.
func (s *Service) CreatePolicy(ctx context.Context, callerID string, in PolicyInput) (*ledger.Policy, error) {
	var p *ledger.Policy
	err := s.store.Update(ctx, func(tx ledger.Tx) error {
		insurer, err := access.Authorize(ctx, tx, callerID, ledger.RoleInsurer)
		if err != nil {
			return err
		}
		if err := in.validate(); err != nil {
			return err
		}
		id, err := tx.NextID(ctx, ledger.KindPolicy)
		if err != nil {
			return err
		}
		p = &ledger.Policy{
			ID:            id,
			InsurerID:     insurer.ID,
			Name:          strings.TrimSpace(in.Name),
			CoverValue:    in.CoverValue,
			Premium:       in.Premium,
			DurationYears: in.DurationYears,
			CreatedAt:     s.now(),
		}
		return tx.PutPolicy(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Uint64("policy_id", p.ID).Str("insurer", p.InsurerID).Int64("cover", p.CoverValue).Msg("policy created")
	events.Emit(ctx, s.pub, s.logger, events.New(events.PolicyCreated, "policy/"+strconv.FormatUint(p.ID, 10), callerID, p))
	return p, nil
}

// ListPolicies returns the catalog of insurerID. Every listed policy is
// purchasable.
func (s *Service) ListPolicies(ctx context.Context, callerID, insurerID string) ([]*ledger.Policy, error) {
	var out []*ledger.Policy
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		if _, err := access.Identify(ctx, tx, callerID); err != nil {
			return err
		}
		insurer, err := tx.GetParticipant(ctx, insurerID)
		if err != nil {
			return err
		}
		if insurer.Role != ledger.RoleInsurer {
			return fmt.Errorf("%s is not an insurer: %w", insurerID, ledger.ErrNotFound)
		}
		out, err = tx.ListPoliciesByInsurer(ctx, insurerID)
		return err
	})
	return out, err
}

// Purchase is the result of BuyPolicy.
type Purchase struct {
	Enrollment *ledger.PolicyEnrollment `json:"enrollment"`
	Premium    *ledger.Transaction      `json:"premium"`
}

// BuyPolicy enrolls the calling patient in policyID. The premium is recorded
// as a transfer to the insurer that is settled on creation.
func (s *Service) BuyPolicy(ctx context.Context, callerID string, policyID uint64) (*Purchase, error) {
	var out Purchase
	err := s.store.Update(ctx, func(tx ledger.Tx) error {
		patient, err := access.Authorize(ctx, tx, callerID, ledger.RolePatient)
		if err != nil {
			return err
		}
		policy, err := tx.GetPolicy(ctx, policyID)
		if err != nil {
			return err
		}
		if _, err := tx.GetEnrollment(ctx, patient.ID); err == nil {
			return fmt.Errorf("%w: %s", ledger.ErrAlreadyEnrolled, patient.ID)
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}

		now := s.now()
		out.Enrollment = &ledger.PolicyEnrollment{
			PatientID:      patient.ID,
			Policy:         *policy,
			RemainingCover: policy.CoverValue,
			PurchasedAt:    now,
		}
		if err := tx.CreateEnrollment(ctx, out.Enrollment); err != nil {
			return err
		}

		id, err := tx.NextID(ctx, ledger.KindTransaction)
		if err != nil {
			return err
		}
		out.Premium = &ledger.Transaction{
			ID:         id,
			Kind:       ledger.TxPremium,
			SenderID:   patient.ID,
			ReceiverID: policy.InsurerID,
			Value:      policy.Premium,
			Settled:    true,
			CreatedAt:  now,
			SettledAt:  &now,
		}
		return tx.PutTransaction(ctx, out.Premium)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("patient", callerID).Uint64("policy_id", policyID).Int64("premium", out.Premium.Value).Msg("policy purchased")
	events.Emit(ctx, s.pub, s.logger, events.New(events.PolicyPurchased, callerID, callerID, out))
	return &out, nil
}

// Enrollment returns the enrollment of patientID to callers who may view the
// patient.
func (s *Service) Enrollment(ctx context.Context, callerID, patientID string) (*ledger.PolicyEnrollment, error) {
	var e *ledger.PolicyEnrollment
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		caller, err := access.Identify(ctx, tx, callerID)
		if err != nil {
			return err
		}
		if _, err := access.Patient(ctx, tx, patientID); err != nil {
			return err
		}
		ok, err := access.CanViewPatient(ctx, tx, caller, patientID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s may not view enrollment of %s", ledger.ErrUnauthorized, caller.ID, patientID)
		}
		e, err = enrollmentOf(ctx, tx, patientID)
		return err
	})
	return e, err
}

func enrollmentOf(ctx context.Context, tx ledger.Tx, patientID string) (*ledger.PolicyEnrollment, error) {
	e, err := tx.GetEnrollment(ctx, patientID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNoActivePolicy, patientID)
	}
	return e, err
}
