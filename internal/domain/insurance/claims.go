package insurance

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/medichain/medichain/internal/domain/access"
	"github.com/medichain/medichain/internal/ledger"
	"github.com/medichain/medichain/internal/platform/events"
	"github.com/medichain/medichain/internal/platform/exchange"
)

type TreatmentInput struct {
	Disease   string `json:"disease"`
	Treatment string `json:"treatment"`
	Charges   int64  `json:"charges"`
}

// ClaimInput is a doctor's claim. A zero ValueClaimed means the sum of the
// treatment charges.
type ClaimInput struct {
	Treatments   []TreatmentInput `json:"treatments"`
	ValueClaimed int64            `json:"value_claimed"`
}

func (in ClaimInput) value() (int64, error) {
	if len(in.Treatments) == 0 {
		return 0, fmt.Errorf("%w: at least one treatment is required", ledger.ErrInvalidInput)
	}
	var sum int64
	for i, t := range in.Treatments {
		if strings.TrimSpace(t.Disease) == "" {
			return 0, fmt.Errorf("%w: treatment %d has no disease", ledger.ErrInvalidInput, i)
		}
		if t.Charges <= 0 {
			return 0, fmt.Errorf("%w: treatment %d charges must be positive", ledger.ErrInvalidAmount, i)
		}
		sum += t.Charges
	}
	if in.ValueClaimed != 0 {
		return in.ValueClaimed, nil
	}
	return sum, nil
}

// FileClaim appends the treatments to the patient's history and files a
// pending claim against the patient's enrollment. The cover check and the
// history append run in the same unit.
func (s *Service) FileClaim(ctx context.Context, callerID, patientID string, in ClaimInput) (*ledger.Claim, error) {
	value, err := in.value()
	if err != nil {
		return nil, err
	}

	var claim *ledger.Claim
	err = s.store.Update(ctx, func(tx ledger.Tx) error {
		doctor, err := access.AuthorizeTreating(ctx, tx, callerID, patientID)
		if err != nil {
			return err
		}
		enrollment, err := enrollmentOf(ctx, tx, patientID)
		if err != nil {
			return err
		}
		switch {
		case enrollment.RemainingCover <= 0:
			return fmt.Errorf("%w: cover exhausted", ledger.ErrInvalidAmount)
		case value <= 0:
			return fmt.Errorf("%w: value claimed must be positive", ledger.ErrInvalidAmount)
		case value > enrollment.RemainingCover:
			return fmt.Errorf("%w: %d exceeds remaining cover %d", ledger.ErrInvalidAmount, value, enrollment.RemainingCover)
		}

		now := s.now()
		treatments := make([]ledger.Treatment, 0, len(in.Treatments))
		for _, t := range in.Treatments {
			tr := ledger.Treatment{
				PatientID:   patientID,
				Disease:     t.Disease,
				Treatment:   t.Treatment,
				Charges:     t.Charges,
				Date:        now,
				DoctorID:    doctor.ID,
				DoctorEmail: doctor.Email,
			}
			if err := tx.AppendTreatment(ctx, &tr); err != nil {
				return err
			}
			treatments = append(treatments, tr)
		}

		id, err := tx.NextID(ctx, ledger.KindClaim)
		if err != nil {
			return err
		}
		claim = &ledger.Claim{
			ID:           id,
			PatientID:    patientID,
			DoctorID:     doctor.ID,
			InsurerID:    enrollment.Policy.InsurerID,
			PolicyID:     enrollment.Policy.ID,
			PolicyName:   enrollment.Policy.Name,
			Treatments:   treatments,
			ValueClaimed: value,
			Status:       ledger.ClaimPending,
			FiledAt:      now,
		}
		return tx.PutClaim(ctx, claim)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Uint64("claim_id", claim.ID).Str("patient", patientID).Str("insurer", claim.InsurerID).
		Int64("value", value).Msg("claim filed")
	for _, t := range claim.Treatments {
		events.Emit(ctx, s.pub, s.logger, events.New(events.TreatmentRecorded, patientID, callerID, t))
	}
	events.Emit(ctx, s.pub, s.logger, events.New(events.ClaimFiled, claimSubject(claim.ID), callerID, claim))
	return claim, nil
}

// decidable loads claim id and checks that the caller is its active insurer
// and that it is still pending.
func decidable(ctx context.Context, tx ledger.Tx, callerID string, id uint64) (*ledger.Claim, error) {
	claim, err := tx.GetClaim(ctx, id)
	if err != nil {
		return nil, err
	}
	caller, err := access.Identify(ctx, tx, callerID)
	if err != nil {
		return nil, err
	}
	if caller.Role != ledger.RoleInsurer || caller.ID != claim.InsurerID {
		return nil, fmt.Errorf("%w: only the claim's insurer may decide claim %d", ledger.ErrUnauthorized, id)
	}
	if !caller.Active {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotActive, caller.ID)
	}
	if claim.Status != ledger.ClaimPending {
		return nil, fmt.Errorf("%w: claim %d is %s", ledger.ErrInvalidTransition, id, claim.Status)
	}
	return claim, nil
}

// Payout is the result of ApproveClaim.
type Payout struct {
	Claim          *ledger.Claim       `json:"claim"`
	Transaction    *ledger.Transaction `json:"transaction"`
	RemainingCover int64               `json:"remaining_cover"`
}

// ApproveClaim pays claim id with native units, decrements the patient's
// remaining cover and records a settled payout to the filing doctor. The
// rate is fetched between a read-only precheck and the write unit; the
// write unit repeats every check.
func (s *Service) ApproveClaim(ctx context.Context, callerID string, id uint64, native string) (*Payout, error) {
	amount, err := exchange.ParseNative(native)
	if err != nil {
		return nil, err
	}
	err = s.store.View(ctx, func(tx ledger.Tx) error {
		_, err := decidable(ctx, tx, callerID, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	rate, err := exchange.Fetch(ctx, s.rates, s.rateTimeout)
	if err != nil {
		return nil, err
	}

	var out Payout
	err = s.store.Update(ctx, func(tx ledger.Tx) error {
		claim, err := decidable(ctx, tx, callerID, id)
		if err != nil {
			return err
		}
		if !exchange.Covers(amount, rate, claim.ValueClaimed) {
			return fmt.Errorf("%w: %s at %s does not cover %d", ledger.ErrInsufficientFunds, amount, rate, claim.ValueClaimed)
		}
		enrollment, err := enrollmentOf(ctx, tx, claim.PatientID)
		if err != nil {
			return err
		}
		if enrollment.RemainingCover < claim.ValueClaimed {
			return fmt.Errorf("%w: remaining cover %d is below claimed %d", ledger.ErrInvalidAmount,
				enrollment.RemainingCover, claim.ValueClaimed)
		}

		now := s.now()
		enrollment.RemainingCover -= claim.ValueClaimed
		if err := tx.UpdateEnrollment(ctx, enrollment); err != nil {
			return err
		}
		claim.Status = ledger.ClaimApproved
		claim.DecidedAt = &now
		if err := tx.PutClaim(ctx, claim); err != nil {
			return err
		}

		txID, err := tx.NextID(ctx, ledger.KindTransaction)
		if err != nil {
			return err
		}
		payout := &ledger.Transaction{
			ID:          txID,
			Kind:        ledger.TxClaimPayout,
			SenderID:    claim.InsurerID,
			ReceiverID:  claim.DoctorID,
			Value:       claim.ValueClaimed,
			Settled:     true,
			NativeValue: amount.String(),
			Rate:        rate.String(),
			ClaimID:     claim.ID,
			CreatedAt:   now,
			SettledAt:   &now,
		}
		if err := tx.PutTransaction(ctx, payout); err != nil {
			return err
		}
		out = Payout{Claim: claim, Transaction: payout, RemainingCover: enrollment.RemainingCover}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Uint64("claim_id", id).Uint64("transaction_id", out.Transaction.ID).
		Int64("remaining_cover", out.RemainingCover).Str("rate", out.Transaction.Rate).Msg("claim approved")
	events.Emit(ctx, s.pub, s.logger, events.New(events.ClaimApproved, claimSubject(id), callerID, out))
	return &out, nil
}

// RejectClaim closes claim id without moving funds or cover.
func (s *Service) RejectClaim(ctx context.Context, callerID string, id uint64) (*ledger.Claim, error) {
	var claim *ledger.Claim
	err := s.store.Update(ctx, func(tx ledger.Tx) error {
		var err error
		if claim, err = decidable(ctx, tx, callerID, id); err != nil {
			return err
		}
		now := s.now()
		claim.Status = ledger.ClaimRejected
		claim.DecidedAt = &now
		return tx.PutClaim(ctx, claim)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Uint64("claim_id", id).Str("insurer", callerID).Msg("claim rejected")
	events.Emit(ctx, s.pub, s.logger, events.New(events.ClaimRejected, claimSubject(id), callerID, claim))
	return claim, nil
}

// ListClaims returns the claims relevant to the caller: filed against an
// insurer, concerning a patient, or filed by a doctor.
func (s *Service) ListClaims(ctx context.Context, callerID string) ([]*ledger.Claim, error) {
	var out []*ledger.Claim
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		caller, err := access.Identify(ctx, tx, callerID)
		if err != nil {
			return err
		}
		switch caller.Role {
		case ledger.RoleInsurer:
			out, err = tx.ListClaimsByInsurer(ctx, caller.ID)
		case ledger.RolePatient:
			out, err = tx.ListClaimsByPatient(ctx, caller.ID)
		case ledger.RoleDoctor:
			out, err = tx.ListClaimsByDoctor(ctx, caller.ID)
		case ledger.RoleDirector, ledger.RoleHealthAuthority, ledger.RoleUnknown:
			err = fmt.Errorf("%w: %s has no claims", ledger.ErrUnauthorized, caller.Role)
		default:
			err = fmt.Errorf("%w: %s has no claims", ledger.ErrUnauthorized, caller.Role)
		}
		return err
	})
	return out, err
}

// GetClaim returns claim id to its parties and to authorities.
func (s *Service) GetClaim(ctx context.Context, callerID string, id uint64) (*ledger.Claim, error) {
	var claim *ledger.Claim
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		caller, err := access.Identify(ctx, tx, callerID)
		if err != nil {
			return err
		}
		if claim, err = tx.GetClaim(ctx, id); err != nil {
			return err
		}
		switch caller.ID {
		case claim.PatientID, claim.DoctorID, claim.InsurerID:
			return nil
		}
		if caller.Role.IsAuthority() {
			return nil
		}
		return fmt.Errorf("%w: claim %d", ledger.ErrUnauthorized, id)
	})
	return claim, err
}

func claimSubject(id uint64) string {
	return "claim/" + strconv.FormatUint(id, 10)
}
