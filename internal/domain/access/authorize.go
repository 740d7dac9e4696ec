package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/medichain/medichain/internal/ledger"
)

// Identify returns the registered participant behind callerID. An
// unregistered caller is unauthorized.
func Identify(ctx context.Context, tx ledger.Tx, callerID string) (*ledger.Participant, error) {
	if callerID == "" {
		return nil, fmt.Errorf("%w: anonymous caller", ledger.ErrUnauthorized)
	}
	p, err := tx.GetParticipant(ctx, callerID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%w: caller %s is not registered", ledger.ErrUnauthorized, callerID)
	}
	return p, err
}

// Authorize returns the caller if it is registered, holds one of roles (any
// role when none are given) and is active.
func Authorize(ctx context.Context, tx ledger.Tx, callerID string, roles ...ledger.Role) (*ledger.Participant, error) {
	p, err := Identify(ctx, tx, callerID)
	if err != nil {
		return nil, err
	}
	if len(roles) > 0 && !hasRole(p.Role, roles) {
		return nil, fmt.Errorf("%w: %s may not perform this operation", ledger.ErrUnauthorized, p.Role)
	}
	if !p.Active {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotActive, p.ID)
	}
	return p, nil
}

func hasRole(r ledger.Role, roles []ledger.Role) bool {
	for _, want := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// Patient returns the registered patient patientID, failing with
// ErrNotFound when the identity is unknown or not a patient.
func Patient(ctx context.Context, tx ledger.Tx, patientID string) (*ledger.Participant, error) {
	p, err := tx.GetParticipant(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if p.Role != ledger.RolePatient {
		return nil, fmt.Errorf("%s is not a patient: %w", patientID, ledger.ErrNotFound)
	}
	return p, nil
}

// CanViewPatient reports whether caller may read the clinical data of
// patientID: the patient, an authority, a doctor holding a grant, or the
// insurer of the patient's enrollment.
func CanViewPatient(ctx context.Context, tx ledger.Tx, caller *ledger.Participant, patientID string) (bool, error) {
	switch caller.Role {
	case ledger.RolePatient:
		return caller.ID == patientID, nil
	case ledger.RoleDirector, ledger.RoleHealthAuthority:
		return true, nil
	case ledger.RoleDoctor:
		return HasGrant(ctx, tx, patientID, caller.ID)
	case ledger.RoleInsurer:
		e, err := tx.GetEnrollment(ctx, patientID)
		if errors.Is(err, ledger.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return e.Policy.InsurerID == caller.ID, nil
	case ledger.RoleUnknown:
		return false, nil
	default:
		return false, nil
	}
}

// HasGrant reports whether patientID has granted doctorID access.
func HasGrant(ctx context.Context, tx ledger.Tx, patientID, doctorID string) (bool, error) {
	_, err := tx.GetGrant(ctx, patientID, doctorID)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// DropDoctorGrants deletes every grant held by doctorID and returns the
// affected patients.
func DropDoctorGrants(ctx context.Context, tx ledger.Tx, doctorID string) ([]string, error) {
	grants, err := tx.ListGrantsByDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	patients := make([]string, 0, len(grants))
	for _, g := range grants {
		if err := tx.DeleteGrant(ctx, g.PatientID, doctorID); err != nil {
			return nil, err
		}
		patients = append(patients, g.PatientID)
	}
	return patients, nil
}

// AuthorizeTreating returns the caller if it is an active doctor holding a
// grant from the registered patient patientID.
func AuthorizeTreating(ctx context.Context, tx ledger.Tx, callerID, patientID string) (*ledger.Participant, error) {
	doctor, err := Authorize(ctx, tx, callerID, ledger.RoleDoctor)
	if err != nil {
		return nil, err
	}
	if _, err := Patient(ctx, tx, patientID); err != nil {
		return nil, err
	}
	ok, err := HasGrant(ctx, tx, patientID, doctor.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no access grant from %s", ledger.ErrUnauthorized, patientID)
	}
	return doctor, nil
}
