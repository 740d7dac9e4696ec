// Package access maintains the patient-issued grants that let doctors read
// and append to a patient's records, and derives the other visibility
// relations from ledger state.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

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
		logger: logger.With().Str("component", "access").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Grant lets the doctor registered under doctorEmail access the calling
// patient's records. Granting an existing grant is a no-op.
func (s *Service) Grant(ctx context.Context, callerID, doctorEmail string) (*ledger.AccessGrant, error) {
	if ledger.NormalizeEmail(doctorEmail) == "" {
		return nil, fmt.Errorf("%w: doctor email is required", ledger.ErrInvalidInput)
	}

	var grant *ledger.AccessGrant
	created := false
	err := s.store.Update(ctx, func(tx ledger.Tx) error {
		patient, err := Authorize(ctx, tx, callerID, ledger.RolePatient)
		if err != nil {
			return err
		}
		doctor, err := tx.GetParticipantByEmail(ctx, doctorEmail)
		if err != nil {
			return err
		}
		if doctor.Role != ledger.RoleDoctor {
			return fmt.Errorf("%w: %s is not a doctor", ledger.ErrUnauthorized, doctorEmail)
		}
		if !doctor.Active {
			return fmt.Errorf("%w: doctor %s", ledger.ErrNotActive, doctor.ID)
		}

		existing, err := tx.GetGrant(ctx, patient.ID, doctor.ID)
		if err == nil {
			grant = existing
			return nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		grant = &ledger.AccessGrant{PatientID: patient.ID, DoctorID: doctor.ID, GrantedAt: s.now()}
		created = true
		return tx.PutGrant(ctx, grant)
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.logger.Info().Str("patient", grant.PatientID).Str("doctor", grant.DoctorID).Msg("access granted")
		events.Emit(ctx, s.pub, s.logger, events.New(events.AccessGranted, grant.PatientID, callerID, grant))
	}
	return grant, nil
}

// Revoke removes the grant from the calling patient to doctorID. Revoking a
// missing grant is a no-op. Inactive patients may still revoke.
func (s *Service) Revoke(ctx context.Context, callerID, doctorID string) error {
	removed := false
	err := s.store.Update(ctx, func(tx ledger.Tx) error {
		patient, err := Identify(ctx, tx, callerID)
		if err != nil {
			return err
		}
		if patient.Role != ledger.RolePatient {
			return fmt.Errorf("%w: only patients revoke access", ledger.ErrUnauthorized)
		}
		ok, err := HasGrant(ctx, tx, patient.ID, doctorID)
		if err != nil || !ok {
			return err
		}
		removed = true
		return tx.DeleteGrant(ctx, patient.ID, doctorID)
	})
	if err != nil {
		return err
	}

	if removed {
		s.logger.Info().Str("patient", callerID).Str("doctor", doctorID).Msg("access revoked")
		events.Emit(ctx, s.pub, s.logger, events.New(events.AccessRevoked, callerID, callerID,
			map[string]string{"doctor_id": doctorID}))
	}
	return nil
}

// ListGrantedDoctors returns the doctors the calling patient has granted
// access to.
func (s *Service) ListGrantedDoctors(ctx context.Context, callerID string) ([]*ledger.Participant, error) {
	var out []*ledger.Participant
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		patient, err := Identify(ctx, tx, callerID)
		if err != nil {
			return err
		}
		if patient.Role != ledger.RolePatient {
			return fmt.Errorf("%w: only patients hold grants", ledger.ErrUnauthorized)
		}
		grants, err := tx.ListGrantsByPatient(ctx, patient.ID)
		if err != nil {
			return err
		}
		out, err = participants(ctx, tx, grants, func(g *ledger.AccessGrant) string { return g.DoctorID })
		return err
	})
	return out, err
}

// ListAccessiblePatients returns the patients who granted the calling doctor
// access.
func (s *Service) ListAccessiblePatients(ctx context.Context, callerID string) ([]*ledger.Participant, error) {
	var out []*ledger.Participant
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		doctor, err := Authorize(ctx, tx, callerID, ledger.RoleDoctor)
		if err != nil {
			return err
		}
		grants, err := tx.ListGrantsByDoctor(ctx, doctor.ID)
		if err != nil {
			return err
		}
		out, err = participants(ctx, tx, grants, func(g *ledger.AccessGrant) string { return g.PatientID })
		return err
	})
	return out, err
}

// ListEnrolledPatients returns the patients currently enrolled in one of the
// calling insurer's policies.
func (s *Service) ListEnrolledPatients(ctx context.Context, callerID string) ([]*ledger.Participant, error) {
	var out []*ledger.Participant
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		insurer, err := Authorize(ctx, tx, callerID, ledger.RoleInsurer)
		if err != nil {
			return err
		}
		enrollments, err := tx.ListEnrollmentsByInsurer(ctx, insurer.ID)
		if err != nil {
			return err
		}
		out, err = participants(ctx, tx, enrollments, func(e *ledger.PolicyEnrollment) string { return e.PatientID })
		return err
	})
	return out, err
}

func participants[T any](ctx context.Context, tx ledger.Tx, rows []T, id func(T) string) ([]*ledger.Participant, error) {
	out := make([]*ledger.Participant, 0, len(rows))
	for _, row := range rows {
		p, err := tx.GetParticipant(ctx, id(row))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
