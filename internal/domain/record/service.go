// Package record implements the medical record workflow: creation by a
// doctor, the four-stage approval chain, image attachments, and the
// patient's append-only treatment history.
package record

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medichain/medichain/internal/domain/access"
	"github.com/medichain/medichain/internal/domain/settlement"
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
		logger: logger.With().Str("component", "record").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type CreateInput struct {
	PatientID string                `json:"patient_id"`
	Basic     ledger.RecordBasic    `json:"basic"`
	Extended  ledger.RecordExtended `json:"extended"`
}

// Create stores a new record authored by the calling doctor.
func (s *Service) Create(ctx context.Context, callerID string, in CreateInput) (*ledger.MedicalRecord, error) {
	var rec *ledger.MedicalRecord
	err := s.store.Update(ctx, func(tx ledger.Tx) error {
		doctor, err := access.Authorize(ctx, tx, callerID, ledger.RoleDoctor)
		if err != nil {
			return err
		}
		if _, err := access.Patient(ctx, tx, in.PatientID); err != nil {
			return err
		}
		id, err := tx.NextID(ctx, ledger.KindRecord)
		if err != nil {
			return err
		}
		now := s.now()
		rec = &ledger.MedicalRecord{
			ID:        id,
			PatientID: in.PatientID,
			DoctorID:  doctor.ID,
			Basic:     in.Basic,
			Extended:  in.Extended,
			Status:    ledger.StatusCreated,
			Images:    []ledger.MedicalImage{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if rec.Basic.CreatedDate == "" {
			rec.Basic.CreatedDate = now.Format(time.DateOnly)
		}
		return tx.PutRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Uint64("record_id", rec.ID).Str("patient", rec.PatientID).Str("doctor", rec.DoctorID).Msg("record created")
	events.Emit(ctx, s.pub, s.logger, events.New(events.RecordCreated, recordSubject(rec.ID), callerID, map[string]any{
		"record_id":  rec.ID,
		"patient_id": rec.PatientID,
	}))
	return rec, nil
}

// stage describes who may move a record into a status. The order of the
// chain itself comes from RecordStatus.Next.
type stage struct {
	role        ledger.Role
	creatorOnly bool
}

var stages = map[ledger.RecordStatus]stage{
	ledger.StatusApprovedByDoctor:          {role: ledger.RoleDoctor, creatorOnly: true},
	ledger.StatusApprovedByDirector:        {role: ledger.RoleDirector},
	ledger.StatusApprovedByHealthAuthority: {role: ledger.RoleHealthAuthority},
}

func (s *Service) ApproveByDoctor(ctx context.Context, callerID string, id uint64) (*ledger.MedicalRecord, error) {
	return s.approve(ctx, callerID, id, ledger.StatusApprovedByDoctor)
}

func (s *Service) ApproveByDirector(ctx context.Context, callerID string, id uint64) (*ledger.MedicalRecord, error) {
	return s.approve(ctx, callerID, id, ledger.StatusApprovedByDirector)
}

func (s *Service) ApproveByHealthAuthority(ctx context.Context, callerID string, id uint64) (*ledger.MedicalRecord, error) {
	return s.approve(ctx, callerID, id, ledger.StatusApprovedByHealthAuthority)
}

// approve advances record id to target. Failures are reported in the order
// not found, unauthorized, not active, invalid transition.
func (s *Service) approve(ctx context.Context, callerID string, id uint64, target ledger.RecordStatus) (*ledger.MedicalRecord, error) {
	st, ok := stages[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an approval stage", ledger.ErrInvalidTransition, target)
	}

	var rec *ledger.MedicalRecord
	err := s.store.Update(ctx, func(tx ledger.Tx) error {
		var err error
		if rec, err = tx.GetRecord(ctx, id); err != nil {
			return err
		}
		caller, err := access.Identify(ctx, tx, callerID)
		if err != nil {
			return err
		}
		if caller.Role != st.role || (st.creatorOnly && caller.ID != rec.DoctorID) {
			return fmt.Errorf("%w: %s may not move record %d to %s", ledger.ErrUnauthorized, caller.ID, id, target)
		}
		if !caller.Active {
			return fmt.Errorf("%w: %s", ledger.ErrNotActive, caller.ID)
		}
		if rec.Status.Final() {
			return fmt.Errorf("%w: record %d is already %s", ledger.ErrInvalidTransition, id, rec.Status)
		}
		if next, _ := rec.Status.Next(); next != target {
			return fmt.Errorf("%w: record %d is %s, next stage is %s", ledger.ErrInvalidTransition, id, rec.Status, next)
		}
		rec.Status = target
		rec.UpdatedAt = s.now()
		return tx.PutRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Uint64("record_id", id).Stringer("status", target).Bool("final", target.Final()).Str("by", callerID).Msg("record approved")
	events.Emit(ctx, s.pub, s.logger, events.New(events.RecordApproved, recordSubject(id), callerID, map[string]any{
		"record_id": id,
		"status":    target,
		"final":     target.Final(),
	}))
	return rec, nil
}

type ImageInput struct {
	URL         string `json:"url"`
	Hash        string `json:"hash"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// AddImage appends an image reference to record id. Only the creating doctor
// may attach images; the record's approval status does not matter.
func (s *Service) AddImage(ctx context.Context, callerID string, id uint64, in ImageInput) (*ledger.MedicalImage, error) {
	if strings.TrimSpace(in.URL) == "" || strings.TrimSpace(in.Hash) == "" {
		return nil, fmt.Errorf("%w: image url and hash are required", ledger.ErrInvalidInput)
	}

	img := &ledger.MedicalImage{
		URL:         in.URL,
		Hash:        in.Hash,
		Type:        in.Type,
		Description: in.Description,
		AddedAt:     s.now(),
	}
	err := s.store.Update(ctx, func(tx ledger.Tx) error {
		rec, err := tx.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		caller, err := access.Identify(ctx, tx, callerID)
		if err != nil {
			return err
		}
		if caller.ID != rec.DoctorID {
			return fmt.Errorf("%w: only the creating doctor may add images", ledger.ErrUnauthorized)
		}
		if !caller.Active {
			return fmt.Errorf("%w: %s", ledger.ErrNotActive, caller.ID)
		}
		return tx.AppendImage(ctx, id, img)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Uint64("record_id", id).Uint64("image_seq", img.Seq).Msg("image added")
	events.Emit(ctx, s.pub, s.logger, events.New(events.RecordImageAdded, recordSubject(id), callerID, img))
	return img, nil
}

// View returns record id with its images if the caller may see it.
func (s *Service) View(ctx context.Context, callerID string, id uint64) (*ledger.MedicalRecord, error) {
	var rec *ledger.MedicalRecord
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		if rec, err = tx.GetRecord(ctx, id); err != nil {
			return err
		}
		return checkView(ctx, tx, callerID, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetImages returns the images of record id under the same gate as View.
func (s *Service) GetImages(ctx context.Context, callerID string, id uint64) ([]ledger.MedicalImage, error) {
	rec, err := s.View(ctx, callerID, id)
	if err != nil {
		return nil, err
	}
	return rec.Images, nil
}

func checkView(ctx context.Context, tx ledger.Tx, callerID string, rec *ledger.MedicalRecord) error {
	caller, err := access.Identify(ctx, tx, callerID)
	if err != nil {
		return err
	}
	if caller.ID == rec.DoctorID {
		return nil
	}
	ok, err := access.CanViewPatient(ctx, tx, caller, rec.PatientID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s may not view record %d", ledger.ErrUnauthorized, caller.ID, rec.ID)
	}
	return nil
}

// ListForPatient returns the records of patientID the caller may see. A
// doctor without a grant sees only the records it created.
func (s *Service) ListForPatient(ctx context.Context, callerID, patientID string) ([]*ledger.MedicalRecord, error) {
	var out []*ledger.MedicalRecord
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		caller, err := access.Identify(ctx, tx, callerID)
		if err != nil {
			return err
		}
		if _, err := access.Patient(ctx, tx, patientID); err != nil {
			return err
		}
		all, err := tx.ListRecordsByPatient(ctx, patientID)
		if err != nil {
			return err
		}
		ok, err := access.CanViewPatient(ctx, tx, caller, patientID)
		if err != nil {
			return err
		}
		if ok {
			out = all
			return nil
		}
		if caller.Role != ledger.RoleDoctor {
			return fmt.Errorf("%w: %s may not view records of %s", ledger.ErrUnauthorized, caller.ID, patientID)
		}
		out = make([]*ledger.MedicalRecord, 0, len(all))
		for _, r := range all {
			if r.DoctorID == caller.ID {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

type DiagnosisInput struct {
	Disease   string `json:"disease"`
	Treatment string `json:"treatment"`
	Charges   int64  `json:"charges"`
}

// Diagnosis is the result of SubmitDiagnosis.
type Diagnosis struct {
	Treatment ledger.Treatment    `json:"treatment"`
	Charge    *ledger.Transaction `json:"charge"`
}

// SubmitDiagnosis appends a treatment to the patient's history and bills the
// patient for it in one unit. The caller must be an active doctor holding a
// grant from the patient.
func (s *Service) SubmitDiagnosis(ctx context.Context, callerID, patientID string, in DiagnosisInput) (*Diagnosis, error) {
	if strings.TrimSpace(in.Disease) == "" {
		return nil, fmt.Errorf("%w: disease is required", ledger.ErrInvalidInput)
	}
	if in.Charges <= 0 {
		return nil, fmt.Errorf("%w: charges must be positive", ledger.ErrInvalidAmount)
	}

	var out Diagnosis
	err := s.store.Update(ctx, func(tx ledger.Tx) error {
		doctor, err := access.AuthorizeTreating(ctx, tx, callerID, patientID)
		if err != nil {
			return err
		}
		now := s.now()
		out.Treatment = ledger.Treatment{
			PatientID:   patientID,
			Disease:     in.Disease,
			Treatment:   in.Treatment,
			Charges:     in.Charges,
			Date:        now,
			DoctorID:    doctor.ID,
			DoctorEmail: doctor.Email,
		}
		if err := tx.AppendTreatment(ctx, &out.Treatment); err != nil {
			return err
		}
		out.Charge, err = settlement.IssueChargeTx(ctx, tx, doctor, patientID, in.Charges, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("patient", patientID).Str("doctor", callerID).Uint64("treatment_seq", out.Treatment.Seq).
		Uint64("transaction_id", out.Charge.ID).Msg("diagnosis submitted")
	events.Emit(ctx, s.pub, s.logger, events.New(events.TreatmentRecorded, patientID, callerID, out.Treatment))
	events.Emit(ctx, s.pub, s.logger, events.New(events.ChargeIssued, patientID, callerID, out.Charge))
	return &out, nil
}

// History returns the treatment history of patientID in append order.
func (s *Service) History(ctx context.Context, callerID, patientID string) ([]ledger.Treatment, error) {
	var out []ledger.Treatment
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
			return fmt.Errorf("%w: %s may not view history of %s", ledger.ErrUnauthorized, caller.ID, patientID)
		}
		out, err = tx.ListTreatments(ctx, patientID)
		return err
	})
	return out, err
}

func recordSubject(id uint64) string {
	return "record/" + strconv.FormatUint(id, 10)
}
