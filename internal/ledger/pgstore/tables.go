package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/medichain/medichain/internal/ledger"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txn struct {
	q    querier
	lock bool
}

// forUpdate returns the locking clause for single-row reads in write units.
func (t *txn) forUpdate() string {
	if t.lock {
		return " FOR UPDATE"
	}
	return ""
}

func (t *txn) exec(ctx context.Context, op, sql string, args ...any) error {
	_, err := t.q.Exec(ctx, sql, args...)
	return classify(op, err)
}

func collect[T any](ctx context.Context, t *txn, op, sql string, scan func(pgx.Rows) (T, error), args ...any) ([]T, error) {
	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (t *txn) NextID(ctx context.Context, kind ledger.IDKind) (uint64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO ledger_counters (kind, value) VALUES ($1, 1)
		ON CONFLICT (kind) DO UPDATE SET value = ledger_counters.value + 1
		RETURNING value`, string(kind)).Scan(&id)
	if err != nil {
		return 0, classify("next id", err)
	}
	return uint64(id), nil
}

// -- Participants --

const participantCols = `id, name, role, email, age, active, record_seed, registered_at`

func scanParticipant(row pgx.Row) (*ledger.Participant, error) {
	var p ledger.Participant
	var role string
	if err := row.Scan(&p.ID, &p.Name, &role, &p.Email, &p.Age, &p.Active, &p.RecordSeed, &p.RegisteredAt); err != nil {
		return nil, err
	}
	r, err := ledger.ParseRole(role)
	if err != nil {
		return nil, err
	}
	p.Role = r
	return &p, nil
}

func (t *txn) GetParticipant(ctx context.Context, id string) (*ledger.Participant, error) {
	p, err := scanParticipant(t.q.QueryRow(ctx,
		`SELECT `+participantCols+` FROM participants WHERE id = $1`+t.forUpdate(), id))
	if err != nil {
		return nil, fmt.Errorf("participant %s: %w", id, classify("get participant", err))
	}
	return p, nil
}

func (t *txn) GetParticipantByEmail(ctx context.Context, email string) (*ledger.Participant, error) {
	p, err := scanParticipant(t.q.QueryRow(ctx,
		`SELECT `+participantCols+` FROM participants WHERE email = $1`+t.forUpdate(), ledger.NormalizeEmail(email)))
	if err != nil {
		return nil, fmt.Errorf("participant with email %s: %w", email, classify("get participant", err))
	}
	return p, nil
}

func (t *txn) CreateParticipant(ctx context.Context, p *ledger.Participant) error {
	return t.exec(ctx, "create participant",
		`INSERT INTO participants (`+participantCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Name, p.Role.String(), ledger.NormalizeEmail(p.Email), p.Age, p.Active, p.RecordSeed, p.RegisteredAt)
}

func (t *txn) UpdateParticipant(ctx context.Context, p *ledger.Participant) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE participants SET name = $2, age = $3, active = $4, record_seed = $5 WHERE id = $1`,
		p.ID, p.Name, p.Age, p.Active, p.RecordSeed)
	if err != nil {
		return classify("update participant", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participant %s: %w", p.ID, ledger.ErrNotFound)
	}
	return nil
}

func (t *txn) ListParticipantsByRole(ctx context.Context, role ledger.Role) ([]*ledger.Participant, error) {
	return collect(ctx, t, "list participants",
		`SELECT `+participantCols+` FROM participants WHERE role = $1 ORDER BY id`,
		func(r pgx.Rows) (*ledger.Participant, error) { return scanParticipant(r) },
		role.String())
}

// -- Grants --

func scanGrant(r pgx.Rows) (*ledger.AccessGrant, error) {
	var g ledger.AccessGrant
	err := r.Scan(&g.PatientID, &g.DoctorID, &g.GrantedAt)
	return &g, err
}

func (t *txn) PutGrant(ctx context.Context, g *ledger.AccessGrant) error {
	return t.exec(ctx, "put grant",
		`INSERT INTO access_grants (patient_id, doctor_id, granted_at) VALUES ($1, $2, $3)
		ON CONFLICT (patient_id, doctor_id) DO NOTHING`,
		g.PatientID, g.DoctorID, g.GrantedAt)
}

func (t *txn) DeleteGrant(ctx context.Context, patientID, doctorID string) error {
	return t.exec(ctx, "delete grant",
		`DELETE FROM access_grants WHERE patient_id = $1 AND doctor_id = $2`, patientID, doctorID)
}

func (t *txn) GetGrant(ctx context.Context, patientID, doctorID string) (*ledger.AccessGrant, error) {
	var g ledger.AccessGrant
	err := t.q.QueryRow(ctx,
		`SELECT patient_id, doctor_id, granted_at FROM access_grants
		WHERE patient_id = $1 AND doctor_id = $2`+t.forUpdate(), patientID, doctorID).
		Scan(&g.PatientID, &g.DoctorID, &g.GrantedAt)
	if err != nil {
		return nil, classify("get grant", err)
	}
	return &g, nil
}

func (t *txn) ListGrantsByPatient(ctx context.Context, patientID string) ([]*ledger.AccessGrant, error) {
	return collect(ctx, t, "list grants",
		`SELECT patient_id, doctor_id, granted_at FROM access_grants WHERE patient_id = $1 ORDER BY doctor_id`,
		scanGrant, patientID)
}

func (t *txn) ListGrantsByDoctor(ctx context.Context, doctorID string) ([]*ledger.AccessGrant, error) {
	return collect(ctx, t, "list grants",
		`SELECT patient_id, doctor_id, granted_at FROM access_grants WHERE doctor_id = $1 ORDER BY patient_id`,
		scanGrant, doctorID)
}

// -- Records --

const recordCols = `id, patient_id, doctor_id, basic, extended, status, created_at, updated_at`

func scanRecord(row pgx.Row) (*ledger.MedicalRecord, error) {
	var r ledger.MedicalRecord
	var id int64
	var basic, extended []byte
	var status string
	if err := row.Scan(&id, &r.PatientID, &r.DoctorID, &basic, &extended, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.ID = uint64(id)
	if err := json.Unmarshal(basic, &r.Basic); err != nil {
		return nil, fmt.Errorf("decode basic: %w", err)
	}
	if err := json.Unmarshal(extended, &r.Extended); err != nil {
		return nil, fmt.Errorf("decode extended: %w", err)
	}
	if err := r.Status.UnmarshalText([]byte(status)); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *txn) GetRecord(ctx context.Context, id uint64) (*ledger.MedicalRecord, error) {
	r, err := scanRecord(t.q.QueryRow(ctx,
		`SELECT `+recordCols+` FROM medical_records WHERE id = $1`+t.forUpdate(), int64(id)))
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", id, classify("get record", err))
	}
	if r.Images, err = t.ListImages(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (t *txn) PutRecord(ctx context.Context, r *ledger.MedicalRecord) error {
	basic, err := json.Marshal(r.Basic)
	if err != nil {
		return err
	}
	extended, err := json.Marshal(r.Extended)
	if err != nil {
		return err
	}
	return t.exec(ctx, "put record",
		`INSERT INTO medical_records (`+recordCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET basic = EXCLUDED.basic, extended = EXCLUDED.extended,
			status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		int64(r.ID), r.PatientID, r.DoctorID, basic, extended, r.Status.String(), r.CreatedAt, r.UpdatedAt)
}

func (t *txn) ListRecordsByPatient(ctx context.Context, patientID string) ([]*ledger.MedicalRecord, error) {
	recs, err := collect(ctx, t, "list records",
		`SELECT `+recordCols+` FROM medical_records WHERE patient_id = $1 ORDER BY id`,
		func(r pgx.Rows) (*ledger.MedicalRecord, error) { return scanRecord(r) },
		patientID)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.Images, err = t.ListImages(ctx, r.ID); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (t *txn) AppendImage(ctx context.Context, recordID uint64, img *ledger.MedicalImage) error {
	seq, err := t.NextID(ctx, ledger.KindImage)
	if err != nil {
		return err
	}
	img.Seq = seq
	return t.exec(ctx, "append image",
		`INSERT INTO medical_images (record_id, seq, url, hash, type, description, added_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(recordID), int64(seq), img.URL, img.Hash, img.Type, img.Description, img.AddedAt)
}

func (t *txn) ListImages(ctx context.Context, recordID uint64) ([]ledger.MedicalImage, error) {
	return collect(ctx, t, "list images",
		`SELECT seq, url, hash, type, description, added_at FROM medical_images
		WHERE record_id = $1 ORDER BY seq`,
		func(r pgx.Rows) (ledger.MedicalImage, error) {
			var img ledger.MedicalImage
			var seq int64
			err := r.Scan(&seq, &img.URL, &img.Hash, &img.Type, &img.Description, &img.AddedAt)
			img.Seq = uint64(seq)
			return img, err
		}, int64(recordID))
}

// -- Treatments --

func (t *txn) AppendTreatment(ctx context.Context, tr *ledger.Treatment) error {
	seq, err := t.NextID(ctx, ledger.KindTreatment)
	if err != nil {
		return err
	}
	tr.Seq = seq
	return t.exec(ctx, "append treatment",
		`INSERT INTO treatments (seq, patient_id, disease, treatment, charges, date, doctor_id, doctor_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		int64(seq), tr.PatientID, tr.Disease, tr.Treatment, tr.Charges, tr.Date, tr.DoctorID, tr.DoctorEmail)
}

func (t *txn) ListTreatments(ctx context.Context, patientID string) ([]ledger.Treatment, error) {
	return collect(ctx, t, "list treatments",
		`SELECT seq, patient_id, disease, treatment, charges, date, doctor_id, doctor_email
		FROM treatments WHERE patient_id = $1 ORDER BY seq`,
		func(r pgx.Rows) (ledger.Treatment, error) {
			var tr ledger.Treatment
			var seq int64
			err := r.Scan(&seq, &tr.PatientID, &tr.Disease, &tr.Treatment, &tr.Charges, &tr.Date, &tr.DoctorID, &tr.DoctorEmail)
			tr.Seq = uint64(seq)
			return tr, err
		}, patientID)
}

// -- Policies & enrollments --

const policyCols = `id, insurer_id, name, cover_value, premium, duration_years, created_at`

func scanPolicy(row pgx.Row) (*ledger.Policy, error) {
	var p ledger.Policy
	var id int64
	if err := row.Scan(&id, &p.InsurerID, &p.Name, &p.CoverValue, &p.Premium, &p.DurationYears, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.ID = uint64(id)
	return &p, nil
}

func (t *txn) PutPolicy(ctx context.Context, p *ledger.Policy) error {
	return t.exec(ctx, "put policy",
		`INSERT INTO policies (`+policyCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(p.ID), p.InsurerID, p.Name, p.CoverValue, p.Premium, p.DurationYears, p.CreatedAt)
}

func (t *txn) GetPolicy(ctx context.Context, id uint64) (*ledger.Policy, error) {
	p, err := scanPolicy(t.q.QueryRow(ctx, `SELECT `+policyCols+` FROM policies WHERE id = $1`, int64(id)))
	if err != nil {
		return nil, fmt.Errorf("policy %d: %w", id, classify("get policy", err))
	}
	return p, nil
}

func (t *txn) ListPoliciesByInsurer(ctx context.Context, insurerID string) ([]*ledger.Policy, error) {
	return collect(ctx, t, "list policies",
		`SELECT `+policyCols+` FROM policies WHERE insurer_id = $1 ORDER BY id`,
		func(r pgx.Rows) (*ledger.Policy, error) { return scanPolicy(r) },
		insurerID)
}

func scanEnrollment(row pgx.Row) (*ledger.PolicyEnrollment, error) {
	var e ledger.PolicyEnrollment
	var policy []byte
	if err := row.Scan(&e.PatientID, &policy, &e.RemainingCover, &e.PurchasedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(policy, &e.Policy); err != nil {
		return nil, fmt.Errorf("decode policy snapshot: %w", err)
	}
	return &e, nil
}

func (t *txn) GetEnrollment(ctx context.Context, patientID string) (*ledger.PolicyEnrollment, error) {
	e, err := scanEnrollment(t.q.QueryRow(ctx,
		`SELECT patient_id, policy, remaining_cover, purchased_at FROM enrollments
		WHERE patient_id = $1`+t.forUpdate(), patientID))
	if err != nil {
		return nil, fmt.Errorf("enrollment for %s: %w", patientID, classify("get enrollment", err))
	}
	return e, nil
}

func (t *txn) CreateEnrollment(ctx context.Context, e *ledger.PolicyEnrollment) error {
	policy, err := json.Marshal(e.Policy)
	if err != nil {
		return err
	}
	return t.exec(ctx, "create enrollment",
		`INSERT INTO enrollments (patient_id, insurer_id, policy, remaining_cover, purchased_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.PatientID, e.Policy.InsurerID, policy, e.RemainingCover, e.PurchasedAt)
}

func (t *txn) UpdateEnrollment(ctx context.Context, e *ledger.PolicyEnrollment) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE enrollments SET remaining_cover = $2 WHERE patient_id = $1`, e.PatientID, e.RemainingCover)
	if err != nil {
		return classify("update enrollment", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("enrollment for %s: %w", e.PatientID, ledger.ErrNotFound)
	}
	return nil
}

func (t *txn) ListEnrollmentsByInsurer(ctx context.Context, insurerID string) ([]*ledger.PolicyEnrollment, error) {
	return collect(ctx, t, "list enrollments",
		`SELECT patient_id, policy, remaining_cover, purchased_at FROM enrollments
		WHERE insurer_id = $1 ORDER BY patient_id`,
		func(r pgx.Rows) (*ledger.PolicyEnrollment, error) { return scanEnrollment(r) },
		insurerID)
}

// -- Claims --

const claimCols = `id, patient_id, doctor_id, insurer_id, policy_id, policy_name, treatments,
	value_claimed, status, filed_at, decided_at`

func scanClaim(row pgx.Row) (*ledger.Claim, error) {
	var c ledger.Claim
	var id, policyID int64
	var treatments []byte
	if err := row.Scan(&id, &c.PatientID, &c.DoctorID, &c.InsurerID, &policyID, &c.PolicyName,
		&treatments, &c.ValueClaimed, &c.Status, &c.FiledAt, &c.DecidedAt); err != nil {
		return nil, err
	}
	c.ID, c.PolicyID = uint64(id), uint64(policyID)
	if err := json.Unmarshal(treatments, &c.Treatments); err != nil {
		return nil, fmt.Errorf("decode treatments: %w", err)
	}
	return &c, nil
}

func (t *txn) PutClaim(ctx context.Context, c *ledger.Claim) error {
	treatments, err := json.Marshal(c.Treatments)
	if err != nil {
		return err
	}
	return t.exec(ctx, "put claim",
		`INSERT INTO claims (`+claimCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, decided_at = EXCLUDED.decided_at`,
		int64(c.ID), c.PatientID, c.DoctorID, c.InsurerID, int64(c.PolicyID), c.PolicyName,
		treatments, c.ValueClaimed, c.Status, c.FiledAt, c.DecidedAt)
}

func (t *txn) GetClaim(ctx context.Context, id uint64) (*ledger.Claim, error) {
	c, err := scanClaim(t.q.QueryRow(ctx,
		`SELECT `+claimCols+` FROM claims WHERE id = $1`+t.forUpdate(), int64(id)))
	if err != nil {
		return nil, fmt.Errorf("claim %d: %w", id, classify("get claim", err))
	}
	return c, nil
}

func (t *txn) listClaims(ctx context.Context, column, party string) ([]*ledger.Claim, error) {
	return collect(ctx, t, "list claims",
		`SELECT `+claimCols+` FROM claims WHERE `+column+` = $1 ORDER BY id`,
		func(r pgx.Rows) (*ledger.Claim, error) { return scanClaim(r) },
		party)
}

func (t *txn) ListClaimsByInsurer(ctx context.Context, insurerID string) ([]*ledger.Claim, error) {
	return t.listClaims(ctx, "insurer_id", insurerID)
}

func (t *txn) ListClaimsByPatient(ctx context.Context, patientID string) ([]*ledger.Claim, error) {
	return t.listClaims(ctx, "patient_id", patientID)
}

func (t *txn) ListClaimsByDoctor(ctx context.Context, doctorID string) ([]*ledger.Claim, error) {
	return t.listClaims(ctx, "doctor_id", doctorID)
}

// -- Transactions --

const transactionCols = `id, kind, sender_id, receiver_id, value, settled, native_value, rate,
	claim_id, created_at, settled_at`

func scanTransaction(row pgx.Row) (*ledger.Transaction, error) {
	var tx ledger.Transaction
	var id, claimID int64
	var settledAt *time.Time
	if err := row.Scan(&id, &tx.Kind, &tx.SenderID, &tx.ReceiverID, &tx.Value, &tx.Settled,
		&tx.NativeValue, &tx.Rate, &claimID, &tx.CreatedAt, &settledAt); err != nil {
		return nil, err
	}
	tx.ID, tx.ClaimID, tx.SettledAt = uint64(id), uint64(claimID), settledAt
	return &tx, nil
}

func (t *txn) PutTransaction(ctx context.Context, tx *ledger.Transaction) error {
	return t.exec(ctx, "put transaction",
		`INSERT INTO transactions (`+transactionCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET settled = EXCLUDED.settled, native_value = EXCLUDED.native_value,
			rate = EXCLUDED.rate, settled_at = EXCLUDED.settled_at`,
		int64(tx.ID), tx.Kind, tx.SenderID, tx.ReceiverID, tx.Value, tx.Settled,
		tx.NativeValue, tx.Rate, int64(tx.ClaimID), tx.CreatedAt, tx.SettledAt)
}

func (t *txn) GetTransaction(ctx context.Context, id uint64) (*ledger.Transaction, error) {
	tx, err := scanTransaction(t.q.QueryRow(ctx,
		`SELECT `+transactionCols+` FROM transactions WHERE id = $1`+t.forUpdate(), int64(id)))
	if err != nil {
		return nil, fmt.Errorf("transaction %d: %w", id, classify("get transaction", err))
	}
	return tx, nil
}

func (t *txn) ListTransactionsFor(ctx context.Context, id string) ([]*ledger.Transaction, error) {
	return collect(ctx, t, "list transactions",
		`SELECT `+transactionCols+` FROM transactions WHERE sender_id = $1 OR receiver_id = $1 ORDER BY id`,
		func(r pgx.Rows) (*ledger.Transaction, error) { return scanTransaction(r) },
		id)
}

var _ ledger.Tx = (*txn)(nil)
