package ledger

import "context"

// IDKind names an independently numbered entity type.
type IDKind string

const (
	KindRecord      IDKind = "record"
	KindImage       IDKind = "image"
	KindTreatment   IDKind = "treatment"
	KindPolicy      IDKind = "policy"
	KindClaim       IDKind = "claim"
	KindTransaction IDKind = "transaction"
)

// Store is the persistent backend for all ledger tables. Update runs fn as a
// single atomic unit: either every write made through the Tx commits or none
// does. Conflicting Update units are serialized by the backend. View runs fn
// against a consistent read-only snapshot.
type Store interface {
	View(ctx context.Context, fn func(tx Tx) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the typed table access available inside a Store unit. Lookups of
// missing rows return errors wrapping ErrNotFound. Writes inside a View unit
// fail.
type Tx interface {
	// NextID allocates the next value of the monotonic counter for kind.
	NextID(ctx context.Context, kind IDKind) (uint64, error)

	GetParticipant(ctx context.Context, id string) (*Participant, error)
	GetParticipantByEmail(ctx context.Context, email string) (*Participant, error)
	// CreateParticipant inserts p, failing with ErrAlreadyRegistered or
	// ErrDuplicateEmail when the identity or email is taken.
	CreateParticipant(ctx context.Context, p *Participant) error
	UpdateParticipant(ctx context.Context, p *Participant) error
	ListParticipantsByRole(ctx context.Context, role Role) ([]*Participant, error)

	PutGrant(ctx context.Context, g *AccessGrant) error
	DeleteGrant(ctx context.Context, patientID, doctorID string) error
	GetGrant(ctx context.Context, patientID, doctorID string) (*AccessGrant, error)
	ListGrantsByPatient(ctx context.Context, patientID string) ([]*AccessGrant, error)
	ListGrantsByDoctor(ctx context.Context, doctorID string) ([]*AccessGrant, error)

	// GetRecord returns the record with its images attached.
	GetRecord(ctx context.Context, id uint64) (*MedicalRecord, error)
	// PutRecord stores the record row; Images are ignored.
	PutRecord(ctx context.Context, r *MedicalRecord) error
	ListRecordsByPatient(ctx context.Context, patientID string) ([]*MedicalRecord, error)
	AppendImage(ctx context.Context, recordID uint64, img *MedicalImage) error
	ListImages(ctx context.Context, recordID uint64) ([]MedicalImage, error)

	// AppendTreatment assigns t.Seq and appends t to the patient's history.
	AppendTreatment(ctx context.Context, t *Treatment) error
	ListTreatments(ctx context.Context, patientID string) ([]Treatment, error)

	PutPolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, id uint64) (*Policy, error)
	ListPoliciesByInsurer(ctx context.Context, insurerID string) ([]*Policy, error)

	GetEnrollment(ctx context.Context, patientID string) (*PolicyEnrollment, error)
	// CreateEnrollment fails with ErrAlreadyEnrolled if the patient holds one.
	CreateEnrollment(ctx context.Context, e *PolicyEnrollment) error
	UpdateEnrollment(ctx context.Context, e *PolicyEnrollment) error
	ListEnrollmentsByInsurer(ctx context.Context, insurerID string) ([]*PolicyEnrollment, error)

	PutClaim(ctx context.Context, c *Claim) error
	GetClaim(ctx context.Context, id uint64) (*Claim, error)
	ListClaimsByInsurer(ctx context.Context, insurerID string) ([]*Claim, error)
	ListClaimsByPatient(ctx context.Context, patientID string) ([]*Claim, error)
	ListClaimsByDoctor(ctx context.Context, doctorID string) ([]*Claim, error)

	PutTransaction(ctx context.Context, t *Transaction) error
	GetTransaction(ctx context.Context, id uint64) (*Transaction, error)
	// ListTransactionsFor returns transactions where id is sender or receiver,
	// ordered by id.
	ListTransactionsFor(ctx context.Context, id string) ([]*Transaction, error)
}
