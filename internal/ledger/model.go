package ledger

import (
	"fmt"
	"time"
)

// Participant is a registered identity with exactly one immutable role.
type Participant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	Email        string    `json:"email"`
	Age          int       `json:"age,omitempty"`
	Active       bool      `json:"active"`
	RecordSeed   string    `json:"record_seed,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// AccessGrant is a patient-issued permission for a doctor to read and append
// to the patient's records. Its existence is the permission.
type AccessGrant struct {
	PatientID string    `json:"patient_id"`
	DoctorID  string    `json:"doctor_id"`
	GrantedAt time.Time `json:"granted_at"`
}

// RecordStatus is a stage in the record approval chain.
type RecordStatus uint8

const (
	StatusCreated RecordStatus = iota
	StatusApprovedByDoctor
	StatusApprovedByDirector
	StatusApprovedByHealthAuthority
)

var recordStatusNames = [...]string{
	StatusCreated:                   "created",
	StatusApprovedByDoctor:          "approved_by_doctor",
	StatusApprovedByDirector:        "approved_by_director",
	StatusApprovedByHealthAuthority: "approved_by_health_authority",
}

func (s RecordStatus) String() string {
	if int(s) < len(recordStatusNames) {
		return recordStatusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Next returns the stage that follows s. The final stage has no successor.
func (s RecordStatus) Next() (RecordStatus, bool) {
	switch s {
	case StatusCreated:
		return StatusApprovedByDoctor, true
	case StatusApprovedByDoctor:
		return StatusApprovedByDirector, true
	case StatusApprovedByDirector:
		return StatusApprovedByHealthAuthority, true
	default:
		return s, false
	}
}

// Final reports whether the record has completed the approval chain.
func (s RecordStatus) Final() bool { return s == StatusApprovedByHealthAuthority }

func (s RecordStatus) MarshalText() ([]byte, error) {
	if int(s) >= len(recordStatusNames) {
		return nil, fmt.Errorf("cannot marshal record status %d", uint8(s))
	}
	return []byte(recordStatusNames[s]), nil
}

func (s *RecordStatus) UnmarshalText(b []byte) error {
	for i, name := range recordStatusNames {
		if name == string(b) {
			*s = RecordStatus(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown record status %q", ErrInvalidInput, string(b))
}

// RecordBasic is the clinical summary of a record.
type RecordBasic struct {
	Diagnosis   string `json:"diagnosis"`
	Treatment   string `json:"treatment"`
	Symptoms    string `json:"symptoms"`
	CreatedDate string `json:"created_date"`
}

// RecordExtended carries the detailed clinical context of a record.
type RecordExtended struct {
	MedicalHistory string `json:"medical_history"`
	Allergies      string `json:"allergies"`
	Medications    string `json:"medications"`
	LabResults     string `json:"lab_results"`
	Vitals         string `json:"vitals"`
	FollowUpPlan   string `json:"follow_up_plan"`
}

// MedicalImage is an attachment reference. Content lives outside the ledger;
// only its location and digest are recorded.
type MedicalImage struct {
	Seq         uint64    `json:"seq"`
	URL         string    `json:"url"`
	Hash        string    `json:"hash"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	AddedAt     time.Time `json:"added_at"`
}

// MedicalRecord is a doctor-authored record moving through the approval chain.
type MedicalRecord struct {
	ID        uint64         `json:"id"`
	PatientID string         `json:"patient_id"`
	DoctorID  string         `json:"doctor_id"`
	Basic     RecordBasic    `json:"basic"`
	Extended  RecordExtended `json:"extended"`
	Status    RecordStatus   `json:"status"`
	Images    []MedicalImage `json:"images,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Treatment is one entry in a patient's append-only treatment history.
type Treatment struct {
	Seq         uint64    `json:"seq"`
	PatientID   string    `json:"patient_id"`
	Disease     string    `json:"disease"`
	Treatment   string    `json:"treatment"`
	Charges     int64     `json:"charges"`
	Date        time.Time `json:"date"`
	DoctorID    string    `json:"doctor_id"`
	DoctorEmail string    `json:"doctor_email"`
}

// Policy is an insurer's catalog entry. Values are in fiat units.
type Policy struct {
	ID            uint64    `json:"id"`
	InsurerID     string    `json:"insurer_id"`
	Name          string    `json:"name"`
	CoverValue    int64     `json:"cover_value"`
	Premium       int64     `json:"premium"`
	DurationYears int       `json:"duration_years"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	MinPolicyDuration = 1
	MaxPolicyDuration = 3
)

// PolicyEnrollment is a patient's live subscription to one policy.
type PolicyEnrollment struct {
	PatientID      string    `json:"patient_id"`
	Policy         Policy    `json:"policy"`
	RemainingCover int64     `json:"remaining_cover"`
	PurchasedAt    time.Time `json:"purchased_at"`
}

// ClaimStatus values.
const (
	ClaimPending  = "pending"
	ClaimApproved = "approved"
	ClaimRejected = "rejected"
)

// Claim is a doctor-filed request to draw on a patient's enrollment.
type Claim struct {
	ID           uint64      `json:"id"`
	PatientID    string      `json:"patient_id"`
	DoctorID     string      `json:"doctor_id"`
	InsurerID    string      `json:"insurer_id"`
	PolicyID     uint64      `json:"policy_id"`
	PolicyName   string      `json:"policy_name"`
	Treatments   []Treatment `json:"treatments"`
	ValueClaimed int64       `json:"value_claimed"`
	Status       string      `json:"status"`
	FiledAt      time.Time   `json:"filed_at"`
	DecidedAt    *time.Time  `json:"decided_at,omitempty"`
}

// Transaction kinds.
const (
	TxCharge      = "charge"
	TxClaimPayout = "claim_payout"
	TxPremium     = "premium"
)

// Transaction is a payable obligation denominated in fiat units. Settled
// moves false to true exactly once.
type Transaction struct {
	ID          uint64     `json:"id"`
	Kind        string     `json:"kind"`
	SenderID    string     `json:"sender_id"`
	ReceiverID  string     `json:"receiver_id"`
	Value       int64      `json:"value"`
	Settled     bool       `json:"settled"`
	NativeValue string     `json:"native_value,omitempty"`
	Rate        string     `json:"rate,omitempty"`
	ClaimID     uint64     `json:"claim_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

// Payer returns the identity expected to settle the obligation. A charge is
// issued by the doctor but names the patient as sender.
func (t *Transaction) Payer() string { return t.SenderID }
