package kvstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/medichain/medichain/internal/ledger"
)

// Key layout. Ids are zero-padded so that lexical order matches numeric
// order; identities never contain "/".
//
//	seq/<kind>                    counter
//	p/<id>                        participant
//	pe/<email>                    -> participant id
//	pr/<role>/<id>                role index
//	g/<patient>/<doctor>          grant
//	gd/<doctor>/<patient>         grant reverse index
//	r/<id>                        record
//	rp/<patient>/<id>             record index
//	ri/<record>/<seq>             image
//	t/<patient>/<seq>             treatment
//	pol/<id>, poli/<insurer>/<id> policy
//	en/<patient>                  enrollment
//	eni/<insurer>/<patient>       enrollment index
//	c/<id>                        claim
//	ci|cp|cd/<party>/<id>         claim indexes
//	x/<id>, xp/<party>/<id>       transaction and party index
type txn struct {
	r reader
	w writer
}

func num(id uint64) string { return fmt.Sprintf("%020d", id) }

func (t *txn) get(key string, v any) error {
	raw, err := t.r.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ledger.ErrNotFound
	}
	if err != nil {
		return unavailable("get", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (t *txn) has(key string) (bool, error) {
	_, err := t.r.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("get", err)
	}
	return true, nil
}

func (t *txn) put(key string, v any) error {
	if t.w == nil {
		return errReadOnly
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := t.w.Put([]byte(key), raw, nil); err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (t *txn) del(key string) error {
	if t.w == nil {
		return errReadOnly
	}
	if err := t.w.Delete([]byte(key), nil); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// scan calls fn with the value of every key under prefix, in key order.
func (t *txn) scan(prefix string, fn func(val []byte) error) error {
	it := t.r.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	for it.Next() {
		if err := fn(it.Value()); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return unavailable("iterate", err)
	}
	return nil
}

func scanAll[T any](t *txn, prefix string) ([]*T, error) {
	var out []*T
	err := t.scan(prefix, func(val []byte) error {
		v := new(T)
		if err := json.Unmarshal(val, v); err != nil {
			return fmt.Errorf("decode %s: %w", prefix, err)
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

// -- Counters --

func (t *txn) NextID(_ context.Context, kind ledger.IDKind) (uint64, error) {
	if t.w == nil {
		return 0, errReadOnly
	}
	key := []byte("seq/" + string(kind))
	var cur uint64
	raw, err := t.r.Get(key, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return 0, unavailable("get", err)
	default:
		cur = binary.BigEndian.Uint64(raw)
	}
	next := cur + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := t.w.Put(key, buf, nil); err != nil {
		return 0, unavailable("put", err)
	}
	return next, nil
}

// -- Participants --

func (t *txn) GetParticipant(_ context.Context, id string) (*ledger.Participant, error) {
	var p ledger.Participant
	if err := t.get("p/"+id, &p); err != nil {
		return nil, fmt.Errorf("participant %s: %w", id, err)
	}
	return &p, nil
}

func (t *txn) GetParticipantByEmail(ctx context.Context, email string) (*ledger.Participant, error) {
	var id string
	if err := t.get("pe/"+ledger.NormalizeEmail(email), &id); err != nil {
		return nil, fmt.Errorf("participant with email %s: %w", email, err)
	}
	return t.GetParticipant(ctx, id)
}

func (t *txn) CreateParticipant(_ context.Context, p *ledger.Participant) error {
	exists, err := t.has("p/" + p.ID)
	if err != nil {
		return err
	}
	if exists {
		return ledger.ErrAlreadyRegistered
	}
	emailKey := "pe/" + ledger.NormalizeEmail(p.Email)
	if exists, err = t.has(emailKey); err != nil {
		return err
	} else if exists {
		return ledger.ErrDuplicateEmail
	}
	if err := t.put("p/"+p.ID, p); err != nil {
		return err
	}
	if err := t.put(emailKey, p.ID); err != nil {
		return err
	}
	return t.put("pr/"+p.Role.String()+"/"+p.ID, p.ID)
}

func (t *txn) UpdateParticipant(_ context.Context, p *ledger.Participant) error {
	exists, err := t.has("p/" + p.ID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("participant %s: %w", p.ID, ledger.ErrNotFound)
	}
	return t.put("p/"+p.ID, p)
}

func (t *txn) ListParticipantsByRole(ctx context.Context, role ledger.Role) ([]*ledger.Participant, error) {
	var out []*ledger.Participant
	err := t.scan("pr/"+role.String()+"/", func(val []byte) error {
		var id string
		if err := json.Unmarshal(val, &id); err != nil {
			return err
		}
		p, err := t.GetParticipant(ctx, id)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// -- Grants --

func (t *txn) PutGrant(_ context.Context, g *ledger.AccessGrant) error {
	if err := t.put("g/"+g.PatientID+"/"+g.DoctorID, g); err != nil {
		return err
	}
	return t.put("gd/"+g.DoctorID+"/"+g.PatientID, g)
}

func (t *txn) DeleteGrant(_ context.Context, patientID, doctorID string) error {
	if err := t.del("g/" + patientID + "/" + doctorID); err != nil {
		return err
	}
	return t.del("gd/" + doctorID + "/" + patientID)
}

func (t *txn) GetGrant(_ context.Context, patientID, doctorID string) (*ledger.AccessGrant, error) {
	var g ledger.AccessGrant
	if err := t.get("g/"+patientID+"/"+doctorID, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (t *txn) ListGrantsByPatient(_ context.Context, patientID string) ([]*ledger.AccessGrant, error) {
	return scanAll[ledger.AccessGrant](t, "g/"+patientID+"/")
}

func (t *txn) ListGrantsByDoctor(_ context.Context, doctorID string) ([]*ledger.AccessGrant, error) {
	return scanAll[ledger.AccessGrant](t, "gd/"+doctorID+"/")
}

// -- Records --

func (t *txn) GetRecord(ctx context.Context, id uint64) (*ledger.MedicalRecord, error) {
	var r ledger.MedicalRecord
	if err := t.get("r/"+num(id), &r); err != nil {
		return nil, fmt.Errorf("record %d: %w", id, err)
	}
	images, err := t.ListImages(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Images = images
	return &r, nil
}

func (t *txn) PutRecord(_ context.Context, r *ledger.MedicalRecord) error {
	row := *r
	row.Images = nil
	if err := t.put("r/"+num(r.ID), &row); err != nil {
		return err
	}
	return t.put("rp/"+r.PatientID+"/"+num(r.ID), r.ID)
}

func (t *txn) ListRecordsByPatient(ctx context.Context, patientID string) ([]*ledger.MedicalRecord, error) {
	var out []*ledger.MedicalRecord
	err := t.scan("rp/"+patientID+"/", func(val []byte) error {
		var id uint64
		if err := json.Unmarshal(val, &id); err != nil {
			return err
		}
		r, err := t.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func (t *txn) AppendImage(ctx context.Context, recordID uint64, img *ledger.MedicalImage) error {
	seq, err := t.NextID(ctx, ledger.KindImage)
	if err != nil {
		return err
	}
	img.Seq = seq
	return t.put("ri/"+num(recordID)+"/"+num(seq), img)
}

func (t *txn) ListImages(_ context.Context, recordID uint64) ([]ledger.MedicalImage, error) {
	ptrs, err := scanAll[ledger.MedicalImage](t, "ri/"+num(recordID)+"/")
	if err != nil {
		return nil, err
	}
	out := make([]ledger.MedicalImage, 0, len(ptrs))
	for _, p := range ptrs {
		out = append(out, *p)
	}
	return out, nil
}

// -- Treatments --

func (t *txn) AppendTreatment(ctx context.Context, tr *ledger.Treatment) error {
	seq, err := t.NextID(ctx, ledger.KindTreatment)
	if err != nil {
		return err
	}
	tr.Seq = seq
	return t.put("t/"+tr.PatientID+"/"+num(seq), tr)
}

func (t *txn) ListTreatments(_ context.Context, patientID string) ([]ledger.Treatment, error) {
	ptrs, err := scanAll[ledger.Treatment](t, "t/"+patientID+"/")
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Treatment, 0, len(ptrs))
	for _, p := range ptrs {
		out = append(out, *p)
	}
	return out, nil
}

// -- Policies & enrollments --

func (t *txn) PutPolicy(_ context.Context, p *ledger.Policy) error {
	if err := t.put("pol/"+num(p.ID), p); err != nil {
		return err
	}
	return t.put("poli/"+p.InsurerID+"/"+num(p.ID), p.ID)
}

func (t *txn) GetPolicy(_ context.Context, id uint64) (*ledger.Policy, error) {
	var p ledger.Policy
	if err := t.get("pol/"+num(id), &p); err != nil {
		return nil, fmt.Errorf("policy %d: %w", id, err)
	}
	return &p, nil
}

func (t *txn) ListPoliciesByInsurer(ctx context.Context, insurerID string) ([]*ledger.Policy, error) {
	var out []*ledger.Policy
	err := t.scan("poli/"+insurerID+"/", func(val []byte) error {
		var id uint64
		if err := json.Unmarshal(val, &id); err != nil {
			return err
		}
		p, err := t.GetPolicy(ctx, id)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func (t *txn) GetEnrollment(_ context.Context, patientID string) (*ledger.PolicyEnrollment, error) {
	var e ledger.PolicyEnrollment
	if err := t.get("en/"+patientID, &e); err != nil {
		return nil, fmt.Errorf("enrollment for %s: %w", patientID, err)
	}
	return &e, nil
}

func (t *txn) CreateEnrollment(_ context.Context, e *ledger.PolicyEnrollment) error {
	exists, err := t.has("en/" + e.PatientID)
	if err != nil {
		return err
	}
	if exists {
		return ledger.ErrAlreadyEnrolled
	}
	if err := t.put("en/"+e.PatientID, e); err != nil {
		return err
	}
	return t.put("eni/"+e.Policy.InsurerID+"/"+e.PatientID, e.PatientID)
}

func (t *txn) UpdateEnrollment(_ context.Context, e *ledger.PolicyEnrollment) error {
	exists, err := t.has("en/" + e.PatientID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("enrollment for %s: %w", e.PatientID, ledger.ErrNotFound)
	}
	return t.put("en/"+e.PatientID, e)
}

func (t *txn) ListEnrollmentsByInsurer(ctx context.Context, insurerID string) ([]*ledger.PolicyEnrollment, error) {
	var out []*ledger.PolicyEnrollment
	err := t.scan("eni/"+insurerID+"/", func(val []byte) error {
		var patientID string
		if err := json.Unmarshal(val, &patientID); err != nil {
			return err
		}
		e, err := t.GetEnrollment(ctx, patientID)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// -- Claims --

func (t *txn) PutClaim(_ context.Context, c *ledger.Claim) error {
	if err := t.put("c/"+num(c.ID), c); err != nil {
		return err
	}
	for _, idx := range []string{"ci/" + c.InsurerID, "cp/" + c.PatientID, "cd/" + c.DoctorID} {
		if err := t.put(idx+"/"+num(c.ID), c.ID); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) GetClaim(_ context.Context, id uint64) (*ledger.Claim, error) {
	var c ledger.Claim
	if err := t.get("c/"+num(id), &c); err != nil {
		return nil, fmt.Errorf("claim %d: %w", id, err)
	}
	return &c, nil
}

func (t *txn) claimsUnder(ctx context.Context, prefix string) ([]*ledger.Claim, error) {
	var out []*ledger.Claim
	err := t.scan(prefix, func(val []byte) error {
		var id uint64
		if err := json.Unmarshal(val, &id); err != nil {
			return err
		}
		c, err := t.GetClaim(ctx, id)
		if err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

func (t *txn) ListClaimsByInsurer(ctx context.Context, insurerID string) ([]*ledger.Claim, error) {
	return t.claimsUnder(ctx, "ci/"+insurerID+"/")
}

func (t *txn) ListClaimsByPatient(ctx context.Context, patientID string) ([]*ledger.Claim, error) {
	return t.claimsUnder(ctx, "cp/"+patientID+"/")
}

func (t *txn) ListClaimsByDoctor(ctx context.Context, doctorID string) ([]*ledger.Claim, error) {
	return t.claimsUnder(ctx, "cd/"+doctorID+"/")
}

// -- Transactions --

func (t *txn) PutTransaction(_ context.Context, tx *ledger.Transaction) error {
	if err := t.put("x/"+num(tx.ID), tx); err != nil {
		return err
	}
	if err := t.put("xp/"+tx.SenderID+"/"+num(tx.ID), tx.ID); err != nil {
		return err
	}
	return t.put("xp/"+tx.ReceiverID+"/"+num(tx.ID), tx.ID)
}

func (t *txn) GetTransaction(_ context.Context, id uint64) (*ledger.Transaction, error) {
	var tx ledger.Transaction
	if err := t.get("x/"+num(id), &tx); err != nil {
		return nil, fmt.Errorf("transaction %d: %w", id, err)
	}
	return &tx, nil
}

func (t *txn) ListTransactionsFor(ctx context.Context, id string) ([]*ledger.Transaction, error) {
	var out []*ledger.Transaction
	err := t.scan("xp/"+id+"/", func(val []byte) error {
		var txID uint64
		if err := json.Unmarshal(val, &txID); err != nil {
			return err
		}
		tx, err := t.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		out = append(out, tx)
		return nil
	})
	return out, err
}

var _ ledger.Tx = (*txn)(nil)
var _ ledger.Store = (*Store)(nil)
