package kvstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medichain/medichain/internal/ledger"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func patient(id, email string) *ledger.Participant {
	return &ledger.Participant{ID: id, Name: id, Role: ledger.RolePatient, Email: email, Age: 30, Active: true, RegisteredAt: time.Now().UTC()}
}

func TestStore_CreateAndLookupParticipant(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		return tx.CreateParticipant(ctx, patient("p1", "Alice@Example.com"))
	}))

	err := s.View(ctx, func(tx ledger.Tx) error {
		p, err := tx.GetParticipant(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, ledger.RolePatient, p.Role)

		byEmail, err := tx.GetParticipantByEmail(ctx, " alice@example.COM ")
		require.NoError(t, err)
		assert.Equal(t, "p1", byEmail.ID)

		list, err := tx.ListParticipantsByRole(ctx, ledger.RolePatient)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		_, err = tx.GetParticipant(ctx, "missing")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_DuplicateParticipant(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		return tx.CreateParticipant(ctx, patient("p1", "a@x.io"))
	}))

	err := s.Update(ctx, func(tx ledger.Tx) error {
		return tx.CreateParticipant(ctx, patient("p1", "other@x.io"))
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyRegistered)

	err = s.Update(ctx, func(tx ledger.Tx) error {
		return tx.CreateParticipant(ctx, patient("p2", "A@X.IO"))
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateEmail)
}

func TestStore_UpdateDiscardsOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateParticipant(ctx, patient("p1", "a@x.io")); err != nil {
			return err
		}
		if _, err := tx.NextID(ctx, ledger.KindRecord); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		_, err := tx.GetParticipant(ctx, "p1")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		return nil
	}))
	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		id, err := tx.NextID(ctx, ledger.KindRecord)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), id)
		return nil
	}))
}

func TestStore_ViewIsReadOnly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	err := s.View(ctx, func(tx ledger.Tx) error {
		return tx.CreateParticipant(ctx, patient("p1", "a@x.io"))
	})
	assert.ErrorIs(t, err, errReadOnly)
}

func TestStore_CancelledContext(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Update(ctx, func(tx ledger.Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_GrantsBothDirections(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		for _, d := range []string{"d2", "d1"} {
			if err := tx.PutGrant(ctx, &ledger.AccessGrant{PatientID: "p1", DoctorID: d, GrantedAt: now}); err != nil {
				return err
			}
		}
		return tx.PutGrant(ctx, &ledger.AccessGrant{PatientID: "p2", DoctorID: "d1", GrantedAt: now})
	}))

	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		byPatient, err := tx.ListGrantsByPatient(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, byPatient, 2)
		assert.Equal(t, "d1", byPatient[0].DoctorID)

		byDoctor, err := tx.ListGrantsByDoctor(ctx, "d1")
		require.NoError(t, err)
		assert.Len(t, byDoctor, 2)
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		return tx.DeleteGrant(ctx, "p1", "d1")
	}))
	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		_, err := tx.GetGrant(ctx, "p1", "d1")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		byDoctor, err := tx.ListGrantsByDoctor(ctx, "d1")
		require.NoError(t, err)
		assert.Len(t, byDoctor, 1)
		return nil
	}))
}

func TestStore_RecordWithImages(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var id uint64
	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		var err error
		if id, err = tx.NextID(ctx, ledger.KindRecord); err != nil {
			return err
		}
		rec := &ledger.MedicalRecord{ID: id, PatientID: "p1", DoctorID: "d1", Basic: ledger.RecordBasic{Diagnosis: "flu"}}
		if err := tx.PutRecord(ctx, rec); err != nil {
			return err
		}
		for _, u := range []string{"s3://a", "s3://b"} {
			if err := tx.AppendImage(ctx, id, &ledger.MedicalImage{URL: u}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		rec, err := tx.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "flu", rec.Basic.Diagnosis)
		require.Len(t, rec.Images, 2)
		assert.Equal(t, "s3://a", rec.Images[0].URL)

		recs, err := tx.ListRecordsByPatient(ctx, "p1")
		require.NoError(t, err)
		assert.Len(t, recs, 1)
		return nil
	}))
}

func TestStore_EnrollmentUnique(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	e := &ledger.PolicyEnrollment{PatientID: "p1", Policy: ledger.Policy{ID: 1, InsurerID: "i1"}, RemainingCover: 100}

	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error { return tx.CreateEnrollment(ctx, e) }))
	err := s.Update(ctx, func(tx ledger.Tx) error { return tx.CreateEnrollment(ctx, e) })
	assert.ErrorIs(t, err, ledger.ErrAlreadyEnrolled)

	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		list, err := tx.ListEnrollmentsByInsurer(ctx, "i1")
		require.NoError(t, err)
		assert.Len(t, list, 1)
		return nil
	}))
}

func TestStore_TransactionsIndexedForBothParties(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		for i := 0; i < 3; i++ {
			id, err := tx.NextID(ctx, ledger.KindTransaction)
			if err != nil {
				return err
			}
			if err := tx.PutTransaction(ctx, &ledger.Transaction{ID: id, Kind: ledger.TxCharge, SenderID: "p1", ReceiverID: "d1", Value: 10}); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		for _, party := range []string{"p1", "d1"} {
			list, err := tx.ListTransactionsFor(ctx, party)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Less(t, list[0].ID, list[2].ID)
		}
		return nil
	}))
}

func TestStore_ConcurrentCountersAreUnique(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	const workers = 16
	ids := make(chan uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, func(tx ledger.Tx) error {
				id, err := tx.NextID(ctx, ledger.KindClaim)
				if err == nil {
					ids <- id
				}
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uint64]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers)
}

func TestOpen_OnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		return tx.CreateParticipant(ctx, patient("p1", "a@x.io"))
	}))
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		_, err := tx.GetParticipant(ctx, "p1")
		return err
	}))
}
