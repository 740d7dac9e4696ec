package insurance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medichain/medichain/internal/ledger"
	"github.com/medichain/medichain/internal/ledger/ledgertest"
	"github.com/medichain/medichain/internal/platform/events"
	"github.com/medichain/medichain/internal/platform/exchange"
)

type sourceFunc func(ctx context.Context) (exchange.Rate, error)

func (f sourceFunc) Rate(ctx context.Context) (exchange.Rate, error) { return f(ctx) }

func newTestService(t *testing.T, rates exchange.Source) (*Service, ledger.Store, *ledgertest.Recorder) {
	t.Helper()
	store := ledgertest.NewStore(t)
	ledgertest.Seed(t, store,
		ledgertest.Participant("pat", ledger.RolePatient),
		ledgertest.Participant("pat2", ledger.RolePatient),
		ledgertest.Participant("doc", ledger.RoleDoctor),
		ledgertest.Participant("doc2", ledger.RoleDoctor),
		ledgertest.Participant("ins", ledger.RoleInsurer),
		ledgertest.Participant("ins2", ledger.RoleInsurer),
		ledgertest.Participant("dir", ledger.RoleDirector),
	)
	ledgertest.Grant(t, store, "pat", "doc")
	if rates == nil {
		rates = exchange.StaticSource{R: exchange.MustParseRate("1")}
	}
	rec := &ledgertest.Recorder{}
	return NewService(store, rates, time.Second, rec, zerolog.Nop()), store, rec
}

func basicPolicy(t *testing.T, svc *Service) *ledger.Policy {
	t.Helper()
	p, err := svc.CreatePolicy(context.Background(), "ins", PolicyInput{Name: "Basic", CoverValue: 10000, Premium: 500, DurationYears: 1})
	require.NoError(t, err)
	return p
}

func claim(value int64) ClaimInput {
	return ClaimInput{Treatments: []TreatmentInput{{Disease: "fracture", Treatment: "cast", Charges: value}}}
}

func TestCreatePolicy(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	p := basicPolicy(t, svc)
	assert.Equal(t, uint64(1), p.ID)
	assert.Equal(t, "ins", p.InsurerID)

	dup, err := svc.CreatePolicy(ctx, "ins", PolicyInput{Name: "Basic", CoverValue: 1, Premium: 1, DurationYears: 3})
	require.NoError(t, err, "names need not be unique")
	assert.Equal(t, uint64(2), dup.ID)

	tests := []struct {
		name   string
		caller string
		in     PolicyInput
		want   error
	}{
		{"patient caller", "pat", PolicyInput{Name: "X", CoverValue: 1, Premium: 1, DurationYears: 1}, ledger.ErrUnauthorized},
		{"duration zero", "ins", PolicyInput{Name: "X", CoverValue: 1, Premium: 1, DurationYears: 0}, ledger.ErrInvalidAmount},
		{"duration four", "ins", PolicyInput{Name: "X", CoverValue: 1, Premium: 1, DurationYears: 4}, ledger.ErrInvalidAmount},
		{"zero cover", "ins", PolicyInput{Name: "X", CoverValue: 0, Premium: 1, DurationYears: 1}, ledger.ErrInvalidAmount},
		{"negative premium", "ins", PolicyInput{Name: "X", CoverValue: 1, Premium: -1, DurationYears: 1}, ledger.ErrInvalidAmount},
		{"no name", "ins", PolicyInput{CoverValue: 1, Premium: 1, DurationYears: 1}, ledger.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreatePolicy(ctx, tt.caller, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	list, err := svc.ListPolicies(ctx, "pat", "ins")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	_, err = svc.ListPolicies(ctx, "pat", "doc")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestBuyPolicy(t *testing.T) {
	svc, store, rec := newTestService(t, nil)
	ctx := context.Background()
	p := basicPolicy(t, svc)

	purchase, err := svc.BuyPolicy(ctx, "pat", p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), purchase.Enrollment.RemainingCover)
	assert.Equal(t, "Basic", purchase.Enrollment.Policy.Name)
	assert.Equal(t, ledger.TxPremium, purchase.Premium.Kind)
	assert.Equal(t, int64(500), purchase.Premium.Value)
	assert.True(t, purchase.Premium.Settled)
	assert.Equal(t, "ins", purchase.Premium.ReceiverID)
	assert.Equal(t, 1, rec.Count(events.PolicyPurchased))

	_, err = svc.BuyPolicy(ctx, "pat", p.ID)
	assert.ErrorIs(t, err, ledger.ErrAlreadyEnrolled)
	_, err = svc.BuyPolicy(ctx, "pat2", 99)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = svc.BuyPolicy(ctx, "doc", p.ID)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	require.NoError(t, store.View(ctx, func(tx ledger.Tx) error {
		txs, err := tx.ListTransactionsFor(ctx, "pat")
		require.NoError(t, err)
		assert.Len(t, txs, 1, "failed purchases must not record premiums")
		return nil
	}))

	e, err := svc.Enrollment(ctx, "ins", "pat")
	require.NoError(t, err)
	assert.Equal(t, p.ID, e.Policy.ID)
	_, err = svc.Enrollment(ctx, "ins2", "pat")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = svc.Enrollment(ctx, "pat2", "pat2")
	assert.ErrorIs(t, err, ledger.ErrNoActivePolicy)
}

func TestClaimLifecycle_CoverArithmetic(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	p := basicPolicy(t, svc)
	_, err := svc.BuyPolicy(ctx, "pat", p.ID)
	require.NoError(t, err)

	c, err := svc.FileClaim(ctx, "doc", "pat", claim(4000))
	require.NoError(t, err)
	assert.Equal(t, ledger.ClaimPending, c.Status)
	assert.Equal(t, int64(4000), c.ValueClaimed)
	assert.Equal(t, "Basic", c.PolicyName)
	assert.Equal(t, "ins", c.InsurerID)

	payout, err := svc.ApproveClaim(ctx, "ins", c.ID, "4000")
	require.NoError(t, err)
	assert.Equal(t, ledger.ClaimApproved, payout.Claim.Status)
	assert.Equal(t, int64(6000), payout.RemainingCover)
	assert.True(t, payout.Transaction.Settled)
	assert.Equal(t, ledger.TxClaimPayout, payout.Transaction.Kind)
	assert.Equal(t, "ins", payout.Transaction.SenderID)
	assert.Equal(t, "doc", payout.Transaction.ReceiverID)
	assert.Equal(t, c.ID, payout.Transaction.ClaimID)

	e, err := svc.Enrollment(ctx, "pat", "pat")
	require.NoError(t, err)
	assert.Equal(t, int64(6000), e.RemainingCover)

	_, err = svc.FileClaim(ctx, "doc", "pat", claim(7000))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	// Boundary: a claim equal to the remaining cover is payable.
	last, err := svc.FileClaim(ctx, "doc", "pat", claim(6000))
	require.NoError(t, err)
	payout, err = svc.ApproveClaim(ctx, "ins", last.ID, "6000")
	require.NoError(t, err)
	assert.Equal(t, int64(0), payout.RemainingCover)

	_, err = svc.FileClaim(ctx, "doc", "pat", claim(1))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount, "exhausted cover")
}

func TestFileClaim_Errors(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	p := basicPolicy(t, svc)

	_, err := svc.FileClaim(ctx, "doc", "pat", claim(10))
	assert.ErrorIs(t, err, ledger.ErrNoActivePolicy)

	_, err = svc.BuyPolicy(ctx, "pat", p.ID)
	require.NoError(t, err)

	_, err = svc.FileClaim(ctx, "doc2", "pat", claim(10))
	assert.ErrorIs(t, err, ledger.ErrUnauthorized, "doctor without grant")
	_, err = svc.FileClaim(ctx, "ins", "pat", claim(10))
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = svc.FileClaim(ctx, "doc", "pat", ClaimInput{})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	_, err = svc.FileClaim(ctx, "doc", "pat", ClaimInput{Treatments: []TreatmentInput{{Disease: "x", Charges: 10}}, ValueClaimed: -5})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestFileClaim_ValueDefaultsAndHistory(t *testing.T) {
	svc, store, _ := newTestService(t, nil)
	ctx := context.Background()
	p := basicPolicy(t, svc)
	_, err := svc.BuyPolicy(ctx, "pat", p.ID)
	require.NoError(t, err)

	c, err := svc.FileClaim(ctx, "doc", "pat", ClaimInput{Treatments: []TreatmentInput{
		{Disease: "flu", Treatment: "rest", Charges: 100},
		{Disease: "flu", Treatment: "antivirals", Charges: 250},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(350), c.ValueClaimed)
	require.Len(t, c.Treatments, 2)
	assert.Equal(t, "doc@medichain.test", c.Treatments[0].DoctorEmail)

	explicit, err := svc.FileClaim(ctx, "doc", "pat", ClaimInput{Treatments: []TreatmentInput{{Disease: "cut", Charges: 80}}, ValueClaimed: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(50), explicit.ValueClaimed)

	require.NoError(t, store.View(ctx, func(tx ledger.Tx) error {
		history, err := tx.ListTreatments(ctx, "pat")
		require.NoError(t, err)
		assert.Len(t, history, 3, "claims append to history without overwriting")
		return nil
	}))
}

func TestApproveClaim_Errors(t *testing.T) {
	svc, store, _ := newTestService(t, exchange.StaticSource{R: exchange.MustParseRate("2000")})
	ctx := context.Background()
	p := basicPolicy(t, svc)
	_, err := svc.BuyPolicy(ctx, "pat", p.ID)
	require.NoError(t, err)
	c, err := svc.FileClaim(ctx, "doc", "pat", claim(4000))
	require.NoError(t, err)

	_, err = svc.ApproveClaim(ctx, "ins", 99, "2")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = svc.ApproveClaim(ctx, "ins2", c.ID, "2")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = svc.ApproveClaim(ctx, "pat", c.ID, "2")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = svc.ApproveClaim(ctx, "ins", c.ID, "1.9999")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	_, err = svc.ApproveClaim(ctx, "ins", c.ID, "abc")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	e, err := svc.Enrollment(ctx, "pat", "pat")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), e.RemainingCover, "failed approvals leave cover untouched")

	rejected, err := svc.RejectClaim(ctx, "ins", c.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ClaimRejected, rejected.Status)
	assert.NotNil(t, rejected.DecidedAt)

	_, err = svc.ApproveClaim(ctx, "ins", c.ID, "2")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition, "rejected is terminal")
	_, err = svc.RejectClaim(ctx, "ins", c.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	require.NoError(t, store.View(ctx, func(tx ledger.Tx) error {
		txs, err := tx.ListTransactionsFor(ctx, "doc")
		require.NoError(t, err)
		assert.Empty(t, txs, "rejection moves no funds")
		return nil
	}))
}

func TestApproveClaim_RateFailureLeavesStateUnchanged(t *testing.T) {
	slow := sourceFunc(func(ctx context.Context) (exchange.Rate, error) {
		<-ctx.Done()
		return exchange.Rate{}, ctx.Err()
	})
	svc, _, _ := newTestService(t, slow)
	svc.rateTimeout = 20 * time.Millisecond
	ctx := context.Background()
	p := basicPolicy(t, svc)
	_, err := svc.BuyPolicy(ctx, "pat", p.ID)
	require.NoError(t, err)
	c, err := svc.FileClaim(ctx, "doc", "pat", claim(4000))
	require.NoError(t, err)

	_, err = svc.ApproveClaim(ctx, "ins", c.ID, "4000")
	assert.ErrorIs(t, err, ledger.ErrRateUnavailable)

	got, err := svc.GetClaim(ctx, "ins", c.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ClaimPending, got.Status)
	e, err := svc.Enrollment(ctx, "ins", "pat")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), e.RemainingCover)
}

func TestApproveClaim_ConcurrentExactlyOnce(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	p := basicPolicy(t, svc)
	_, err := svc.BuyPolicy(ctx, "pat", p.ID)
	require.NoError(t, err)
	c, err := svc.FileClaim(ctx, "doc", "pat", claim(3000))
	require.NoError(t, err)

	const workers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApproveClaim(ctx, "ins", c.ID, "3000")
			if err != nil && !errors.Is(err, ledger.ErrInvalidTransition) {
				t.Errorf("unexpected error: %v", err)
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	e, err := svc.Enrollment(ctx, "pat", "pat")
	require.NoError(t, err)
	assert.Equal(t, int64(7000), e.RemainingCover)
}

func TestClaims_ConcurrentApprovalsNeverOverdraw(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	p := basicPolicy(t, svc)
	_, err := svc.BuyPolicy(ctx, "pat", p.ID)
	require.NoError(t, err)

	// Four pending claims of 3000 each fit the cover individually but not
	// together.
	var ids []uint64
	for i := 0; i < 4; i++ {
		c, err := svc.FileClaim(ctx, "doc", "pat", claim(3000))
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		approved int64
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			payout, err := svc.ApproveClaim(ctx, "ins", id, "3000")
			if err != nil {
				assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
				return
			}
			mu.Lock()
			approved += payout.Claim.ValueClaimed
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	e, err := svc.Enrollment(ctx, "pat", "pat")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), approved)
	assert.Equal(t, p.CoverValue-approved, e.RemainingCover)
	assert.GreaterOrEqual(t, e.RemainingCover, int64(0))
}

func TestListAndGetClaims(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	p := basicPolicy(t, svc)
	_, err := svc.BuyPolicy(ctx, "pat", p.ID)
	require.NoError(t, err)
	c, err := svc.FileClaim(ctx, "doc", "pat", claim(100))
	require.NoError(t, err)

	for _, caller := range []string{"ins", "pat", "doc"} {
		list, err := svc.ListClaims(ctx, caller)
		require.NoError(t, err, caller)
		assert.Len(t, list, 1, caller)
	}
	list, err := svc.ListClaims(ctx, "ins2")
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = svc.ListClaims(ctx, "dir")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	for _, caller := range []string{"ins", "pat", "doc", "dir"} {
		_, err := svc.GetClaim(ctx, caller, c.ID)
		assert.NoError(t, err, caller)
	}
	_, err = svc.GetClaim(ctx, "pat2", c.ID)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
}
