// Package settlement keeps the ledger of payable obligations: doctor charges
// awaiting patient settlement, premiums and claim payouts.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/medichain/medichain/internal/domain/access"
	"github.com/medichain/medichain/internal/ledger"
	"github.com/medichain/medichain/internal/platform/events"
	"github.com/medichain/medichain/internal/platform/exchange"
)

type Service struct {
	store       ledger.Store
	rates       exchange.Source
	rateTimeout time.Duration
	pub         events.Publisher
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(store ledger.Store, rates exchange.Source, rateTimeout time.Duration, pub events.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		store:       store,
		rates:       rates,
		rateTimeout: rateTimeout,
		pub:         pub,
		logger:      logger.With().Str("component", "settlement").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// IssueChargeTx records an unsettled charge from patientID to doctor inside
// an open unit. The caller has already authorized doctor.
func IssueChargeTx(ctx context.Context, tx ledger.Tx, doctor *ledger.Participant, patientID string, value int64, now time.Time) (*ledger.Transaction, error) {
	if value <= 0 {
		return nil, fmt.Errorf("%w: charge must be positive", ledger.ErrInvalidAmount)
	}
	id, err := tx.NextID(ctx, ledger.KindTransaction)
	if err != nil {
		return nil, err
	}
	t := &ledger.Transaction{
		ID:         id,
		Kind:       ledger.TxCharge,
		SenderID:   patientID,
		ReceiverID: doctor.ID,
		Value:      value,
		CreatedAt:  now,
	}
	if err := tx.PutTransaction(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// IssueCharge bills patientID for value. The caller must be an active doctor
// holding a grant from the patient.
func (s *Service) IssueCharge(ctx context.Context, callerID, patientID string, value int64) (*ledger.Transaction, error) {
	var t *ledger.Transaction
	err := s.store.Update(ctx, func(tx ledger.Tx) error {
		doctor, err := access.AuthorizeTreating(ctx, tx, callerID, patientID)
		if err != nil {
			return err
		}
		t, err = IssueChargeTx(ctx, tx, doctor, patientID, value, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Uint64("transaction_id", t.ID).Str("patient", patientID).Str("doctor", callerID).
		Int64("value", value).Msg("charge issued")
	events.Emit(ctx, s.pub, s.logger, events.New(events.ChargeIssued, patientID, callerID, t))
	return t, nil
}

// Settle pays transaction id with native units. The rate is fetched before
// the write unit opens so a slow or failing adapter never holds a lock or
// leaves partial state.
func (s *Service) Settle(ctx context.Context, callerID string, id uint64, native string) (*ledger.Transaction, error) {
	amount, err := exchange.ParseNative(native)
	if err != nil {
		return nil, err
	}

	err = s.store.View(ctx, func(tx ledger.Tx) error {
		_, err := checkSettleable(ctx, tx, callerID, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	rate, err := exchange.Fetch(ctx, s.rates, s.rateTimeout)
	if err != nil {
		return nil, err
	}

	var t *ledger.Transaction
	err = s.store.Update(ctx, func(tx ledger.Tx) error {
		var err error
		if t, err = checkSettleable(ctx, tx, callerID, id); err != nil {
			return err
		}
		if !exchange.Covers(amount, rate, t.Value) {
			return fmt.Errorf("%w: %s at %s does not cover %d", ledger.ErrInsufficientFunds, amount, rate, t.Value)
		}
		now := s.now()
		t.Settled = true
		t.NativeValue = amount.String()
		t.Rate = rate.String()
		t.SettledAt = &now
		return tx.PutTransaction(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Uint64("transaction_id", t.ID).Str("payer", callerID).Str("rate", t.Rate).Msg("transaction settled")
	events.Emit(ctx, s.pub, s.logger, events.New(events.TransactionSettled, fmt.Sprint(t.ID), callerID, t))
	return t, nil
}

func checkSettleable(ctx context.Context, tx ledger.Tx, callerID string, id uint64) (*ledger.Transaction, error) {
	if _, err := access.Identify(ctx, tx, callerID); err != nil {
		return nil, err
	}
	t, err := tx.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Payer() != callerID {
		return nil, fmt.Errorf("%w: only the payer may settle transaction %d", ledger.ErrUnauthorized, id)
	}
	if t.Settled {
		return nil, fmt.Errorf("%w: transaction %d", ledger.ErrAlreadySettled, id)
	}
	return t, nil
}

// ListFor returns every transaction identity sends or receives. It is
// caller-scoped: identity must be the caller, whatever the caller's role.
func (s *Service) ListFor(ctx context.Context, callerID, identity string) ([]*ledger.Transaction, error) {
	if identity == "" {
		identity = callerID
	}
	var out []*ledger.Transaction
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		caller, err := access.Identify(ctx, tx, callerID)
		if err != nil {
			return err
		}
		if identity != caller.ID {
			return fmt.Errorf("%w: transactions of %s", ledger.ErrUnauthorized, identity)
		}
		out, err = tx.ListTransactionsFor(ctx, identity)
		return err
	})
	return out, err
}

// Get returns transaction id to one of its parties or an authority.
func (s *Service) Get(ctx context.Context, callerID string, id uint64) (*ledger.Transaction, error) {
	var t *ledger.Transaction
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		caller, err := access.Identify(ctx, tx, callerID)
		if err != nil {
			return err
		}
		if t, err = tx.GetTransaction(ctx, id); err != nil {
			return err
		}
		if t.SenderID != caller.ID && t.ReceiverID != caller.ID && !caller.Role.IsAuthority() {
			return fmt.Errorf("%w: transaction %d", ledger.ErrUnauthorized, id)
		}
		return nil
	})
	return t, err
}

// Statement returns the owner participant and its transactions for export.
func (s *Service) Statement(ctx context.Context, callerID, identity string) (*ledger.Participant, []*ledger.Transaction, error) {
	if identity == "" {
		identity = callerID
	}
	txs, err := s.ListFor(ctx, callerID, identity)
	if err != nil {
		return nil, nil, err
	}
	var owner *ledger.Participant
	err = s.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		owner, err = tx.GetParticipant(ctx, identity)
		return err
	})
	return owner, txs, err
}
