// Package ledgertest provides an in-memory ledger and seeding helpers for
// service tests.
package ledgertest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/medichain/medichain/internal/ledger"
	"github.com/medichain/medichain/internal/ledger/kvstore"
	"github.com/medichain/medichain/internal/platform/events"
)

// NewStore returns an empty in-memory store closed at test cleanup.
func NewStore(t testing.TB) *kvstore.Store {
	t.Helper()
	s, err := kvstore.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Participant builds an active participant with a derived email.
func Participant(id string, role ledger.Role) *ledger.Participant {
	p := &ledger.Participant{
		ID:           id,
		Name:         strings.ToUpper(id[:1]) + id[1:],
		Role:         role,
		Email:        id + "@medichain.test",
		Active:       true,
		RegisteredAt: time.Now().UTC(),
	}
	if role == ledger.RolePatient {
		p.Age = 40
	}
	return p
}

// Seed stores the given participants in one unit.
func Seed(t testing.TB, store ledger.Store, ps ...*ledger.Participant) {
	t.Helper()
	ctx := context.Background()
	err := store.Update(ctx, func(tx ledger.Tx) error {
		for _, p := range ps {
			if err := tx.CreateParticipant(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed participants: %v", err)
	}
}

// Grant stores an access grant from patientID to doctorID.
func Grant(t testing.TB, store ledger.Store, patientID, doctorID string) {
	t.Helper()
	ctx := context.Background()
	err := store.Update(ctx, func(tx ledger.Tx) error {
		return tx.PutGrant(ctx, &ledger.AccessGrant{PatientID: patientID, DoctorID: doctorID, GrantedAt: time.Now().UTC()})
	})
	if err != nil {
		t.Fatalf("seed grant: %v", err)
	}
}

// Deactivate marks id inactive.
func Deactivate(t testing.TB, store ledger.Store, id string) {
	t.Helper()
	ctx := context.Background()
	err := store.Update(ctx, func(tx ledger.Tx) error {
		p, err := tx.GetParticipant(ctx, id)
		if err != nil {
			return err
		}
		p.Active = false
		return tx.UpdateParticipant(ctx, p)
	})
	if err != nil {
		t.Fatalf("deactivate %s: %v", id, err)
	}
}

// Recorder is an events.Publisher that keeps every published event.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *Recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Types returns the published event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// Count returns how many events of typ were published.
func (r *Recorder) Count(typ string) int {
	n := 0
	for _, t := range r.Types() {
		if t == typ {
			n++
		}
	}
	return n
}

// Of returns the published events of typ in order.
func (r *Recorder) Of(typ string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
