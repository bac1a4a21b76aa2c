package participation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/cyclepool/ledger-engine/internal/ledger"
	"github.com/cyclepool/ledger-engine/internal/memo"
	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

const cycleID = "aaaaaaaa-0000-0000-0000-000000000001"

func setup(t *testing.T, status model.CycleStatus, parts ...model.Participation) (*store.MemoryStore, *Matcher) {
	t.Helper()
	st := store.NewMemoryStore()
	err := st.InTx(context.Background(), func(ctx context.Context, r store.Repos) error {
		if err := r.CreateCycle(ctx, &model.Cycle{ID: cycleID, Name: "c", Status: status, StartedAt: t0, CreatedAt: t0}); err != nil {
			return err
		}
		for i := range parts {
			p := parts[i]
			p.CycleID = cycleID
			if p.Status == "" {
				p.Status = model.AwaitingInvestment
			}
			if p.Memo == "" {
				p.Memo = memo.ForCycle(cycleID, p.ID)
			}
			p.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
			if err := r.CreateParticipation(ctx, &p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return st, NewMatcher(st, ledger.NewRecorder()).WithClock(func() time.Time { return t0.Add(time.Hour) })
}

func get(t *testing.T, st store.Store, id string) *model.Participation {
	t.Helper()
	var p *model.Participation
	err := st.View(context.Background(), func(ctx context.Context, r store.Repos) error {
		var err error
		p, err = r.GetParticipation(ctx, id)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func cash(ref, amount, name string) model.CashEvent {
	return model.CashEvent{RefID: ref, AmountISK: d(amount), CharacterName: name, IsWalletJournal: true, OccurredAt: t0}
}

func TestMatchSingleCandidateBinds(t *testing.T) {
	st, m := setup(t, model.CyclePlanned,
		model.Participation{ID: "p-alice", CharacterName: "Alice", AmountISK: d("5000000.00")})

	res, err := m.Match(context.Background(), cycleID, cash("j-1", "5000000.00", "alice"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusMatched || res.ParticipationID != "p-alice" {
		t.Fatalf("result = %+v", res)
	}
	p := get(t, st, "p-alice")
	if p.Status != model.OptedIn || p.WalletJournalRef != "j-1" || p.ValidatedAt == nil {
		t.Fatalf("participation not bound: %+v", p)
	}

	entries, _ := ledger.List(context.Background(), st, store.EntryFilter{ParticipationID: "p-alice"})
	if len(entries) != 1 || entries[0].EntryType != model.EntryDeposit {
		t.Fatalf("expected one DEPOSIT entry, got %+v", entries)
	}

	// Redelivery is a no-op.
	res, err = m.Match(context.Background(), cycleID, cash("j-1", "5000000.00", "alice"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusDuplicate {
		t.Fatalf("redelivery status = %s", res.Status)
	}
}

func TestMatchAmbiguousNeverBinds(t *testing.T) {
	st, m := setup(t, model.CycleOpen,
		model.Participation{ID: "p-alice", CharacterName: "Alice", AmountISK: d("5000000.00")},
		model.Participation{ID: "p-bob", CharacterName: "Bob", AmountISK: d("5000000.00")},
	)

	// Journal rows carry only the donor's id, which neither participation knows yet.
	charID := int64(9001)
	ev := model.CashEvent{RefID: "j-1", AmountISK: d("5000000.00"), CharacterID: &charID, IsWalletJournal: true, OccurredAt: t0}

	res, err := m.Match(context.Background(), cycleID, ev)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusAmbiguous || len(res.Candidates) != 2 {
		t.Fatalf("result = %+v", res)
	}
	for _, id := range []string{"p-alice", "p-bob"} {
		if p := get(t, st, id); p.Status != model.AwaitingInvestment {
			t.Errorf("%s status = %s, want AWAITING_INVESTMENT", id, p.Status)
		}
	}

	st.InTx(context.Background(), func(ctx context.Context, r store.Repos) error {
		_, err := r.InsertCashEvent(ctx, &ev)
		return err
	})
	unmatched, err := m.ListUnmatchedDonations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(unmatched) != 1 || unmatched[0].RefID != "j-1" {
		t.Fatalf("unmatched donations = %+v", unmatched)
	}
}

func TestMatchCharacterDisambiguates(t *testing.T) {
	_, m := setup(t, model.CycleOpen,
		model.Participation{ID: "p-alice", CharacterName: "Alice", AmountISK: d("5000000.00")},
		model.Participation{ID: "p-bob", CharacterName: "Bob", AmountISK: d("5000000.00")},
	)
	res, err := m.Match(context.Background(), cycleID, cash("j-1", "5000000.00", "Bob"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusMatched || res.ParticipationID != "p-bob" {
		t.Fatalf("result = %+v", res)
	}
}

func TestMatchRequiresExactAmount(t *testing.T) {
	_, m := setup(t, model.CycleOpen,
		model.Participation{ID: "p-alice", CharacterName: "Alice", AmountISK: d("5000000.00")})
	res, err := m.Match(context.Background(), cycleID, cash("j-1", "4999999.99", "Alice"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusUnmatched {
		t.Fatalf("status = %s, want UNMATCHED", res.Status)
	}
}

func TestMatchMemoMustNameCycle(t *testing.T) {
	const alice = "a11ce000-0000-0000-0000-000000000001"
	_, m := setup(t, model.CycleOpen,
		model.Participation{ID: alice, CharacterName: "Alice", AmountISK: d("100.00")})

	ev := cash("j-1", "100.00", "Alice")
	ev.Reason = memo.ForCycle("bbbbbbbb-0000-0000-0000-000000000000", alice)
	res, _ := m.Match(context.Background(), cycleID, ev)
	if res.Status != StatusUnmatched {
		t.Fatalf("memo for another cycle: status %s", res.Status)
	}

	ev = cash("j-2", "100.00", "Alice")
	ev.Reason = memo.ForCycle(cycleID, "b0b00000-0000-0000-0000-000000000001")
	res, _ = m.Match(context.Background(), cycleID, ev)
	if res.Status != StatusUnmatched {
		t.Fatalf("memo for another participant: status %s", res.Status)
	}

	ev = cash("j-3", "100.00", "Alice")
	ev.Reason = " " + memo.ForCycle(cycleID, alice) + " "
	res, _ = m.Match(context.Background(), cycleID, ev)
	if res.Status != StatusMatched {
		t.Fatalf("memo for this cycle: status %s", res.Status)
	}
}

func TestMatchMalformedAndClosedCycle(t *testing.T) {
	_, m := setup(t, model.CycleOpen)
	res, err := m.Match(context.Background(), cycleID, cash("j-1", "-5", "Alice"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusMalformed {
		t.Fatalf("status = %s", res.Status)
	}

	_, closed := setup(t, model.CycleClosed)
	if _, err := closed.Match(context.Background(), cycleID, cash("j-1", "5", "Alice")); !errors.Is(err, model.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
}

func TestMatchParticipation(t *testing.T) {
	st, m := setup(t, model.CycleOpen,
		model.Participation{ID: "p-alice", CharacterName: "Alice", AmountISK: d("5000000.00")},
		model.Participation{ID: "p-bob", CharacterName: "Bob", AmountISK: d("5000000.00")},
	)
	ctx := context.Background()
	st.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		_, err := r.InsertCashEvent(ctx, &model.CashEvent{RefID: "j-1", AmountISK: d("5000000.00"), OccurredAt: t0})
		return err
	})

	wrong := d("4000000.00")
	if _, err := m.MatchParticipation(ctx, "p-alice", "j-1", &wrong); !errors.Is(err, model.ErrInvariant) {
		t.Fatalf("wrong amount: expected ErrInvariant, got %v", err)
	}
	if p := get(t, st, "p-alice"); p.Status != model.AwaitingInvestment {
		t.Fatal("rejected match must not bind")
	}

	p, err := m.MatchParticipation(ctx, "p-alice", "j-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != model.OptedIn || p.WalletJournalRef != "j-1" {
		t.Fatalf("participation = %+v", p)
	}

	if _, err := m.MatchParticipation(ctx, "p-bob", "j-1", nil); !errors.Is(err, model.ErrDuplicate) {
		t.Fatalf("second bind of same ref: expected ErrDuplicate, got %v", err)
	}

	entries, _ := ledger.List(ctx, st, store.EntryFilter{EntryType: model.EntryManualMatch})
	statuses := map[model.MatchStatus]int{}
	for _, e := range entries {
		statuses[e.MatchStatus]++
	}
	if statuses[model.Matched] != 1 || statuses[model.Rejected] != 2 {
		t.Fatalf("manual match entries = %v, want 1 matched 2 rejected", statuses)
	}

	if unmatched, _ := m.ListUnmatchedDonations(ctx); len(unmatched) != 0 {
		t.Fatalf("bound event still listed: %+v", unmatched)
	}
}

func TestMatchParticipationLogsEveryRejection(t *testing.T) {
	st, m := setup(t, model.CycleOpen,
		model.Participation{ID: "p-alice", CharacterName: "Alice", AmountISK: d("5000000.00")})
	ctx := context.Background()

	wrong := d("4000000.00")
	for i := 0; i < 3; i++ {
		if _, err := m.MatchParticipation(ctx, "p-alice", "j-1", &wrong); !errors.Is(err, model.ErrInvariant) {
			t.Fatalf("attempt %d: expected ErrInvariant, got %v", i, err)
		}
	}

	entries, _ := ledger.List(ctx, st, store.EntryFilter{ParticipationID: "p-alice", EntryType: model.EntryManualMatch})
	if len(entries) != 3 {
		t.Fatalf("manual match entries = %d, want 3", len(entries))
	}
	for _, e := range entries {
		if e.MatchStatus != model.Rejected {
			t.Errorf("entry %s status = %s, want REJECTED", e.ID, e.MatchStatus)
		}
	}
}

func TestMatchParticipationConcurrent(t *testing.T) {
	st, m := setup(t, model.CycleOpen,
		model.Participation{ID: "p-alice", CharacterName: "Alice", AmountISK: d("5000000.00")})
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	bound := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.MatchParticipation(ctx, "p-alice", fmt.Sprintf("j-%d", i), nil)
			if err == nil {
				mu.Lock()
				bound++
				mu.Unlock()
			} else if !errors.Is(err, model.ErrStateConflict) {
				t.Errorf("worker %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if bound != 1 {
		t.Fatalf("bound %d times, want 1", bound)
	}
	p := get(t, st, "p-alice")
	deposits, _ := ledger.List(ctx, st, store.EntryFilter{ParticipationID: "p-alice", EntryType: model.EntryDeposit})
	if len(deposits) != 1 || deposits[0].SourceRef != p.WalletJournalRef {
		t.Fatalf("deposits = %+v, participation ref %s", deposits, p.WalletJournalRef)
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	s := "ref ✓ bound"
	for n := 0; n <= len(s); n++ {
		got := truncate(s, n)
		if len(got) > n || !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) = %q", s, n, got)
		}
	}
	if got := truncate("Ünïcode", 2); got != "Ü" {
		t.Errorf("truncate = %q, want Ü", got)
	}
}

func TestCompatible(t *testing.T) {
	id1, id2 := int64(1), int64(2)
	tests := []struct {
		name string
		p    model.Participation
		ev   model.CashEvent
		want bool
	}{
		{"ids equal", model.Participation{CharacterID: &id1, CharacterName: "A"}, model.CashEvent{CharacterID: &id1, CharacterName: "B"}, true},
		{"ids differ", model.Participation{CharacterID: &id1}, model.CashEvent{CharacterID: &id2}, false},
		{"names fold", model.Participation{CharacterName: "Alice Smith"}, model.CashEvent{CharacterName: "alice smith"}, true},
		{"names differ", model.Participation{CharacterName: "Alice"}, model.CashEvent{CharacterName: "Bob"}, false},
		{"unknown identity", model.Participation{CharacterName: "Alice"}, model.CashEvent{}, true},
		{"free-text reason", model.Participation{CharacterName: "Alice"}, model.CashEvent{Reason: "for the pool"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compatible(&tt.p, &tt.ev); got != tt.want {
				t.Errorf("Compatible = %v, want %v", got, tt.want)
			}
		})
	}
}
