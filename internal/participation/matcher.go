// Package participation binds incoming ISK transfers to the investor
// participations waiting for them.
//
// Automatic binding only happens when exactly one awaiting participation is
// compatible with a transfer. Ambiguous transfers are left for an operator,
// who resolves them with MatchParticipation.
package participation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/cyclepool/ledger-engine/internal/ledger"
	"github.com/cyclepool/ledger-engine/internal/memo"
	"github.com/cyclepool/ledger-engine/internal/metrics"
	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/store"
)

// Status is the outcome of matching one cash event.
type Status string

const (
	StatusMatched   Status = "MATCHED"
	StatusUnmatched Status = "UNMATCHED"
	StatusAmbiguous Status = "AMBIGUOUS"
	StatusDuplicate Status = "DUPLICATE"
	StatusMalformed Status = "MALFORMED"
)

// MatchResult reports what happened to one cash event.
type MatchResult struct {
	RefID           string   `json:"ref_id"`
	Status          Status   `json:"status"`
	ParticipationID string   `json:"participation_id,omitempty"`
	Candidates      []string `json:"candidates,omitempty"`
	Reason          string   `json:"reason,omitempty"`
}

// BatchResult aggregates the outcomes of one MatchBatch call.
type BatchResult struct {
	Results    []MatchResult `json:"results"`
	Matched    int           `json:"matched"`
	Unmatched  int           `json:"unmatched"`
	Ambiguous  int           `json:"ambiguous"`
	Duplicates int           `json:"duplicates"`
	Malformed  int           `json:"malformed"`
}

func (b *BatchResult) add(m MatchResult) {
	b.Results = append(b.Results, m)
	switch m.Status {
	case StatusMatched:
		b.Matched++
	case StatusUnmatched:
		b.Unmatched++
	case StatusAmbiguous:
		b.Ambiguous++
	case StatusDuplicate:
		b.Duplicates++
	case StatusMalformed:
		b.Malformed++
	}
}

// Matcher matches cash events to participations.
type Matcher struct {
	store store.Store
	rec   *ledger.Recorder
	now   func() time.Time
}

// NewMatcher creates a participation matcher.
func NewMatcher(st store.Store, rec *ledger.Recorder) *Matcher {
	return &Matcher{store: st, rec: rec, now: time.Now}
}

// WithClock overrides the matcher's clock.
func (m *Matcher) WithClock(now func() time.Time) *Matcher {
	m.now = now
	return m
}

// Match tries to bind ev to exactly one awaiting participation of cycleID.
func (m *Matcher) Match(ctx context.Context, cycleID string, ev model.CashEvent) (MatchResult, error) {
	res, err := m.MatchBatch(ctx, cycleID, []model.CashEvent{ev})
	if err != nil {
		return MatchResult{}, err
	}
	return res.Results[0], nil
}

// MatchBatch matches cash events against cycleID in one transaction.
func (m *Matcher) MatchBatch(ctx context.Context, cycleID string, events []model.CashEvent) (BatchResult, error) {
	var res BatchResult
	err := m.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		res = BatchResult{}
		cycle, err := r.LockCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		if cycle.Status == model.CycleClosed {
			return model.CycleConflict(cycle, "match deposits", model.CyclePlanned, model.CycleOpen)
		}
		for _, ev := range events {
			mr, err := m.matchOne(ctx, r, cycle, ev)
			if err != nil {
				return err
			}
			res.add(mr)
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	for _, mr := range res.Results {
		metrics.CashMatchesTotal.WithLabelValues(string(mr.Status)).Inc()
	}
	return res, nil
}

func (m *Matcher) matchOne(ctx context.Context, r store.Repos, cycle *model.Cycle, ev model.CashEvent) (MatchResult, error) {
	res := MatchResult{RefID: ev.RefID}
	if err := ev.Validate(); err != nil {
		res.Status, res.Reason = StatusMalformed, err.Error()
		return res, nil
	}

	bound, err := r.FindParticipationByRef(ctx, ev.RefID)
	switch {
	case err == nil:
		res.Status, res.ParticipationID = StatusDuplicate, bound.ID
		return res, nil
	case !errors.Is(err, model.ErrNotFound):
		return res, err
	}

	awaiting, err := r.ListParticipations(ctx, store.ParticipationFilter{
		CycleID: cycle.ID,
		Status:  []model.ParticipationStatus{model.AwaitingInvestment},
	})
	if err != nil {
		return res, err
	}

	var candidates []model.Participation
	for _, p := range awaiting {
		if p.AmountISK.Equal(ev.AmountISK) && Compatible(&p, &ev) {
			candidates = append(candidates, p)
			res.Candidates = append(res.Candidates, p.ID)
		}
	}

	switch len(candidates) {
	case 0:
		res.Status = StatusUnmatched
		return res, nil
	case 1:
	default:
		res.Status = StatusAmbiguous
		slog.Warn("ambiguous deposit",
			"cycle", cycle.ID, "ref", ev.RefID, "amount", ev.AmountISK.String(), "candidates", len(candidates))
		return res, nil
	}

	p := &candidates[0]
	if err := m.bind(ctx, r, p, &ev); err != nil {
		return res, err
	}
	res.Status, res.ParticipationID = StatusMatched, p.ID
	slog.Info("deposit matched",
		"cycle", cycle.ID, "participation", p.ID, "ref", ev.RefID, "amount", model.FormatISK(ev.AmountISK))
	return res, nil
}

// Compatible reports whether ev could have been sent for p. Character ids win
// over names when both sides carry one; a reason that parses as a memo must
// name the participation's cycle and, for a cycle memo, the participation.
func Compatible(p *model.Participation, ev *model.CashEvent) bool {
	switch {
	case p.CharacterID != nil && ev.CharacterID != nil:
		if *p.CharacterID != *ev.CharacterID {
			return false
		}
	case p.CharacterName != "" && ev.CharacterName != "":
		if !strings.EqualFold(strings.TrimSpace(p.CharacterName), strings.TrimSpace(ev.CharacterName)) {
			return false
		}
	}

	if ev.Reason == "" {
		return true
	}
	sent, err := memo.Parse(ev.Reason)
	if err != nil {
		return true
	}
	if !sent.MatchesCycle(p.CycleID) {
		return false
	}
	if expected, err := memo.Parse(p.Memo); err == nil && expected.Kind == sent.Kind {
		return expected.ParticipantTag == sent.ParticipantTag
	}
	return true
}

func source(ev *model.CashEvent) model.Source {
	if ev.IsWalletJournal {
		return model.SourceJournal
	}
	return model.SourceMarket
}

func (m *Matcher) bind(ctx context.Context, r store.Repos, p *model.Participation, ev *model.CashEvent) error {
	now := m.now().UTC()
	p.WalletJournalRef = ev.RefID
	p.ValidatedAt = &now
	p.Status = model.OptedIn
	if p.CharacterID == nil && ev.CharacterID != nil {
		id := *ev.CharacterID
		p.CharacterID = &id
	}
	if err := r.UpdateParticipation(ctx, p); err != nil {
		return err
	}
	_, err := m.rec.Record(ctx, r, &model.LedgerEntry{
		CycleID:         p.CycleID,
		EntryType:       model.EntryDeposit,
		AmountISK:       ev.AmountISK,
		OccurredAt:      ev.OccurredAt,
		Memo:            p.Memo,
		ParticipationID: p.ID,
		CharacterName:   p.CharacterName,
		Source:          source(ev),
		SourceRef:       ev.RefID,
		MatchStatus:     model.Matched,
	})
	return err
}

// ListUnmatchedDonations returns inbox cash events with a positive amount that
// are not bound to any participation.
func (m *Matcher) ListUnmatchedDonations(ctx context.Context) ([]model.CashEvent, error) {
	var out []model.CashEvent
	err := m.store.View(ctx, func(ctx context.Context, r store.Repos) error {
		events, err := r.ListCashEvents(ctx, store.EventFilter{Pending: true})
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.AmountISK.IsPositive() {
				out = append(out, ev)
			}
		}
		return nil
	})
	return out, err
}

// MatchParticipation binds refID to participationID on an operator's
// instruction. The amount, when given, and the inbox event, when known, must
// equal the participation's amount exactly. The attempt is written to the
// ledger whether it succeeds or not.
func (m *Matcher) MatchParticipation(ctx context.Context, participationID, refID string, amount *decimal.Decimal) (*model.Participation, error) {
	var matched *model.Participation
	var rejectedCycle, rejectedChar string
	var rejectedAmount decimal.Decimal
	found := false

	err := m.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		if refID == "" {
			return &model.MalformedEventError{Field: "ref_id", Reason: "required"}
		}
		p, err := r.GetParticipation(ctx, participationID)
		if err != nil {
			return err
		}
		found = true
		rejectedCycle, rejectedChar, rejectedAmount = p.CycleID, p.CharacterName, p.AmountISK

		cycle, err := r.LockCycle(ctx, p.CycleID)
		if err != nil {
			return err
		}
		// Status may have moved while the lock was awaited.
		if p, err = r.GetParticipation(ctx, participationID); err != nil {
			return err
		}
		if cycle.Status == model.CycleClosed {
			return model.CycleConflict(cycle, "match participation", model.CyclePlanned, model.CycleOpen)
		}
		if p.Status != model.AwaitingInvestment {
			return model.ParticipationConflict(p, "match", model.AwaitingInvestment)
		}
		if other, err := r.FindParticipationByRef(ctx, refID); err == nil {
			return fmt.Errorf("%w: ref %s already bound to participation %s", model.ErrDuplicate, refID, other.ID)
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		if amount != nil && !amount.Equal(p.AmountISK) {
			return &model.InvariantError{Invariant: "deposit amount equals participation amount",
				Detail: fmt.Sprintf("given %s, participation %s", model.FormatISK(*amount), model.FormatISK(p.AmountISK))}
		}

		ev := &model.CashEvent{RefID: refID, AmountISK: p.AmountISK, OccurredAt: m.now().UTC(), IsWalletJournal: true}
		if inbox, err := r.GetCashEvent(ctx, refID); err == nil {
			if !inbox.AmountISK.Equal(p.AmountISK) {
				return &model.InvariantError{Invariant: "deposit amount equals participation amount",
					Detail: fmt.Sprintf("event %s carries %s, participation %s",
						refID, model.FormatISK(inbox.AmountISK), model.FormatISK(p.AmountISK))}
			}
			ev = inbox
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}

		if err := m.bind(ctx, r, p, ev); err != nil {
			return err
		}
		if _, err := m.rec.Record(ctx, r, &model.LedgerEntry{
			CycleID:         p.CycleID,
			EntryType:       model.EntryManualMatch,
			AmountISK:       p.AmountISK,
			Memo:            "manual match",
			ParticipationID: p.ID,
			CharacterName:   p.CharacterName,
			Source:          model.SourceOperator,
			SourceRef:       refID,
			MatchStatus:     model.Matched,
		}); err != nil {
			return err
		}
		matched = p
		return nil
	})
	if err == nil {
		slog.Info("participation matched manually", "participation", participationID, "ref", refID)
		return matched, nil
	}

	entry := &model.LedgerEntry{
		CycleID:       rejectedCycle,
		EntryType:     model.EntryManualMatch,
		AmountISK:     rejectedAmount,
		Memo:          truncate(err.Error(), 500),
		CharacterName: rejectedChar,
		Source:        model.SourceOperator,
		SourceRef:     refID,
		MatchStatus:   model.Rejected,
	}
	if found {
		entry.ParticipationID = participationID
	} else {
		entry.Memo = truncate("participation "+participationID+": "+err.Error(), 500)
	}
	entry.DedupeKey = ledger.AttemptKey(entry)
	if recErr := m.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		_, err := m.rec.Record(ctx, r, entry)
		return err
	}); recErr != nil {
		slog.Error("record rejected manual match", "participation", participationID, "ref", refID, "err", recErr)
	}
	slog.Warn("manual match rejected", "participation", participationID, "ref", refID, "err", err)
	return nil, err
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
