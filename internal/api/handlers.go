// Package api exposes the ledger engine's operator operations over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cyclepool/ledger-engine/internal/allocation"
	"github.com/cyclepool/ledger-engine/internal/cycle"
	"github.com/cyclepool/ledger-engine/internal/ingest"
	"github.com/cyclepool/ledger-engine/internal/ledger"
	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/participation"
	"github.com/cyclepool/ledger-engine/internal/payout"
	"github.com/cyclepool/ledger-engine/internal/reconcile"
	"github.com/cyclepool/ledger-engine/internal/store"
)

const maxEventBody = 8 << 20

// Deps are the services the handlers call into.
type Deps struct {
	Store    store.Store
	Cycles   *cycle.Manager
	Engine   *allocation.Engine
	Matcher  *participation.Matcher
	Payouts  *payout.Calculator
	Sweeper  *reconcile.Sweeper
	Inbox    *ingest.Inbox
	Notifier cycle.Notifier
}

// Service serves the operator API.
type Service struct {
	Deps
}

// NewService creates the HTTP service.
func NewService(d Deps) *Service {
	return &Service{Deps: d}
}

// Routes mounts the API on r. The caller decides the prefix.
func (s *Service) Routes(r chi.Router) {
	r.Route("/cycles", func(r chi.Router) {
		r.Get("/", s.ListCycles)
		r.Post("/", s.PlanCycle)
		r.Route("/{cycleID}", func(r chi.Router) {
			r.Get("/", s.GetCycle)
			r.Patch("/", s.UpdateCycle)
			r.Post("/open", s.OpenCycle)
			r.Post("/close", s.CloseCycle)

			r.Get("/lines", s.ListLines)
			r.Post("/lines", s.CreateLine)
			r.Post("/commits", s.CommitPlan)

			r.Get("/participations", s.ListParticipations)
			r.Post("/participations", s.OptIn)

			r.Get("/payouts/suggest", s.SuggestPayouts)
			r.Post("/payouts/finalize", s.FinalizePayouts)

			r.Post("/transport-fees", s.AddTransportFee)

			r.Get("/snapshots", s.ListSnapshots)
			r.Post("/snapshots", s.CreateSnapshot)
		})
	})

	r.Delete("/lines/{lineID}", s.DeleteLine)
	r.Put("/lines/{lineID}/listed", s.SetListedUnits)
	r.Get("/commits/{commitID}", s.GetCommitStatus)

	r.Get("/participations/{participationID}", s.GetParticipation)
	r.Post("/participations/{participationID}/opt-out", s.OptOut)
	r.Post("/participations/{participationID}/refund", s.Refund)
	r.Post("/participations/{participationID}/match", s.MatchParticipation)
	r.Post("/participations/{participationID}/payout-sent", s.MarkPayoutSent)

	r.Get("/donations/unmatched", s.ListUnmatchedDonations)
	r.Post("/reconcile", s.Reconcile)
	r.Get("/ledger", s.ListEntries)
	r.Post("/events/{kind}", s.IngestEvents)
}

// --- Cycles ---

// ListCycles handles GET /cycles?status=OPEN,PLANNED
func (s *Service) ListCycles(w http.ResponseWriter, r *http.Request) {
	var f store.CycleFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			f.Status = append(f.Status, model.CycleStatus(strings.ToUpper(strings.TrimSpace(st))))
		}
	}
	cycles, err := s.Cycles.ListCycles(r.Context(), f)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}

// PlanCycle handles POST /cycles
func (s *Service) PlanCycle(w http.ResponseWriter, r *http.Request) {
	var req cycle.PlanRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.Cycles.PlanCycle(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetCycle handles GET /cycles/{cycleID}
func (s *Service) GetCycle(w http.ResponseWriter, r *http.Request) {
	c, err := s.Cycles.GetCycle(r.Context(), chi.URLParam(r, "cycleID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateCycle handles PATCH /cycles/{cycleID}
func (s *Service) UpdateCycle(w http.ResponseWriter, r *http.Request) {
	var req cycle.UpdateRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.Cycles.UpdatePlannedCycle(r.Context(), chi.URLParam(r, "cycleID"), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// OpenCycle handles POST /cycles/{cycleID}/open
func (s *Service) OpenCycle(w http.ResponseWriter, r *http.Request) {
	c, err := s.Cycles.OpenCycle(r.Context(), chi.URLParam(r, "cycleID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CloseCycle handles POST /cycles/{cycleID}/close. The body is optional.
func (s *Service) CloseCycle(w http.ResponseWriter, r *http.Request) {
	var opts cycle.CloseOptions
	if r.ContentLength != 0 && !decode(w, r, &opts) {
		return
	}
	res, err := s.Cycles.CloseCycle(r.Context(), chi.URLParam(r, "cycleID"), opts)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Lines ---

// ListLines handles GET /cycles/{cycleID}/lines
func (s *Service) ListLines(w http.ResponseWriter, r *http.Request) {
	lines, err := s.Cycles.ListLines(r.Context(), chi.URLParam(r, "cycleID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

// CreateLine handles POST /cycles/{cycleID}/lines
func (s *Service) CreateLine(w http.ResponseWriter, r *http.Request) {
	var spec cycle.LineSpec
	if !decode(w, r, &spec) {
		return
	}
	line, err := s.Cycles.CreateCycleLine(r.Context(), chi.URLParam(r, "cycleID"), spec)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, line)
}

// CommitPlanRequest is the body of POST /cycles/{cycleID}/commits.
type CommitPlanRequest struct {
	Memo  string           `json:"memo"`
	Lines []cycle.LineSpec `json:"lines"`
}

// CommitPlanResponse returns the commit with the lines it created.
type CommitPlanResponse struct {
	Commit *model.PlanCommit `json:"commit"`
	Lines  []model.CycleLine `json:"lines"`
}

// CommitPlan handles POST /cycles/{cycleID}/commits
func (s *Service) CommitPlan(w http.ResponseWriter, r *http.Request) {
	var req CommitPlanRequest
	if !decode(w, r, &req) {
		return
	}
	commit, lines, err := s.Cycles.CommitPlan(r.Context(), chi.URLParam(r, "cycleID"), req.Memo, req.Lines)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CommitPlanResponse{Commit: commit, Lines: lines})
}

// GetCommitStatus handles GET /commits/{commitID}
func (s *Service) GetCommitStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Cycles.GetCommitStatus(r.Context(), chi.URLParam(r, "commitID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// DeleteLine handles DELETE /lines/{lineID}
func (s *Service) DeleteLine(w http.ResponseWriter, r *http.Request) {
	if err := s.Cycles.DeleteLine(r.Context(), chi.URLParam(r, "lineID")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetListedUnits handles PUT /lines/{lineID}/listed
func (s *Service) SetListedUnits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Units int64 `json:"listed_units"`
	}
	if !decode(w, r, &req) {
		return
	}
	line, err := s.Engine.SetListedUnits(r.Context(), chi.URLParam(r, "lineID"), req.Units)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

// --- Participations ---

// ListParticipations handles GET /cycles/{cycleID}/participations
func (s *Service) ListParticipations(w http.ResponseWriter, r *http.Request) {
	parts, err := s.Cycles.ListParticipations(r.Context(), chi.URLParam(r, "cycleID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parts)
}

// OptIn handles POST /cycles/{cycleID}/participations
func (s *Service) OptIn(w http.ResponseWriter, r *http.Request) {
	var req cycle.OptInRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.Cycles.OptIn(r.Context(), chi.URLParam(r, "cycleID"), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetParticipation handles GET /participations/{participationID}
func (s *Service) GetParticipation(w http.ResponseWriter, r *http.Request) {
	p, err := s.Cycles.GetParticipation(r.Context(), chi.URLParam(r, "participationID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// OptOut handles POST /participations/{participationID}/opt-out
func (s *Service) OptOut(w http.ResponseWriter, r *http.Request) {
	p, err := s.Cycles.OptOut(r.Context(), chi.URLParam(r, "participationID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Refund handles POST /participations/{participationID}/refund
func (s *Service) Refund(w http.ResponseWriter, r *http.Request) {
	p, err := s.Cycles.Refund(r.Context(), chi.URLParam(r, "participationID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// MatchRequest is the body of a manual donation match.
type MatchRequest struct {
	RefID     string           `json:"ref_id"`
	AmountISK *decimal.Decimal `json:"amount_isk,omitempty"`
}

// MatchParticipation handles POST /participations/{participationID}/match
func (s *Service) MatchParticipation(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.Matcher.MatchParticipation(r.Context(), chi.URLParam(r, "participationID"), req.RefID, req.AmountISK)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListUnmatchedDonations handles GET /donations/unmatched
func (s *Service) ListUnmatchedDonations(w http.ResponseWriter, r *http.Request) {
	events, err := s.Matcher.ListUnmatchedDonations(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if events == nil {
		events = []model.CashEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Payouts ---

// SuggestPayouts handles GET /cycles/{cycleID}/payouts/suggest?profit_share_pct=0.5
func (s *Service) SuggestPayouts(w http.ResponseWriter, r *http.Request) {
	var pct *decimal.Decimal
	if raw := r.URL.Query().Get("profit_share_pct"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, "invalid profit_share_pct", http.StatusBadRequest)
			return
		}
		pct = &v
	}
	sug, err := s.Payouts.Suggest(r.Context(), chi.URLParam(r, "cycleID"), pct)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sug)
}

// FinalizeRequest approves payouts per participation. An empty map
// finalizes the current suggestion.
type FinalizeRequest struct {
	Payouts map[string]decimal.Decimal `json:"payouts"`
}

// FinalizePayouts handles POST /cycles/{cycleID}/payouts/finalize
func (s *Service) FinalizePayouts(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	parts, err := s.Payouts.Finalize(r.Context(), chi.URLParam(r, "cycleID"), req.Payouts)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parts)
}

// MarkPayoutSent handles POST /participations/{participationID}/payout-sent
func (s *Service) MarkPayoutSent(w http.ResponseWriter, r *http.Request) {
	p, err := s.Payouts.MarkPayoutSent(r.Context(), chi.URLParam(r, "participationID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	s.notify(cycle.EventPayoutSent, p)
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) notify(ev cycle.Event, payload any) {
	if s.Notifier != nil {
		s.Notifier.Notify(ev, payload)
	}
}

// --- Fees & snapshots ---

// TransportFeeRequest is the body of POST /cycles/{cycleID}/transport-fees.
type TransportFeeRequest struct {
	AmountISK decimal.Decimal `json:"amount_isk"`
	Memo      string          `json:"memo,omitempty"`
}

// AddTransportFee handles POST /cycles/{cycleID}/transport-fees
func (s *Service) AddTransportFee(w http.ResponseWriter, r *http.Request) {
	var req TransportFeeRequest
	if !decode(w, r, &req) {
		return
	}
	fee, err := s.Cycles.AddTransportFee(r.Context(), chi.URLParam(r, "cycleID"), req.AmountISK, req.Memo)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fee)
}

// CreateSnapshot handles POST /cycles/{cycleID}/snapshots
func (s *Service) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Cycles.CreateSnapshot(r.Context(), chi.URLParam(r, "cycleID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// ListSnapshots handles GET /cycles/{cycleID}/snapshots
func (s *Service) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.Cycles.ListSnapshots(r.Context(), chi.URLParam(r, "cycleID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// --- Reconciliation, ledger, inbox ---

// Reconcile handles POST /reconcile?cycle_id=. Without a cycle every planned
// and open cycle is swept.
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Sweeper.Reconcile(r.Context(), r.URL.Query().Get("cycle_id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	s.notify(cycle.EventReconciled, sum)
	writeJSON(w, http.StatusOK, sum)
}

// ListEntries handles GET /ledger?cycle_id=&participation_id=&commit_id=&entry_type=&limit=
func (s *Service) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.EntryFilter{
		CycleID:         q.Get("cycle_id"),
		PlanCommitID:    q.Get("commit_id"),
		ParticipationID: q.Get("participation_id"),
		EntryType:       model.EntryType(strings.ToUpper(q.Get("entry_type"))),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	entries, err := ledger.List(r.Context(), s.Store, f)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// IngestEvents handles POST /events/{kind}
func (s *Service) IngestEvents(w http.ResponseWriter, r *http.Request) {
	kind, err := ingest.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	res, err := s.Inbox.Ingest(r.Context(), kind, body)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrStateConflict),
		errors.Is(err, model.ErrConcurrentClose),
		errors.Is(err, model.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvariant):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrMalformedEvent):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeFailure(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
