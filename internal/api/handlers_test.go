package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/cyclepool/ledger-engine/internal/allocation"
	"github.com/cyclepool/ledger-engine/internal/api"
	"github.com/cyclepool/ledger-engine/internal/cycle"
	"github.com/cyclepool/ledger-engine/internal/ingest"
	"github.com/cyclepool/ledger-engine/internal/ledger"
	"github.com/cyclepool/ledger-engine/internal/lock"
	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/participation"
	"github.com/cyclepool/ledger-engine/internal/payout"
	"github.com/cyclepool/ledger-engine/internal/reconcile"
	"github.com/cyclepool/ledger-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv wires every service over an in-memory store behind a chi router.
func newTestEnv(t *testing.T) chi.Router {
	t.Helper()
	st := store.NewMemoryStore()
	rec := ledger.NewRecorder()
	mgr := cycle.NewManager(st, lock.NewMemoryLocker(), rec, cycle.Options{})
	engine := allocation.NewEngine(st, rec, allocation.DefaultRates())
	matcher := participation.NewMatcher(st, rec)

	svc := api.NewService(api.Deps{
		Store:   st,
		Cycles:  mgr,
		Engine:  engine,
		Matcher: matcher,
		Payouts: payout.NewCalculator(st, rec),
		Sweeper: reconcile.NewSweeper(st, engine, matcher, 0),
		Inbox:   ingest.NewInbox(st),
	})

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func TestDepositFlow(t *testing.T) {
	router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/cycles", map[string]any{"name": "june", "initial_injection_isk": "1000"})
	if w.Code != http.StatusCreated {
		t.Fatalf("plan: status %d, body %s", w.Code, w.Body.String())
	}
	c := decodeBody[model.Cycle](t, w)
	if c.Status != model.CyclePlanned {
		t.Fatalf("status = %s", c.Status)
	}

	w = do(t, router, "POST", "/api/v1/cycles/"+c.ID+"/participations", map[string]any{
		"character_name": "Alice",
		"amount_isk":     "500",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("opt-in: status %d, body %s", w.Code, w.Body.String())
	}
	p := decodeBody[model.Participation](t, w)
	if p.Memo == "" || p.Status != model.AwaitingInvestment {
		t.Fatalf("participation = %+v", p)
	}

	at := time.Now().UTC().Add(time.Minute).Format(time.RFC3339)
	events := fmt.Sprintf(`[{"ref_id":"j-1","amount_isk":"500","character_name":"Alice","reason":%q,"is_wallet_journal":true,"occurred_at":%q}]`, p.Memo, at)
	w = do(t, router, "POST", "/api/v1/events/cash", events)
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest: status %d, body %s", w.Code, w.Body.String())
	}
	if res := decodeBody[ingest.Result](t, w); res.Accepted != 1 {
		t.Fatalf("ingest result = %+v", res)
	}

	w = do(t, router, "POST", "/api/v1/reconcile?cycle_id="+c.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile: status %d, body %s", w.Code, w.Body.String())
	}
	if sum := decodeBody[reconcile.Summary](t, w); sum.DonationsMatched != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	w = do(t, router, "GET", "/api/v1/participations/"+p.ID, nil)
	if got := decodeBody[model.Participation](t, w); got.Status != model.OptedIn || got.WalletJournalRef != "j-1" {
		t.Fatalf("participation after reconcile = %+v", got)
	}

	w = do(t, router, "POST", "/api/v1/cycles/"+c.ID+"/open", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("open: status %d, body %s", w.Code, w.Body.String())
	}
	if opened := decodeBody[model.Cycle](t, w); !opened.InitialCapitalISK.Equal(d(1500)) {
		t.Errorf("initial capital = %s, want 1500", opened.InitialCapitalISK)
	}

	w = do(t, router, "GET", "/api/v1/ledger?cycle_id="+c.ID+"&entry_type=deposit", nil)
	entries := decodeBody[[]model.LedgerEntry](t, w)
	if len(entries) != 1 || !entries[0].AmountISK.Equal(d(500)) {
		t.Fatalf("ledger = %+v", entries)
	}

	w = do(t, router, "GET", "/api/v1/donations/unmatched", nil)
	if pending := decodeBody[[]model.CashEvent](t, w); len(pending) != 0 {
		t.Errorf("unmatched donations = %+v", pending)
	}
}

func TestLinesAndClose(t *testing.T) {
	router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/cycles", map[string]any{"name": "june", "initial_injection_isk": "10000"})
	c := decodeBody[model.Cycle](t, w)

	w = do(t, router, "POST", "/api/v1/cycles/"+c.ID+"/commits", map[string]any{
		"memo": "jita run",
		"lines": []map[string]any{
			{"type_id": 34, "destination_station_id": 60003760, "planned_units": 100},
			{"type_id": 35, "destination_station_id": 60003760, "planned_units": 50},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("commit: status %d, body %s", w.Code, w.Body.String())
	}
	commit := decodeBody[api.CommitPlanResponse](t, w)
	if len(commit.Lines) != 2 {
		t.Fatalf("lines = %d", len(commit.Lines))
	}

	w = do(t, router, "GET", "/api/v1/commits/"+commit.Commit.ID, nil)
	if status := decodeBody[cycle.CommitStatus](t, w); status.PlannedUnits != 150 {
		t.Errorf("planned units = %d, want 150", status.PlannedUnits)
	}

	w = do(t, router, "DELETE", "/api/v1/lines/"+commit.Lines[1].ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d, body %s", w.Code, w.Body.String())
	}
	w = do(t, router, "PUT", "/api/v1/lines/"+commit.Lines[0].ID+"/listed", map[string]any{"listed_units": 5})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("listing unbought units: status %d, want 422", w.Code)
	}

	do(t, router, "POST", "/api/v1/cycles/"+c.ID+"/open", nil)
	w = do(t, router, "POST", "/api/v1/cycles/"+c.ID+"/transport-fees", map[string]any{"amount_isk": "250"})
	if w.Code != http.StatusCreated {
		t.Fatalf("transport fee: status %d, body %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/cycles/"+c.ID+"/snapshots", nil)
	if snap := decodeBody[model.CycleSnapshot](t, w); !snap.CashISK.Equal(d(9750)) {
		t.Errorf("snapshot cash = %s, want 9750", snap.CashISK)
	}

	w = do(t, router, "POST", "/api/v1/cycles/"+c.ID+"/close", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("close: status %d, body %s", w.Code, w.Body.String())
	}
	res := decodeBody[cycle.CloseResult](t, w)
	if res.Cycle.Status != model.CycleClosed || !res.Payouts.ProfitISK.Equal(d(-250)) {
		t.Fatalf("close result = %+v", res)
	}

	w = do(t, router, "POST", "/api/v1/cycles/"+c.ID+"/close", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second close: status %d, want 409", w.Code)
	}
	w = do(t, router, "POST", "/api/v1/cycles/"+c.ID+"/payouts/finalize", nil)
	if w.Code != http.StatusOK {
		t.Errorf("finalize: status %d, body %s", w.Code, w.Body.String())
	}
}

func TestErrorStatus(t *testing.T) {
	router := newTestEnv(t)
	w := do(t, router, "POST", "/api/v1/cycles", map[string]any{"name": "june"})
	c := decodeBody[model.Cycle](t, w)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown cycle", "GET", "/api/v1/cycles/nope", nil, http.StatusNotFound},
		{"bad body", "POST", "/api/v1/cycles", "{", http.StatusBadRequest},
		{"empty name", "POST", "/api/v1/cycles", map[string]any{"name": ""}, http.StatusUnprocessableEntity},
		{"close planned", "POST", "/api/v1/cycles/" + c.ID + "/close", nil, http.StatusConflict},
		{"negative opt-in", "POST", "/api/v1/cycles/" + c.ID + "/participations", map[string]any{"character_name": "Bob", "amount_isk": "-5"}, http.StatusUnprocessableEntity},
		{"unknown stream", "POST", "/api/v1/events/trades", `{}`, http.StatusBadRequest},
		{"undecodable events", "POST", "/api/v1/events/fills", `not json`, http.StatusBadRequest},
		{"bad pct", "GET", "/api/v1/cycles/" + c.ID + "/payouts/suggest?profit_share_pct=half", nil, http.StatusBadRequest},
		{"bad limit", "GET", "/api/v1/ledger?limit=-1", nil, http.StatusBadRequest},
		{"unknown participation", "POST", "/api/v1/participations/nope/refund", nil, http.StatusNotFound},
		{"match without ref", "POST", "/api/v1/participations/nope/match", map[string]any{"ref_id": ""}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			if !strings.Contains(w.Header().Get("Content-Type"), "application/json") {
				t.Errorf("content type = %q", w.Header().Get("Content-Type"))
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get cycle: %w", model.ErrNotFound), http.StatusNotFound},
		{&model.StateConflictError{Entity: "cycle"}, http.StatusConflict},
		{fmt.Errorf("%w: cycle c1", model.ErrConcurrentClose), http.StatusConflict},
		{fmt.Errorf("%w: ref j-1", model.ErrDuplicate), http.StatusConflict},
		{&model.InvariantError{Invariant: "units_sold <= units_bought"}, http.StatusUnprocessableEntity},
		{&model.MalformedEventError{Field: "ref_id", Reason: "required"}, http.StatusBadRequest},
		{fmt.Errorf("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := api.StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+query, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type notice struct {
	Type    cycle.Event       `json:"type"`
	Payload map[string]string `json:"payload"`
}

func readNotice(t *testing.T, conn *websocket.Conn) notice {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var n notice
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestHubBroadcast(t *testing.T) {
	hub := api.NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dialHub(t, srv, "")
	hub.Notify(cycle.EventOpened, map[string]string{"id": "c1"})

	if n := readNotice(t, conn); n.Type != cycle.EventOpened || n.Payload["id"] != "c1" {
		t.Errorf("notice = %+v", n)
	}
}

func TestHubFiltersAndReplays(t *testing.T) {
	hub := api.NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	// Sent before anyone listens: replayed to a matching subscriber.
	hub.Notify(cycle.EventClosed, map[string]string{"id": "c0"})
	conn := dialHub(t, srv, "?kinds=cycle.closed")
	if n := readNotice(t, conn); n.Type != cycle.EventClosed || n.Payload["id"] != "c0" {
		t.Fatalf("replayed notice = %+v", n)
	}

	hub.Notify(cycle.EventOpened, map[string]string{"id": "c1"})
	hub.Notify(cycle.EventClosed, map[string]string{"id": "c1"})
	if n := readNotice(t, conn); n.Type != cycle.EventClosed || n.Payload["id"] != "c1" {
		t.Fatalf("filtered subscriber got %+v", n)
	}

	resp, err := http.Get(srv.URL + "?kinds=cycle.exploded")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown kind: status %d, want 400", resp.StatusCode)
	}
}
