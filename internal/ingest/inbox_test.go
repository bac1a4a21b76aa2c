package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/store"
)

func TestIngestFills(t *testing.T) {
	st := store.NewMemoryStore()
	in := NewInbox(st)
	ctx := context.Background()

	payload := []byte(`[
		{"external_ref_id":"tx-1","side":"BUY","type_id":34,"station_id":60003760,"quantity":100,"unit_price_isk":"5.60","occurred_at":"2025-06-01T10:00:00Z"},
		{"external_ref_id":"tx-2","side":"SELL","type_id":34,"station_id":60003760,"quantity":40,"unit_price_isk":7,"occurred_at":"2025-06-01T11:00:00Z"},
		{"external_ref_id":"","side":"BUY","type_id":34,"station_id":60003760,"quantity":1,"unit_price_isk":"1","occurred_at":"2025-06-01T11:00:00Z"},
		{"external_ref_id":"tx-4","side":"HOLD","type_id":34,"station_id":60003760,"quantity":1,"unit_price_isk":"1","occurred_at":"2025-06-01T11:00:00Z"}
	]`)
	res, err := in.Ingest(ctx, KindFills, payload)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 2 || res.Malformed != 2 || len(res.Errors) != 2 {
		t.Fatalf("result = %+v", res)
	}

	res, err = in.Ingest(ctx, KindFills, payload)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 0 || res.Duplicates != 2 {
		t.Fatalf("redelivery = %+v", res)
	}

	var fills []model.FillEvent
	st.View(ctx, func(ctx context.Context, r store.Repos) error {
		fills, _ = r.ListFillEvents(ctx, store.EventFilter{})
		return nil
	})
	if len(fills) != 2 || fills[0].ExternalRefID != "tx-1" || fills[0].UnitPriceISK.String() != "5.6" {
		t.Fatalf("stored fills = %+v", fills)
	}
}

func TestIngestSingleObjects(t *testing.T) {
	st := store.NewMemoryStore()
	in := NewInbox(st)
	ctx := context.Background()

	res, err := in.Ingest(ctx, KindCash, []byte(`{"ref_id":"j-1","amount_isk":"5000000.00","character_name":"Alice","reason":"CYCLE-aaaaaaaa-cccccccc","is_wallet_journal":true,"occurred_at":"2025-06-01T10:00:00Z"}`))
	if err != nil || res.Accepted != 1 {
		t.Fatalf("cash: %+v, %v", res, err)
	}
	res, err = in.Ingest(ctx, KindCash, []byte(`{"ref_id":"j-2","amount_isk":"10.001","occurred_at":"2025-06-01T10:00:00Z"}`))
	if err != nil || res.Malformed != 1 {
		t.Fatalf("sub-cent cash: %+v, %v", res, err)
	}

	res, err = in.Ingest(ctx, KindFees, []byte(`{"ref_id":"f-1","kind":"RELIST","type_id":34,"station_id":60003760,"amount_isk":"3.20","occurred_at":"2025-06-01T10:00:00Z"}`))
	if err != nil || res.Accepted != 1 {
		t.Fatalf("fee: %+v, %v", res, err)
	}
}

func TestIngestRejectsBadPayloads(t *testing.T) {
	in := NewInbox(store.NewMemoryStore())
	ctx := context.Background()

	for _, body := range []string{"", "not json", `[{"ref_id":`} {
		if _, err := in.Ingest(ctx, KindCash, []byte(body)); !errors.Is(err, model.ErrMalformedEvent) {
			t.Errorf("%q: expected ErrMalformedEvent, got %v", body, err)
		}
	}
	if _, err := in.Ingest(ctx, Kind("trades"), []byte(`{}`)); !errors.Is(err, model.ErrMalformedEvent) {
		t.Errorf("unknown kind: expected ErrMalformedEvent, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		subject string
		want    Kind
		ok      bool
	}{
		{"cycles.fills.jita", KindFills, true},
		{"cycles.cash.main-wallet", KindCash, true},
		{"cycles.fees.amarr", KindFees, true},
		{"cycles.trades.jita", "", false},
		{"perp.fills.x", "", false},
	}
	for _, tt := range tests {
		got, err := KindOf(tt.subject)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("KindOf(%q) = %q, %v", tt.subject, got, err)
		}
	}
}
