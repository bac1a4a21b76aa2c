// Package ingest accepts normalized events from collaborator adapters and
// stores them in the inbox for the next reconciliation sweep.
//
// Payloads are JSON, either one event object or an array of them. Events
// that fail validation are counted and dropped; the rest are inserted
// idempotently on their reference, so redelivery is harmless.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cyclepool/ledger-engine/internal/metrics"
	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/store"
)

// Kind names an event stream.
type Kind string

const (
	KindFills Kind = "fills"
	KindCash  Kind = "cash"
	KindFees  Kind = "fees"
)

// ParseKind validates a kind received from a route or subject.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindFills, KindCash, KindFees:
		return k, nil
	}
	return "", &model.MalformedEventError{Field: "kind", Reason: fmt.Sprintf("unknown event stream %q", s)}
}

// Result counts what one payload contributed to the inbox.
type Result struct {
	Kind       Kind     `json:"kind"`
	Accepted   int      `json:"accepted"`
	Duplicates int      `json:"duplicates"`
	Malformed  int      `json:"malformed"`
	Errors     []string `json:"errors,omitempty"`
}

func (r *Result) reject(i int, err error) {
	r.Malformed++
	r.Errors = append(r.Errors, fmt.Sprintf("event %d: %v", i, err))
}

func (r *Result) inserted(ok bool) {
	if ok {
		r.Accepted++
	} else {
		r.Duplicates++
	}
}

// Inbox writes decoded events to the store.
type Inbox struct {
	store store.Store
}

// NewInbox creates an inbox writer.
func NewInbox(st store.Store) *Inbox {
	return &Inbox{store: st}
}

// decodeList accepts a single JSON object or an array of objects.
func decodeList[T any](data []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &model.MalformedEventError{Field: "body", Reason: "empty payload"}
	}
	if trimmed[0] == '[' {
		var list []T
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, &model.MalformedEventError{Field: "body", Reason: err.Error()}
		}
		return list, nil
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, &model.MalformedEventError{Field: "body", Reason: err.Error()}
	}
	return []T{one}, nil
}

// Ingest decodes a payload of the given kind and stores its valid events in
// one transaction. A payload that is not valid JSON fails as a whole with
// model.ErrMalformedEvent.
func (in *Inbox) Ingest(ctx context.Context, kind Kind, data []byte) (*Result, error) {
	res := &Result{Kind: kind}
	var err error
	switch kind {
	case KindFills:
		err = in.ingestFills(ctx, data, res)
	case KindCash:
		err = in.ingestCash(ctx, data, res)
	case KindFees:
		err = in.ingestFees(ctx, data, res)
	default:
		_, err = ParseKind(string(kind))
	}
	if err != nil {
		metrics.IngestedEventsTotal.WithLabelValues(string(kind), "error").Inc()
		return nil, err
	}

	metrics.IngestedEventsTotal.WithLabelValues(string(kind), "accepted").Add(float64(res.Accepted))
	metrics.IngestedEventsTotal.WithLabelValues(string(kind), "duplicate").Add(float64(res.Duplicates))
	metrics.IngestedEventsTotal.WithLabelValues(string(kind), "malformed").Add(float64(res.Malformed))
	if res.Malformed > 0 {
		slog.Warn("malformed events dropped", "kind", kind, "count", res.Malformed, "first", res.Errors[0])
	}
	slog.Debug("events ingested", "kind", kind, "accepted", res.Accepted, "duplicates", res.Duplicates)
	return res, nil
}

func (in *Inbox) ingestFills(ctx context.Context, data []byte, res *Result) error {
	events, err := decodeList[model.FillEvent](data)
	if err != nil {
		return err
	}
	return in.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		*res = Result{Kind: KindFills}
		for i := range events {
			if err := events[i].Validate(); err != nil {
				res.reject(i, err)
				continue
			}
			ok, err := r.InsertFillEvent(ctx, &events[i])
			if err != nil {
				return err
			}
			res.inserted(ok)
		}
		return nil
	})
}

func (in *Inbox) ingestCash(ctx context.Context, data []byte, res *Result) error {
	events, err := decodeList[model.CashEvent](data)
	if err != nil {
		return err
	}
	return in.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		*res = Result{Kind: KindCash}
		for i := range events {
			if err := events[i].Validate(); err != nil {
				res.reject(i, err)
				continue
			}
			ok, err := r.InsertCashEvent(ctx, &events[i])
			if err != nil {
				return err
			}
			res.inserted(ok)
		}
		return nil
	})
}

func (in *Inbox) ingestFees(ctx context.Context, data []byte, res *Result) error {
	events, err := decodeList[model.FeeEvent](data)
	if err != nil {
		return err
	}
	return in.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		*res = Result{Kind: KindFees}
		for i := range events {
			if err := events[i].Validate(); err != nil {
				res.reject(i, err)
				continue
			}
			ok, err := r.InsertFeeEvent(ctx, &events[i])
			if err != nil {
				return err
			}
			res.inserted(ok)
		}
		return nil
	})
}
