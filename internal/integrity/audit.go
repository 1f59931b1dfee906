package integrity

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/chronicle/internal/event"
)

// DefaultAuditPageSize is the number of envelopes read per batch.
const DefaultAuditPageSize = 500

// Source reads a contiguous version range of one aggregate. to == 0 means
// the latest version. An unknown aggregate yields an empty slice.
type Source interface {
	Read(ctx context.Context, aggregateID string, from, to int64) ([]event.Envelope, error)
}

// Report is the result of auditing one aggregate.
type Report struct {
	AggregateID string    `json:"aggregate_id"`
	Checked     int64     `json:"checked"`
	Head        Link      `json:"head"`
	Failures    []Failure `json:"failures,omitempty"`
}

// OK reports whether every envelope verified.
func (r Report) OK() bool {
	return len(r.Failures) == 0
}

// FirstDivergentVersion returns the first failing version, or 0.
func (r Report) FirstDivergentVersion() int64 {
	if len(r.Failures) == 0 {
		return 0
	}
	return r.Failures[0].Version
}

// AuditStream verifies the full chain of one aggregate, reading it in pages
// of pageSize. Failures are collected rather than returned as errors; the
// error result is reserved for read failures and cancellation.
func (s *Sealer) AuditStream(ctx context.Context, src Source, aggregateID string, pageSize int) (Report, error) {
	if pageSize <= 0 {
		pageSize = DefaultAuditPageSize
	}
	report := Report{AggregateID: aggregateID}
	v := s.NewChainVerifier(Genesis())

	from := int64(1)
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := src.Read(ctx, aggregateID, from, from+int64(pageSize)-1)
		if err != nil {
			return report, fmt.Errorf("audit %s: read from %d: %w", aggregateID, from, err)
		}
		for _, env := range page {
			if err := v.Next(env); err != nil {
				if errors.Is(err, ErrPredecessorRequired) {
					return report, err
				}
				report.Failures = append(report.Failures, failureOf(env, err))
			}
			report.Checked++
			report.Head = LinkOf(env)
		}
		if len(page) < pageSize {
			return report, nil
		}
		from += int64(len(page))
	}
}

// Audit runs AuditStream over each aggregate in order.
func (s *Sealer) Audit(ctx context.Context, src Source, aggregates []string, pageSize int) ([]Report, error) {
	reports := make([]Report, 0, len(aggregates))
	for _, id := range aggregates {
		r, err := s.AuditStream(ctx, src, id, pageSize)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}
