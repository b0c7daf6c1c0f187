package service

import (
	"context"
	"fmt"
	"time"

	"github.com/myterms/consentledger/internal/protocol"
	"github.com/myterms/consentledger/internal/storage"
)

const (
	ReasonReady            = "ready"
	ReasonNoUnsettled      = "no_unsettled_records"
	ReasonNoAgedRecords    = "no_records_past_age_threshold"
	ReasonIntervalNotMet   = "min_interval_not_elapsed"
	DefaultAgeThreshold    = 24 * time.Hour
	DefaultMinInterval     = 24 * time.Hour
	DefaultAttemptLease    = 10 * time.Minute
	DefaultForceMinBetween = 5 * time.Minute
)

// Readiness is the policy verdict plus the records a plan would be built from.
type Readiness struct {
	Ready      bool
	Reason     string
	Candidates []protocol.DecisionRecord
}

func (r Readiness) CandidateCount() int { return len(r.Candidates) }

// Policy decides whether a settlement attempt is worth making. It reads the
// store but never writes to it.
type Policy struct {
	Store        storage.Store
	AgeThreshold time.Duration
	MinInterval  time.Duration
}

// IsReady evaluates the store at now. watermark is the last attempted
// settlement, zero if there has never been one.
func (p Policy) IsReady(ctx context.Context, now, watermark time.Time, force bool) (Readiness, error) {
	if force {
		candidates, err := p.Store.Query(ctx, storage.Filter{UnsettledOnly: true})
		if err != nil {
			return Readiness{}, fmt.Errorf("load unsettled records: %w", err)
		}
		if len(candidates) == 0 {
			return Readiness{Reason: ReasonNoUnsettled}, nil
		}
		return Readiness{Ready: true, Reason: ReasonReady, Candidates: candidates}, nil
	}

	candidates, err := p.Store.Query(ctx, storage.UnsettledOlderThan(now, p.AgeThreshold))
	if err != nil {
		return Readiness{}, fmt.Errorf("load aged records: %w", err)
	}
	if len(candidates) == 0 {
		return Readiness{Reason: ReasonNoAgedRecords}, nil
	}
	if !watermark.IsZero() && now.Sub(watermark) < p.MinInterval {
		return Readiness{Reason: ReasonIntervalNotMet, Candidates: candidates}, nil
	}
	return Readiness{Ready: true, Reason: ReasonReady, Candidates: candidates}, nil
}
