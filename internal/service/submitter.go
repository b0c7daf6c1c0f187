package service

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/myterms/consentledger/internal/ledger"
	"github.com/myterms/consentledger/internal/protocol"
)

// Submitter hands a plan to the signer and classifies the outcome. It never
// retries and never touches the store.
type Submitter struct {
	Signer  ledger.Signer
	Timeout time.Duration
	Logger  *slog.Logger
}

func (s Submitter) Available() bool { return s.Signer != nil }

func (s Submitter) Submit(ctx context.Context, plan protocol.BatchPlan) (protocol.Receipt, error) {
	if s.Signer == nil {
		return protocol.Receipt{}, NewAppError(http.StatusServiceUnavailable, CodeSignerUnavailable, "no ledger signer configured", false, nil)
	}
	// Once dispatched the submission cannot be called back, so the caller's
	// cancellation is dropped and only the signer timeout applies.
	submitCtx := context.WithoutCancel(ctx)
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(submitCtx, s.Timeout)
		defer cancel()
	}

	receipt, err := s.Signer.Submit(submitCtx, plan.Origins, plan.PerOriginDigest)
	if err != nil {
		appErr := submitFailed(err)
		s.logger().Warn("ledger submission failed",
			slog.String("plan_id", plan.PlanID),
			slog.String("code", appErr.Code),
			slog.String("error", err.Error()),
		)
		return protocol.Receipt{}, appErr
	}
	if strings.TrimSpace(receipt.LedgerTxRef) == "" {
		return protocol.Receipt{}, NewAppError(http.StatusBadGateway, CodeSubmitUnknown, "signer returned an empty transaction reference", false, nil)
	}
	s.logger().Info("ledger submission mined",
		slog.String("plan_id", plan.PlanID),
		slog.String("ledger_tx_ref", receipt.LedgerTxRef),
		slog.Uint64("block_height", receipt.BlockHeight),
		slog.Int("origin_count", len(plan.Origins)),
	)
	return receipt, nil
}

func (s Submitter) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
