package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/myterms/consentledger/internal/bridge"
	"github.com/myterms/consentledger/internal/protocol"
)

type connectFunc func(cmd *cobra.Command) (*session, error)

// call runs one bridge operation on a fresh session and prints the result.
func call(cmd *cobra.Command, connect connectFunc, op bridge.Operation, payload any, out any) error {
	s, err := connect(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.client.Call(cmd.Context(), op, payload, out); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func summaryCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show queue size and settlement state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out protocol.QueueSummary
			return call(cmd, connect, bridge.OpGetQueueSummary, nil, &out)
		},
	}
}

func recordsCmd(connect connectFunc) *cobra.Command {
	var req protocol.GetRecordsRequest
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List decision records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out protocol.GetRecordsResponse
			return call(cmd, connect, bridge.OpGetRecords, req, &out)
		},
	}
	cmd.Flags().IntVar(&req.Limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&req.Offset, "offset", 0, "records to skip")
	return cmd
}

func captureCmd(connect connectFunc) *cobra.Command {
	var (
		req         protocol.DecisionCapturedRequest
		contentFile string
	)
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Record one consent decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if contentFile != "" {
				raw, err := os.ReadFile(contentFile)
				if err != nil {
					return err
				}
				req.ContentHash = protocol.HashContent(raw).String()
			}
			var out protocol.DecisionCapturedResponse
			return call(cmd, connect, bridge.OpDecisionCaptured, req, &out)
		},
	}
	cmd.Flags().StringVar(&req.OriginDomain, "origin", "", "origin domain the decision was made on")
	cmd.Flags().StringVar(&req.ContentHash, "content-hash", "", "0x-prefixed keccak-256 of the consent text")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "hash this file instead of passing --content-hash")
	cmd.Flags().StringVar(&req.Decision, "decision", "accept", "accept or decline")
	cmd.MarkFlagsMutuallyExclusive("content-hash", "content-file")
	_ = cmd.MarkFlagRequired("origin")
	return cmd
}

func prepareCmd(connect connectFunc) *cobra.Command {
	var req protocol.PrepareSettlementRequest
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Build a settlement plan for an external signer",
		Long: `Build a settlement plan and hold the settlement lease for it.
Pass the printed plan to "finalize" once the signer has a receipt, or to
"abort" if the submission will not happen.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out protocol.BatchPlan
			if err := call(cmd, connect, bridge.OpPrepareSettlement, req, &out); err != nil {
				return err
			}
			colorGreen.Fprintf(cmd.ErrOrStderr(), "plan %s: %d origins, %d records\n", out.PlanID, len(out.Origins), len(out.MemberIDs))
			return nil
		},
	}
	cmd.Flags().BoolVar(&req.Force, "force", false, "ignore the age threshold and minimum interval")
	return cmd
}

func finalizeCmd(connect connectFunc) *cobra.Command {
	var (
		planPath string
		receipt  protocol.Receipt
	)
	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Record a signer receipt against a prepared plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			plan, err := readPlan(cmd.InOrStdin(), planPath)
			if err != nil {
				return err
			}
			var out protocol.FinalizeSettlementResponse
			if err := call(cmd, connect, bridge.OpFinalizeSettlement, protocol.FinalizeSettlementRequest{Receipt: receipt, Plan: plan}, &out); err != nil {
				return err
			}
			colorGreen.Fprintf(cmd.ErrOrStderr(), "settled %s (%d records)\n", out.SettledBatch.BatchRef, len(out.SettledBatch.MemberRecordIDs))
			return nil
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "-", "plan json from prepare, - for stdin")
	cmd.Flags().StringVar(&receipt.LedgerTxRef, "tx-ref", "", "ledger transaction reference")
	cmd.Flags().Uint64Var(&receipt.BlockHeight, "block-height", 0, "block the transaction was mined in")
	cmd.Flags().Uint64Var(&receipt.Cost, "cost", 0, "submission cost")
	_ = cmd.MarkFlagRequired("tx-ref")
	return cmd
}

func abortCmd(connect connectFunc) *cobra.Command {
	var req protocol.AbortSettlementRequest
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Release the lease held by a prepared plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out protocol.AbortSettlementResponse
			return call(cmd, connect, bridge.OpAbortSettlement, req, &out)
		},
	}
	cmd.Flags().StringVar(&req.PlanID, "plan-id", "", "plan id printed by prepare")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "why the plan was abandoned")
	_ = cmd.MarkFlagRequired("plan-id")
	return cmd
}

func settleCmd(connect connectFunc) *cobra.Command {
	var req protocol.PrepareSettlementRequest
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Prepare, submit and finalize in one call using the daemon's signer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out protocol.FinalizeSettlementResponse
			if err := call(cmd, connect, bridge.OpSettleNow, req, &out); err != nil {
				return err
			}
			colorGreen.Fprintf(cmd.ErrOrStderr(), "settled %s in tx %s\n", out.SettledBatch.BatchRef, out.SettledBatch.LedgerTxRef)
			return nil
		},
	}
	cmd.Flags().BoolVar(&req.Force, "force", false, "ignore the age threshold and minimum interval")
	return cmd
}

func purgeCmd(connect connectFunc) *cobra.Command {
	var req protocol.PurgeOldRequest
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Archive and delete settled records older than --age-days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out protocol.PurgeOldResponse
			return call(cmd, connect, bridge.OpPurgeOld, req, &out)
		},
	}
	cmd.Flags().IntVar(&req.AgeDays, "age-days", 90, "minimum age of settled records to purge")
	return cmd
}

func batchesCmd(connect connectFunc) *cobra.Command {
	var (
		since string
		last  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "List settled batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req protocol.GetBatchesRequest
			switch {
			case since != "":
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				req.Since = t
			case last > 0:
				req.Since = time.Now().UTC().Add(-last)
			}
			var out protocol.GetBatchesResponse
			return call(cmd, connect, bridge.OpGetBatches, req, &out)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound on settled time")
	cmd.Flags().DurationVar(&last, "last", 0, "batches settled within this duration")
	cmd.MarkFlagsMutuallyExclusive("since", "last")
	return cmd
}

func enableCmd(connect connectFunc, enabled bool) *cobra.Command {
	use, short := "enable", "Turn automatic and manual settlement on"
	if !enabled {
		use, short = "disable", "Turn settlement off; capture keeps working"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out protocol.SetSettlementEnabledResponse
			return call(cmd, connect, bridge.OpSetSettlementEnabled, protocol.SetSettlementEnabledRequest{Enabled: enabled}, &out)
		},
	}
}

func readPlan(stdin io.Reader, path string) (protocol.BatchPlan, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(io.LimitReader(stdin, 16<<20))
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return protocol.BatchPlan{}, fmt.Errorf("read plan: %w", err)
	}
	var plan protocol.BatchPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return protocol.BatchPlan{}, fmt.Errorf("decode plan: %w", err)
	}
	if plan.PlanID == "" {
		return protocol.BatchPlan{}, errors.New("plan has no planId")
	}
	return plan, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
