package service

import (
	"fmt"
	"slices"

	"github.com/myterms/consentledger/internal/archive"
	"github.com/myterms/consentledger/internal/crypto"
	"github.com/myterms/consentledger/internal/protocol"
)

type VerifyCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

type BatchVerification struct {
	BatchRef string        `json:"batchRef"`
	Status   string        `json:"status"`
	Checks   []VerifyCheck `json:"checks"`
}

// BatchVerifier re-derives a settled batch from its member records. Members
// missing from Records are reported, not assumed; a purged batch can only be
// checked against its archive bundle.
type BatchVerifier struct {
	Records map[int64]protocol.DecisionRecord
}

func (v *BatchVerifier) Verify(batch protocol.SettledBatch) BatchVerification {
	checks := make([]VerifyCheck, 0, 6)

	if batch.LedgerTxRef != "" {
		checks = append(checks, okCheck("ledger_tx_ref", batch.LedgerTxRef))
	} else {
		checks = append(checks, failCheck("ledger_tx_ref", "missing ledger tx ref"))
	}

	members := make([]protocol.DecisionRecord, 0, len(batch.MemberRecordIDs))
	missing := 0
	foreign := 0
	for _, id := range batch.MemberRecordIDs {
		rec, ok := v.Records[id]
		if !ok {
			missing++
			continue
		}
		if !rec.Settled || rec.BatchRef == nil || *rec.BatchRef != batch.BatchRef {
			foreign++
		}
		members = append(members, rec)
	}
	switch {
	case missing > 0:
		checks = append(checks, failCheck("members", fmt.Sprintf("%d of %d member records not found", missing, len(batch.MemberRecordIDs))))
	case foreign > 0:
		checks = append(checks, failCheck("members", fmt.Sprintf("%d member records not settled into this batch", foreign)))
	default:
		checks = append(checks, okCheck("members", fmt.Sprintf("count=%d", len(members))))
	}

	if missing == 0 && len(members) > 0 {
		plan, err := Assemble(members, false, batch.SettledAt)
		if err != nil {
			checks = append(checks, failCheck("per_origin_digest", err.Error()))
		} else if slices.Equal(PerOrigin(plan), batch.PerOriginDigest) {
			checks = append(checks, okCheck("per_origin_digest", fmt.Sprintf("origins=%d", len(plan.Origins))))
		} else {
			checks = append(checks, failCheck("per_origin_digest", "re-derived digests do not match the stored batch"))
		}
	}

	root := protocol.ComputeBatchRoot(batch.PerOriginDigest).String()
	if root == batch.BatchRoot {
		checks = append(checks, okCheck("batch_root", root))
	} else {
		checks = append(checks, failCheck("batch_root", "root mismatch with stored batch"))
	}

	proofsValid := true
	for i := range batch.PerOriginDigest {
		proof, err := protocol.ComputeInclusionProof(batch.PerOriginDigest, i)
		if err != nil {
			proofsValid = false
			break
		}
		ok, err := protocol.VerifyInclusionProof(proof)
		if err != nil || !ok || proof.RootHash.String() != batch.BatchRoot {
			proofsValid = false
			break
		}
	}
	if proofsValid {
		checks = append(checks, okCheck("inclusion_proofs", fmt.Sprintf("count=%d", len(batch.PerOriginDigest))))
	} else {
		checks = append(checks, failCheck("inclusion_proofs", "one or more origins do not prove into the batch root"))
	}

	return BatchVerification{BatchRef: batch.BatchRef, Status: overall(checks), Checks: checks}
}

// VerifyArchiveBundle checks an archive bundle's signature and every batch it
// carries against the records carried alongside it.
func VerifyArchiveBundle(bundle archive.Bundle, verifier *crypto.Verifier) []BatchVerification {
	var sig VerifyCheck
	switch err := archive.VerifyBundle(bundle, verifier); {
	case verifier == nil:
		sig = okCheck("bundle_signature", "not checked")
	case err != nil:
		sig = failCheck("bundle_signature", err.Error())
	default:
		sig = okCheck("bundle_signature", bundle.KeyID)
	}
	out := []BatchVerification{{BatchRef: bundle.BundleID, Status: overall([]VerifyCheck{sig}), Checks: []VerifyCheck{sig}}}

	records := make(map[int64]protocol.DecisionRecord, len(bundle.Records))
	for _, rec := range bundle.Records {
		records[rec.ID] = rec
	}
	v := &BatchVerifier{Records: records}
	for _, batch := range bundle.Batches {
		out = append(out, v.Verify(batch))
	}
	return out
}

func overall(checks []VerifyCheck) string {
	for _, c := range checks {
		if c.Status != "ok" {
			return "fail"
		}
	}
	return "ok"
}

func okCheck(name, details string) VerifyCheck {
	return VerifyCheck{Name: name, Status: "ok", Details: details}
}

func failCheck(name, details string) VerifyCheck {
	return VerifyCheck{Name: name, Status: "fail", Details: details}
}
