package protocol

// SubmissionAckPayload is the byte string an external signer signs to
// acknowledge that it broadcast a batch with the given plan contents.
func SubmissionAckPayload(origins []string, digests []Digest, receipt Receipt, keyID string) ([]byte, error) {
	type payload struct {
		Origins     []string `json:"origins"`
		Digests     []Digest `json:"digests"`
		LedgerTxRef string   `json:"ledger_tx_ref"`
		BlockHeight uint64   `json:"block_height"`
		Cost        uint64   `json:"cost"`
		KeyID       string   `json:"kid"`
	}
	return CanonicalJSON(payload{
		Origins:     origins,
		Digests:     digests,
		LedgerTxRef: receipt.LedgerTxRef,
		BlockHeight: receipt.BlockHeight,
		Cost:        receipt.Cost,
		KeyID:       keyID,
	})
}
