package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/myterms/consentledger/internal/crypto"
	"github.com/myterms/consentledger/internal/protocol"
)

type HTTPSignerConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	// AckKeyID pins the kid the signer must put on its acknowledgement.
	AckKeyID string
	// AckVerifier, when set, makes a missing or bad acknowledgement an error.
	AckVerifier *crypto.Verifier
}

// HTTPSigner forwards submissions to an external signer service.
type HTTPSigner struct {
	url      string
	token    string
	ackKeyID string
	verifier *crypto.Verifier
	client   *http.Client
	logger   *slog.Logger
}

type submitRequest struct {
	Origins []string          `json:"origins"`
	Digests []protocol.Digest `json:"digests"`
}

type submitAck struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Sig string `json:"sig"`
}

type submitResponse struct {
	LedgerTxRef string     `json:"ledgerTxRef"`
	BlockHeight uint64     `json:"blockHeight"`
	Cost        uint64     `json:"cost"`
	Ack         *submitAck `json:"ack,omitempty"`
}

func NewHTTPSigner(cfg HTTPSignerConfig, logger *slog.Logger) (*HTTPSigner, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("signer url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSigner{
		url:      strings.TrimRight(cfg.URL, "/") + "/v1/batches",
		token:    cfg.Token,
		ackKeyID: cfg.AckKeyID,
		verifier: cfg.AckVerifier,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}, nil
}

func (s *HTTPSigner) Submit(ctx context.Context, origins []string, digests []protocol.Digest) (protocol.Receipt, error) {
	var receipt protocol.Receipt
	if len(origins) == 0 || len(origins) != len(digests) {
		return receipt, NewSubmitError(KindUnknown, "origins and digests must be non-empty and aligned", nil)
	}
	raw, err := protocol.CanonicalJSON(submitRequest{Origins: origins, Digests: digests})
	if err != nil {
		return receipt, NewSubmitError(KindUnknown, "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return receipt, NewSubmitError(KindUnknown, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	started := time.Now()
	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return receipt, NewSubmitError(Classify(err), "signer unreachable", err)
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return receipt, NewSubmitError(KindUnknown, "read response", err)
	}
	s.logger.Debug("signer responded",
		slog.Int("status", httpResp.StatusCode),
		slog.Int("origin_count", len(origins)),
		slog.Int64("duration_ms", time.Since(started).Milliseconds()),
	)
	if httpResp.StatusCode != http.StatusOK {
		return receipt, decodeSignerError(httpResp.StatusCode, body)
	}

	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return receipt, NewSubmitError(KindUnknown, "decode response", err)
	}
	if strings.TrimSpace(resp.LedgerTxRef) == "" {
		return receipt, NewSubmitError(KindUnknown, "signer returned no transaction reference", nil)
	}
	receipt = protocol.Receipt{
		LedgerTxRef: resp.LedgerTxRef,
		BlockHeight: resp.BlockHeight,
		Cost:        resp.Cost,
	}
	if err := s.verifyAck(origins, digests, receipt, resp.Ack); err != nil {
		return protocol.Receipt{}, NewSubmitError(KindUnknown, "acknowledgement rejected", err)
	}
	return receipt, nil
}

func (s *HTTPSigner) verifyAck(origins []string, digests []protocol.Digest, receipt protocol.Receipt, ack *submitAck) error {
	if s.verifier == nil {
		return nil
	}
	if ack == nil {
		return errors.New("missing ack")
	}
	if ack.Alg != "ed25519" {
		return fmt.Errorf("unsupported ack alg: %s", ack.Alg)
	}
	expected := s.ackKeyID
	if expected == "" {
		expected = s.verifier.KeyID
	}
	if ack.Kid != expected {
		return fmt.Errorf("ack key id mismatch: got %s want %s", ack.Kid, expected)
	}
	payload, err := protocol.SubmissionAckPayload(origins, digests, receipt, ack.Kid)
	if err != nil {
		return err
	}
	if !s.verifier.Verify(payload, ack.Sig) {
		return errors.New("invalid ack signature")
	}
	return nil
}

func decodeSignerError(status int, body []byte) error {
	var envelope protocol.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		kind, ok := kindForCode(envelope.Error.Code)
		if !ok {
			kind = kindForStatus(status)
		}
		return &SubmitError{Kind: kind, Message: envelope.Error.Message, StatusCode: status}
	}
	return &SubmitError{
		Kind:       kindForStatus(status),
		Message:    fmt.Sprintf("status %d body=%s", status, truncate(string(body), 256)),
		StatusCode: status,
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
