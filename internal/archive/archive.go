// Package archive keeps a signed copy of settled records before the retention
// sweep deletes them, so a purged batch can still be audited.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/myterms/consentledger/internal/crypto"
	"github.com/myterms/consentledger/internal/protocol"
)

// Sink stores one archive object. Put must be idempotent for the same name
// and contents, and returns a reference the operator can resolve later.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

type Bundle struct {
	BundleID  string                    `json:"bundleId"`
	CreatedAt time.Time                 `json:"createdAt"`
	Cutoff    time.Time                 `json:"cutoff"`
	Records   []protocol.DecisionRecord `json:"records"`
	Batches   []protocol.SettledBatch   `json:"batches"`
	KeyID     string                    `json:"kid,omitempty"`
	Signature string                    `json:"sig,omitempty"`
}

// Archiver serializes, optionally signs, and stores bundles.
type Archiver struct {
	sink   Sink
	signer *crypto.Signer
}

func New(sink Sink, signer *crypto.Signer) *Archiver {
	return &Archiver{sink: sink, signer: signer}
}

// Archive writes the bundle and returns the sink reference.
func (a *Archiver) Archive(ctx context.Context, bundle Bundle) (string, error) {
	if a == nil || a.sink == nil {
		return "", errors.New("archive sink is not configured")
	}
	if bundle.BundleID == "" {
		bundle.BundleID = fmt.Sprintf("purge_%d", bundle.CreatedAt.UTC().UnixNano())
	}
	if a.signer != nil {
		bundle.KeyID = a.signer.KeyID
		payload, err := signaturePayload(bundle)
		if err != nil {
			return "", err
		}
		bundle.Signature = a.signer.Sign(payload)
	}
	raw, err := protocol.CanonicalJSON(bundle)
	if err != nil {
		return "", fmt.Errorf("encode archive bundle: %w", err)
	}
	return a.sink.Put(ctx, bundle.BundleID+".json", append(raw, '\n'))
}

// VerifyBundle checks a bundle's signature. Unsigned bundles fail when a
// verifier is supplied.
func VerifyBundle(bundle Bundle, verifier *crypto.Verifier) error {
	if verifier == nil {
		return nil
	}
	if bundle.Signature == "" {
		return errors.New("bundle is not signed")
	}
	if bundle.KeyID != verifier.KeyID {
		return fmt.Errorf("bundle key id mismatch: got %s want %s", bundle.KeyID, verifier.KeyID)
	}
	payload, err := signaturePayload(bundle)
	if err != nil {
		return err
	}
	if !verifier.Verify(payload, bundle.Signature) {
		return errors.New("invalid bundle signature")
	}
	return nil
}

// DecodeBundle parses a stored bundle, rejecting unknown fields and
// trailing data.
func DecodeBundle(raw []byte) (Bundle, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var b Bundle
	if err := dec.Decode(&b); err != nil {
		return Bundle{}, fmt.Errorf("decode archive bundle: %w", err)
	}
	if dec.More() {
		return Bundle{}, errors.New("archive bundle must contain a single value")
	}
	return b, nil
}

func signaturePayload(bundle Bundle) ([]byte, error) {
	bundle.Signature = ""
	return protocol.CanonicalJSON(bundle)
}
