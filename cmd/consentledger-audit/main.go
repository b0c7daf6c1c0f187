// Command consentledger-audit re-derives every settled batch from the stored
// decision records and checks archived bundles, without going through a
// running daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/myterms/consentledger/internal/app"
	"github.com/myterms/consentledger/internal/archive"
	"github.com/myterms/consentledger/internal/config"
	"github.com/myterms/consentledger/internal/crypto"
	"github.com/myterms/consentledger/internal/protocol"
	"github.com/myterms/consentledger/internal/service"
	"github.com/myterms/consentledger/internal/storage"
)

const recordPage = 500

type AuditSummary struct {
	GeneratedAtUTC     string `json:"generated_at_utc" yaml:"generated_at_utc"`
	StoreDriver        string `json:"store_driver" yaml:"store_driver"`
	RecordCount        int    `json:"record_count" yaml:"record_count"`
	UnsettledCount     int    `json:"unsettled_count" yaml:"unsettled_count"`
	BatchCount         int    `json:"batch_count" yaml:"batch_count"`
	BatchVerifyOK      int    `json:"batch_verify_ok" yaml:"batch_verify_ok"`
	BatchVerifyFail    int    `json:"batch_verify_fail" yaml:"batch_verify_fail"`
	BatchPurged        int    `json:"batch_purged" yaml:"batch_purged"`
	OrphanedRecords    int    `json:"orphaned_records" yaml:"orphaned_records"`
	ArchiveDir         string `json:"archive_dir,omitempty" yaml:"archive_dir,omitempty"`
	ArchiveBundles     int    `json:"archive_bundles" yaml:"archive_bundles"`
	ArchiveVerifyFail  int    `json:"archive_verify_fail" yaml:"archive_verify_fail"`
	VerificationPassed bool   `json:"verification_passed" yaml:"verification_passed"`
}

type AuditReport struct {
	Summary   AuditSummary                `json:"summary" yaml:"summary"`
	Failures  []service.BatchVerification `json:"failures,omitempty" yaml:"failures,omitempty"`
	Signature *AuditSignature             `json:"audit_signature,omitempty" yaml:"audit_signature,omitempty"`
}

type AuditSignature struct {
	Alg string `json:"alg" yaml:"alg"`
	Kid string `json:"kid" yaml:"kid"`
	Sig string `json:"sig" yaml:"sig"`
}

func main() {
	configPath := flag.String("config", "configs/consentledger.yaml", "daemon config naming the store to audit")
	archiveDir := flag.String("archive-dir", "", "directory of archive bundles to verify (defaults to archive.dir from config)")
	archiveKey := flag.String("archive-public-key", "", "public key the archive bundles must be signed with")
	auditPrivateKey := flag.String("audit-private-key", "", "sign the report with this key")
	format := flag.String("format", "json", "report format: json or yaml")
	outPath := flag.String("out", "", "write the report here instead of stdout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail("load config", err)
	}
	ctx := context.Background()
	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		fail("open store", err)
	}
	defer store.Close()

	dir := strings.TrimSpace(*archiveDir)
	if dir == "" {
		dir = cfg.Archive.Dir
	}
	var verifier *crypto.Verifier
	if *archiveKey != "" {
		verifier, err = crypto.LoadVerifier(*archiveKey)
		if err != nil {
			fail("load archive public key", err)
		}
	}

	report, err := runAudit(ctx, store, dir, verifier)
	if err != nil {
		fail("audit", err)
	}

	if *auditPrivateKey != "" {
		signer, err := crypto.LoadSigner(*auditPrivateKey)
		if err != nil {
			fail("load audit signer", err)
		}
		payload, err := protocol.CanonicalJSON(report.Summary)
		if err != nil {
			fail("canonicalize audit summary", err)
		}
		report.Signature = &AuditSignature{Alg: "ed25519", Kid: signer.KeyID, Sig: signer.Sign(payload)}
	}

	raw, err := encodeReport(report, *format)
	if err != nil {
		fail("encode report", err)
	}
	if *outPath == "" {
		_, _ = os.Stdout.Write(raw)
	} else if err := writeFile(*outPath, raw); err != nil {
		fail("write audit report", err)
	}

	fmt.Fprintf(os.Stderr, "batches:%d ok=%d fail=%d purged=%d\n",
		report.Summary.BatchCount, report.Summary.BatchVerifyOK, report.Summary.BatchVerifyFail, report.Summary.BatchPurged)
	fmt.Fprintf(os.Stderr, "verification_passed:%t\n", report.Summary.VerificationPassed)
	if !report.Summary.VerificationPassed {
		os.Exit(1)
	}
}

// runAudit checks every stored batch against the records still in the store
// and every bundle in archiveDir against its own contents. A batch whose
// members were all purged counts as purged, not failed; its evidence is the
// archive bundle.
func runAudit(ctx context.Context, store storage.Store, archiveDir string, verifier *crypto.Verifier) (AuditReport, error) {
	records, err := loadRecords(ctx, store)
	if err != nil {
		return AuditReport{}, err
	}
	batches, err := store.GetBatchesSince(ctx, time.Time{})
	if err != nil {
		return AuditReport{}, fmt.Errorf("load batches: %w", err)
	}

	summary := AuditSummary{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		StoreDriver:    store.Driver(),
		RecordCount:    len(records),
		BatchCount:     len(batches),
		ArchiveDir:     archiveDir,
	}
	var failures []service.BatchVerification

	known := make(map[string]struct{}, len(batches))
	v := &service.BatchVerifier{Records: records}
	for _, batch := range batches {
		known[batch.BatchRef] = struct{}{}
		if allPurged(batch, records) {
			summary.BatchPurged++
			continue
		}
		result := v.Verify(batch)
		if result.Status == "ok" {
			summary.BatchVerifyOK++
			continue
		}
		summary.BatchVerifyFail++
		failures = append(failures, result)
	}

	for _, rec := range records {
		if !rec.Settled {
			summary.UnsettledCount++
			continue
		}
		if rec.BatchRef == nil {
			summary.OrphanedRecords++
			continue
		}
		if _, ok := known[*rec.BatchRef]; !ok {
			summary.OrphanedRecords++
		}
	}

	if archiveDir != "" {
		paths, err := listBundleFiles(archiveDir)
		if err != nil {
			return AuditReport{}, fmt.Errorf("list archive bundles: %w", err)
		}
		for _, path := range paths {
			summary.ArchiveBundles++
			raw, err := os.ReadFile(path)
			if err != nil {
				return AuditReport{}, err
			}
			bundle, err := archive.DecodeBundle(raw)
			if err != nil {
				summary.ArchiveVerifyFail++
				failures = append(failures, service.BatchVerification{
					BatchRef: filepath.Base(path),
					Status:   "fail",
					Checks:   []service.VerifyCheck{{Name: "decode", Status: "fail", Details: err.Error()}},
				})
				continue
			}
			for _, result := range service.VerifyArchiveBundle(bundle, verifier) {
				if result.Status != "ok" {
					summary.ArchiveVerifyFail++
					failures = append(failures, result)
				}
			}
		}
	}

	summary.VerificationPassed = summary.BatchVerifyFail == 0 &&
		summary.OrphanedRecords == 0 &&
		summary.ArchiveVerifyFail == 0
	return AuditReport{Summary: summary, Failures: failures}, nil
}

func loadRecords(ctx context.Context, store storage.Store) (map[int64]protocol.DecisionRecord, error) {
	out := make(map[int64]protocol.DecisionRecord)
	for offset := 0; ; offset += recordPage {
		page, err := store.Query(ctx, storage.Page(recordPage, offset))
		if err != nil {
			return nil, fmt.Errorf("load records: %w", err)
		}
		for _, rec := range page {
			out[rec.ID] = rec
		}
		if len(page) < recordPage {
			return out, nil
		}
	}
}

func allPurged(batch protocol.SettledBatch, records map[int64]protocol.DecisionRecord) bool {
	for _, id := range batch.MemberRecordIDs {
		if _, ok := records[id]; ok {
			return false
		}
	}
	return len(batch.MemberRecordIDs) > 0
}

func listBundleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func encodeReport(report AuditReport, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		return yaml.Marshal(report)
	case "json", "":
		raw, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(raw, '\n'), nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func writeFile(path string, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
	os.Exit(1)
}
