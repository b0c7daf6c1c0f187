package protocol

import "testing"

func testEntries() []OriginDigest {
	return []OriginDigest{
		{Origin: "a.com", Digest: HashContent([]byte("leaf-1"))},
		{Origin: "b.com", Digest: HashContent([]byte("leaf-2"))},
		{Origin: "c.com", Digest: HashContent([]byte("leaf-3"))},
		{Origin: "d.com", Digest: HashContent([]byte("leaf-4"))},
		{Origin: "e.com", Digest: HashContent([]byte("leaf-5"))},
	}
}

func TestMerkleProofRoundTrip(t *testing.T) {
	entries := testEntries()
	root := ComputeBatchRoot(entries)

	for i := range entries {
		proof, err := ComputeInclusionProof(entries, i)
		if err != nil {
			t.Fatalf("ComputeInclusionProof(%d) error: %v", i, err)
		}
		if proof.RootHash != root {
			t.Fatalf("proof root %s does not match root %s", proof.RootHash, root)
		}
		ok, err := VerifyInclusionProof(proof)
		if err != nil {
			t.Fatalf("VerifyInclusionProof error: %v", err)
		}
		if !ok {
			t.Fatalf("expected proof %d to verify", i)
		}
	}
}

func TestMerkleProofRejectsSwappedOrigin(t *testing.T) {
	entries := testEntries()
	proof, err := ComputeInclusionProof(entries, 1)
	if err != nil {
		t.Fatalf("ComputeInclusionProof error: %v", err)
	}
	proof.Origin = "evil.com"
	ok, err := VerifyInclusionProof(proof)
	if err != nil {
		t.Fatalf("VerifyInclusionProof error: %v", err)
	}
	if ok {
		t.Fatalf("expected proof with swapped origin to fail")
	}
}

func TestEmptyBatchRootIsStable(t *testing.T) {
	r1 := ComputeBatchRoot(nil)
	r2 := ComputeBatchRoot([]OriginDigest{})
	if r1 != r2 {
		t.Fatalf("empty roots differ: %s %s", r1, r2)
	}
}
