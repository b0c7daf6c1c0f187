package protocol

import (
	"errors"
)

var (
	leafTag  = []byte("consentledger:batch:leaf:v1:")
	nodeTag  = []byte("consentledger:batch:node:v1:")
	emptyTag = []byte("consentledger:batch:empty:v1")
)

type MerkleStep struct {
	Side string `json:"side"`
	Hash Digest `json:"hash"`
}

// MerkleProof shows that one origin's digest is part of a batch root.
type MerkleProof struct {
	Origin    string       `json:"origin"`
	Digest    Digest       `json:"digest"`
	LeafHash  Digest       `json:"leafHash"`
	RootHash  Digest       `json:"rootHash"`
	TreeSize  int          `json:"treeSize"`
	LeafIndex int          `json:"leafIndex"`
	Path      []MerkleStep `json:"path"`
}

// OriginLeafHash binds an origin name to its aggregate digest.
func OriginLeafHash(od OriginDigest) Digest {
	msg := make([]byte, 0, len(leafTag)+len(od.Origin)+1+DigestSize)
	msg = append(msg, leafTag...)
	msg = append(msg, []byte(od.Origin)...)
	msg = append(msg, 0)
	msg = append(msg, od.Digest[:]...)
	return HashContent(msg)
}

func ComputeBatchRoot(entries []OriginDigest) Digest {
	if len(entries) == 0 {
		return HashContent(emptyTag)
	}
	level := leafLevel(entries)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

func ComputeInclusionProof(entries []OriginDigest, leafIndex int) (*MerkleProof, error) {
	if leafIndex < 0 || leafIndex >= len(entries) {
		return nil, errors.New("leaf index out of range")
	}
	level := leafLevel(entries)
	path := make([]MerkleStep, 0)
	idx := leafIndex
	for len(level) > 1 {
		isRight := idx%2 == 1
		siblingIdx := idx + 1
		side := "right"
		if isRight {
			siblingIdx = idx - 1
			side = "left"
		}
		sibling := level[idx]
		if siblingIdx >= 0 && siblingIdx < len(level) {
			sibling = level[siblingIdx]
		}
		path = append(path, MerkleStep{Side: side, Hash: sibling})
		idx = idx / 2
		level = nextLevel(level)
	}
	return &MerkleProof{
		Origin:    entries[leafIndex].Origin,
		Digest:    entries[leafIndex].Digest,
		LeafHash:  OriginLeafHash(entries[leafIndex]),
		RootHash:  level[0],
		TreeSize:  len(entries),
		LeafIndex: leafIndex,
		Path:      path,
	}, nil
}

func VerifyInclusionProof(proof *MerkleProof) (bool, error) {
	acc := OriginLeafHash(OriginDigest{Origin: proof.Origin, Digest: proof.Digest})
	if acc != proof.LeafHash {
		return false, nil
	}
	for _, step := range proof.Path {
		switch step.Side {
		case "left":
			acc = nodeHash(step.Hash, acc)
		case "right":
			acc = nodeHash(acc, step.Hash)
		default:
			return false, errors.New("invalid proof side")
		}
	}
	return acc == proof.RootHash, nil
}

func leafLevel(entries []OriginDigest) []Digest {
	level := make([]Digest, 0, len(entries))
	for _, e := range entries {
		level = append(level, OriginLeafHash(e))
	}
	return level
}

func nextLevel(level []Digest) []Digest {
	next := make([]Digest, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, nodeHash(left, right))
	}
	return next
}

func nodeHash(left, right Digest) Digest {
	msg := make([]byte, 0, len(nodeTag)+2*DigestSize)
	msg = append(msg, nodeTag...)
	msg = append(msg, left[:]...)
	msg = append(msg, right[:]...)
	return HashContent(msg)
}
