package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/hdevalence/ed25519consensus"
)

// Certificate verification errors
var (
	ErrInvalidCertificate      = errors.New("invalid certificate")
	ErrInsufficientWeight      = errors.New("insufficient weight in certificate")
	ErrInvalidCertSignature    = errors.New("invalid signature in certificate")
	ErrDuplicateCertSigner     = errors.New("duplicate signer in certificate")
	ErrUnknownCertSigner       = errors.New("unknown signer in certificate")
	ErrCertificateKindMismatch = errors.New("certificate kind mismatch")
)

// CertSig is one validator's signature inside a certificate.
type CertSig struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Voter     PublicKey `codec:"v"`
	Signature Signature `codec:"sig"`
}

// QuorumCertificate is a set of votes of one kind, round and block whose
// combined weight reaches quorum. BlockID is zero for nullifications.
type QuorumCertificate struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Kind       VoteKind  `codec:"k"`
	Round      uint64    `codec:"r"`
	BlockID    BlockID   `codec:"b"`
	Signatures []CertSig `codec:"sigs"`
}

// NewQuorumCertificate builds a certificate from votes that all share the
// given kind, round and block. Signatures are ordered by voter key.
func NewQuorumCertificate(kind VoteKind, round uint64, blockID BlockID, votes []*Vote) *QuorumCertificate {
	qc := &QuorumCertificate{
		Kind:       kind,
		Round:      round,
		BlockID:    blockID,
		Signatures: make([]CertSig, 0, len(votes)),
	}
	for _, v := range votes {
		qc.Signatures = append(qc.Signatures, CertSig{Voter: v.Voter, Signature: v.Signature})
	}
	sort.Slice(qc.Signatures, func(i, j int) bool {
		return bytes.Compare(qc.Signatures[i].Voter[:], qc.Signatures[j].Voter[:]) < 0
	})
	return qc
}

// Votes expands the certificate back into individual votes.
func (qc *QuorumCertificate) Votes() []*Vote {
	votes := make([]*Vote, len(qc.Signatures))
	for i, s := range qc.Signatures {
		votes[i] = &Vote{
			Kind:      qc.Kind,
			Round:     qc.Round,
			BlockID:   qc.BlockID,
			Voter:     s.Voter,
			Signature: s.Signature,
		}
	}
	return votes
}

// Weight returns the weight of the distinct known signers, without
// checking signatures.
func (qc *QuorumCertificate) Weight(vals *ValidatorSet) uint64 {
	var weight uint64
	seen := make(map[PublicKey]bool, len(qc.Signatures))
	for _, s := range qc.Signatures {
		if seen[s.Voter] {
			continue
		}
		seen[s.Voter] = true
		if w, ok := vals.WeightOf(s.Voter); ok {
			weight += w
		}
	}
	return weight
}

// Verify checks that every signer is a distinct validator, that all
// signatures are valid, and that the signers' weight reaches quorum.
// Signatures are checked as one batch.
func (qc *QuorumCertificate) Verify(chainID string, vals *ValidatorSet) error {
	if qc == nil {
		return ErrInvalidCertificate
	}
	if !qc.Kind.IsValid() {
		return fmt.Errorf("%w: kind %s", ErrInvalidCertificate, qc.Kind)
	}
	if (qc.Kind == VoteKindNullify) != qc.BlockID.IsZero() {
		return fmt.Errorf("%w: block id does not match kind %s", ErrInvalidCertificate, qc.Kind)
	}
	if len(qc.Signatures) == 0 {
		return fmt.Errorf("%w: no signatures", ErrInvalidCertificate)
	}

	msg := VoteSignBytes(chainID, qc.Kind, qc.Round, qc.BlockID)
	bv := ed25519consensus.NewPreallocatedBatchVerifier(len(qc.Signatures))
	seen := make(map[PublicKey]bool, len(qc.Signatures))
	var weight uint64

	for _, s := range qc.Signatures {
		if seen[s.Voter] {
			return fmt.Errorf("%w: %s", ErrDuplicateCertSigner, s.Voter.Short())
		}
		seen[s.Voter] = true

		w, ok := vals.WeightOf(s.Voter)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCertSigner, s.Voter.Short())
		}
		weight += w
		bv.Add(s.Voter[:], msg, s.Signature[:])
	}

	if required := vals.QuorumWeight(); weight < required {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientWeight, weight, required)
	}
	if !bv.Verify() {
		return ErrInvalidCertSignature
	}
	return nil
}

// VerifyKind verifies qc and checks that it is of the expected kind.
func (qc *QuorumCertificate) VerifyKind(chainID string, vals *ValidatorSet, kind VoteKind) error {
	if qc != nil && qc.Kind != kind {
		return fmt.Errorf("%w: want %s, got %s", ErrCertificateKindMismatch, kind, qc.Kind)
	}
	return qc.Verify(chainID, vals)
}

func (qc *QuorumCertificate) String() string {
	return fmt.Sprintf("QC{%s r=%d b=%s sigs=%d}", qc.Kind, qc.Round, qc.BlockID.Short(), len(qc.Signatures))
}
