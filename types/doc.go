// Package types defines the core data structures of the gutsberry consensus protocol.
//
// # Core Types
//
// Transaction: A signed state change of the collaboration platform (git push,
// repository, pull request, issue, organization, team, collaborator and branch
// protection operations). Its ID is the SHA-256 of the signed body, so two
// transactions with the same ID are identical.
//
// ValidatorSet: Immutable, ordered set of weighted validators for an epoch.
// Computes the quorum weight floor(2*total/3)+1 and the round-robin leader.
//
// Block: A leader's ordered list of transaction IDs, linked to its parent by
// BlockID. FinalizedBlock adds the transaction bodies and a certificate.
//
// Vote: A signed Notarize, Finalize or Nullify vote for a round.
//
// QuorumCertificate: The signatures of validators whose combined weight reaches
// quorum for one (kind, round, block).
//
// Proposal: A signed block proposal carrying its transaction bodies.
//
// # Serialization
//
// Every hashed, signed, persisted or transmitted structure is encoded with the
// canonical msgpack handle in codec.go. Wire messages are the encoded body
// prefixed with a one-byte MessageType.
//
// # Signatures
//
// Ed25519 signatures are verified with ed25519consensus, which pins down the
// validation rules so that all nodes agree on which signatures are valid.
// Certificates are verified as a single batch.
//
// # Usage Example
//
//	vals, err := types.NewValidatorSet([]*types.Validator{
//	    {Name: "alice", PublicKey: pkA, Weight: 100},
//	    {Name: "bob", PublicKey: pkB, Weight: 100},
//	})
//	leader := vals.Leader(round)
//	quorum := vals.QuorumWeight()
//
//	tx := types.NewTransaction(author, nonce, payload)
//	tx.Sign(privateKey)
//	err = tx.VerifySignature()
package types
