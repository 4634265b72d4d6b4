// Package evidence records proofs of validator misbehavior.
//
// Four kinds of evidence are recognized:
//
//	duplicate_vote       two Notarize (or two Finalize) votes for different blocks
//	finalize_nullify     a Finalize and a Nullify from one validator in one round
//	duplicate_proposal   a leader signing two different blocks for one round
//	non_leader_proposal  a signed proposal from a validator that was not leader
//
// Every Evidence is self-contained: it carries the signed messages it is
// built from and Verify checks them against the validator set without any
// other context.
//
// Conflicting votes are detected by the engine's vote collector. The Pool
// watches proposals itself through CheckProposal, since the collector never
// sees them. Accepted evidence stays pending for Config.MaxAgeRounds rounds
// and is never accepted twice.
//
// Punishment is left to the application.
package evidence
