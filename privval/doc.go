// Package privval implements the validator signer with double-sign prevention.
//
// A private validator holds the Ed25519 key used to sign proposals and
// Notarize, Finalize and Nullify votes. Its job is to never sign two
// conflicting messages, since that is exactly what other validators punish
// as equivocation.
//
// # Double-Sign Prevention
//
// LastSignState remembers, for each recent round, what was signed:
//
//	1. At most one proposal and one Notarize vote per round
//	2. At most one Finalize vote per round
//	3. Never both Finalize and Nullify in the same round
//	4. Nothing below the remembered window (DefaultSignWindow rounds)
//
// Rounds are tracked independently because a validator may finalize round r
// after it has already moved on to round r+1. Asking for a signature that was
// already given returns the same signature again.
//
// # File Format
//
// FilePV persists two JSON files, both written with write-then-rename:
//
//	priv_validator_key.json   {"pub_key": "...", "priv_key": "..."}
//	priv_validator_state.json {"max_round": 12, "rounds": [...]}
//
// The state file is written before any signature is returned.
//
// # Thread Safety
//
// FilePV serializes signing internally. Only one FilePV instance should use
// a given pair of files.
package privval
