package engine

import (
	"fmt"
	"sort"

	"github.com/algorand/go-deadlock"

	"github.com/blockberries/gutsberry/types"
)

// VoteOutcome is the result of recording a vote.
type VoteOutcome uint8

const (
	// VoteAccepted means the vote was new and counted.
	VoteAccepted VoteOutcome = iota
	// VoteDuplicateIgnored means the vote (or a vote from an already
	// excluded voter) was seen before and changed nothing.
	VoteDuplicateIgnored
	// VoteEquivocation means the voter signed two conflicting votes in the
	// round. Its weight is removed from every tally involved.
	VoteEquivocation
	// VoteUnknownVoter means the key is not in the validator set.
	VoteUnknownVoter
	// VoteInvalid means the vote is malformed or its signature is bad.
	VoteInvalid
	// VoteStale means the round was already garbage collected.
	VoteStale
)

func (o VoteOutcome) String() string {
	switch o {
	case VoteAccepted:
		return "accepted"
	case VoteDuplicateIgnored:
		return "duplicate"
	case VoteEquivocation:
		return "equivocation"
	case VoteUnknownVoter:
		return "unknown_voter"
	case VoteInvalid:
		return "invalid"
	case VoteStale:
		return "stale"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

type tallyKey struct {
	kind    types.VoteKind
	blockID types.BlockID
}

// roundVotes holds everything known about a single round.
type roundVotes struct {
	// first vote seen per kind and voter, kept even after exclusion
	votes map[types.VoteKind]map[types.PublicKey]*types.Vote
	// voters excluded from a kind's tallies
	faulty map[types.VoteKind]map[types.PublicKey]bool
	// credited weight per kind and block
	tally map[tallyKey]uint64
	// certificates verified elsewhere (sync, proposals)
	imported map[tallyKey]*types.QuorumCertificate
}

func newRoundVotes() *roundVotes {
	rv := &roundVotes{
		votes:    make(map[types.VoteKind]map[types.PublicKey]*types.Vote, 3),
		faulty:   make(map[types.VoteKind]map[types.PublicKey]bool, 3),
		tally:    make(map[tallyKey]uint64),
		imported: make(map[tallyKey]*types.QuorumCertificate),
	}
	for _, k := range []types.VoteKind{types.VoteKindNotarize, types.VoteKindFinalize, types.VoteKindNullify} {
		rv.votes[k] = make(map[types.PublicKey]*types.Vote)
		rv.faulty[k] = make(map[types.PublicKey]bool)
	}
	return rv
}

// exclude marks voter faulty for kind and withdraws any weight it was
// credited with.
func (rv *roundVotes) exclude(kind types.VoteKind, voter types.PublicKey, weight uint64) {
	if rv.faulty[kind][voter] {
		return
	}
	rv.faulty[kind][voter] = true
	if v, ok := rv.votes[kind][voter]; ok {
		rv.tally[tallyKey{kind, v.BlockID}] -= weight
	}
}

// VoteCollector accumulates signed votes per round and detects quorum and
// equivocation. Votes are verified on entry. A voter that signs two
// conflicting votes in a round gets no credit for either.
type VoteCollector struct {
	mu deadlock.RWMutex

	chainID string
	vals    *types.ValidatorSet

	rounds map[uint64]*roundVotes
	// rounds below floor have been pruned
	floor uint64
}

// NewVoteCollector creates a collector for one epoch.
func NewVoteCollector(chainID string, vals *types.ValidatorSet) *VoteCollector {
	return &VoteCollector{
		chainID: chainID,
		vals:    vals,
		rounds:  make(map[uint64]*roundVotes),
	}
}

// Record verifies and records a vote. For VoteEquivocation the earlier
// conflicting vote from the same voter is returned alongside.
func (vc *VoteCollector) Record(vote *types.Vote) (VoteOutcome, *types.Vote) {
	if vote.ValidateBasic() != nil {
		return VoteInvalid, nil
	}
	weight, ok := vc.vals.WeightOf(vote.Voter)
	if !ok {
		return VoteUnknownVoter, nil
	}

	vc.mu.Lock()
	defer vc.mu.Unlock()

	if vote.Round < vc.floor {
		return VoteStale, nil
	}
	rv := vc.rounds[vote.Round]
	if rv != nil {
		if prior, ok := rv.votes[vote.Kind][vote.Voter]; ok && prior.BlockID == vote.BlockID {
			return VoteDuplicateIgnored, nil
		}
	}

	// Signatures are checked before any conflict is believed
	if vote.Verify(vc.chainID) != nil {
		return VoteInvalid, nil
	}
	if rv == nil {
		rv = newRoundVotes()
		vc.rounds[vote.Round] = rv
	}

	if prior, ok := rv.votes[vote.Kind][vote.Voter]; ok {
		if rv.faulty[vote.Kind][vote.Voter] {
			return VoteDuplicateIgnored, nil
		}
		rv.exclude(vote.Kind, vote.Voter, weight)
		return VoteEquivocation, prior
	}
	if rv.faulty[vote.Kind][vote.Voter] {
		return VoteDuplicateIgnored, nil
	}

	if opposite, ok := finalizeNullifyOpposite(vote.Kind); ok {
		if prior, ok := rv.votes[opposite][vote.Voter]; ok {
			// Stored without credit so the pair stays available as evidence
			rv.faulty[vote.Kind][vote.Voter] = true
			rv.votes[vote.Kind][vote.Voter] = vote
			rv.exclude(opposite, vote.Voter, weight)
			return VoteEquivocation, prior
		}
	}

	rv.votes[vote.Kind][vote.Voter] = vote
	rv.tally[tallyKey{vote.Kind, vote.BlockID}] += weight
	return VoteAccepted, nil
}

func finalizeNullifyOpposite(kind types.VoteKind) (types.VoteKind, bool) {
	switch kind {
	case types.VoteKindFinalize:
		return types.VoteKindNullify, true
	case types.VoteKindNullify:
		return types.VoteKindFinalize, true
	}
	return types.VoteKindUnknown, false
}

// WeightFor returns the weight credited to blockID for kind in round.
// Use the zero BlockID for Nullify.
func (vc *VoteCollector) WeightFor(round uint64, blockID types.BlockID, kind types.VoteKind) uint64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	rv := vc.rounds[round]
	if rv == nil {
		return 0
	}
	return rv.tally[tallyKey{kind, blockID}]
}

// HasQuorum returns true if kind votes for blockID in round reach the
// quorum weight of vals, or a verified certificate was imported for them.
func (vc *VoteCollector) HasQuorum(round uint64, blockID types.BlockID, kind types.VoteKind, vals *types.ValidatorSet) bool {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	rv := vc.rounds[round]
	if rv == nil {
		return false
	}
	key := tallyKey{kind, blockID}
	if rv.imported[key] != nil {
		return true
	}
	return rv.tally[key] >= vals.QuorumWeight()
}

// CertificateFor builds a certificate once quorum is reached. Excluded
// voters never appear in it.
func (vc *VoteCollector) CertificateFor(round uint64, blockID types.BlockID, kind types.VoteKind) (*types.QuorumCertificate, bool) {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	rv := vc.rounds[round]
	if rv == nil {
		return nil, false
	}
	key := tallyKey{kind, blockID}
	if qc := rv.imported[key]; qc != nil {
		return qc, true
	}
	if rv.tally[key] < vc.vals.QuorumWeight() {
		return nil, false
	}

	votes := make([]*types.Vote, 0, len(rv.votes[kind]))
	for voter, v := range rv.votes[kind] {
		if v.BlockID != blockID || rv.faulty[kind][voter] {
			continue
		}
		votes = append(votes, v)
	}
	return types.NewQuorumCertificate(kind, round, blockID, votes), true
}

// ImportCertificate records a certificate obtained without seeing its votes
// one by one. The caller must have verified it.
func (vc *VoteCollector) ImportCertificate(qc *types.QuorumCertificate) bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	if qc.Round < vc.floor {
		return false
	}
	rv := vc.rounds[qc.Round]
	if rv == nil {
		rv = newRoundVotes()
		vc.rounds[qc.Round] = rv
	}
	rv.imported[tallyKey{qc.Kind, qc.BlockID}] = qc
	return true
}

// HasVoted returns true if voter has a recorded vote of kind in round.
func (vc *VoteCollector) HasVoted(round uint64, kind types.VoteKind, voter types.PublicKey) bool {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	rv := vc.rounds[round]
	if rv == nil {
		return false
	}
	_, ok := rv.votes[kind][voter]
	return ok
}

// IsExcluded returns true if voter lost its weight for kind in round.
func (vc *VoteCollector) IsExcluded(round uint64, kind types.VoteKind, voter types.PublicKey) bool {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	rv := vc.rounds[round]
	return rv != nil && rv.faulty[kind][voter]
}

// Votes returns the credited votes of a round sorted by kind and voter, for
// rebroadcast to lagging peers.
func (vc *VoteCollector) Votes(round uint64) []*types.Vote {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	rv := vc.rounds[round]
	if rv == nil {
		return nil
	}
	var out []*types.Vote
	for kind, byVoter := range rv.votes {
		for voter, v := range byVoter {
			if !rv.faulty[kind][voter] {
				out = append(out, v)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return types.ComparePublicKeys(out[i].Voter, out[j].Voter) < 0
	})
	return out
}

// Prune drops every round up to and including round. Later votes for
// those rounds are reported as VoteStale.
func (vc *VoteCollector) Prune(round uint64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	if round+1 <= vc.floor {
		return
	}
	for r := range vc.rounds {
		if r <= round {
			delete(vc.rounds, r)
		}
	}
	vc.floor = round + 1
}

// Forget drops a single round without moving the stale floor.
func (vc *VoteCollector) Forget(round uint64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	delete(vc.rounds, round)
}

// Floor returns the lowest round still tracked.
func (vc *VoteCollector) Floor() uint64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.floor
}
