package evidence

import (
	"errors"
	"fmt"
	"sort"

	"github.com/algorand/go-deadlock"
	lru "github.com/hashicorp/golang-lru"

	"github.com/blockberries/gutsberry/logging"
	"github.com/blockberries/gutsberry/metrics"
	"github.com/blockberries/gutsberry/types"
)

// Errors
var (
	ErrInvalidEvidence   = errors.New("invalid evidence")
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceExpired   = errors.New("evidence expired")
	ErrInvalidVoteRound  = errors.New("votes have different rounds")
	ErrInvalidValidator  = errors.New("votes from different validators")
	ErrNotConflicting    = errors.New("messages do not conflict")
	ErrUnknownOffender   = errors.New("offender is not a validator")
)

// Kind identifies a class of misbehavior.
type Kind uint8

const (
	// KindDuplicateVote is two votes of one kind for different blocks.
	KindDuplicateVote Kind = iota + 1
	// KindFinalizeNullify is a Finalize and a Nullify in the same round.
	KindFinalizeNullify
	// KindDuplicateProposal is a leader proposing two blocks in one round.
	KindDuplicateProposal
	// KindNonLeaderProposal is a signed proposal from someone who was not
	// the round's leader.
	KindNonLeaderProposal
)

func (k Kind) String() string {
	switch k {
	case KindDuplicateVote:
		return "duplicate_vote"
	case KindFinalizeNullify:
		return "finalize_nullify"
	case KindDuplicateProposal:
		return "duplicate_proposal"
	case KindNonLeaderProposal:
		return "non_leader_proposal"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Evidence is a self-contained proof of misbehavior. Vote kinds carry
// VoteA/VoteB, proposal kinds carry ProposalA (and ProposalB).
type Evidence struct {
	Kind      Kind            `codec:"kind"`
	Round     uint64          `codec:"round"`
	Offender  types.PublicKey `codec:"offender"`
	VoteA     *types.Vote     `codec:"vote_a"`
	VoteB     *types.Vote     `codec:"vote_b"`
	ProposalA *types.Proposal `codec:"prop_a"`
	ProposalB *types.Proposal `codec:"prop_b"`
}

// NewVoteEvidence builds evidence from two conflicting votes. The kind is
// derived from the vote kinds.
func NewVoteEvidence(a, b *types.Vote) *Evidence {
	kind := KindDuplicateVote
	if a.Kind != b.Kind {
		kind = KindFinalizeNullify
	}
	// Order the pair so both observers produce the same evidence
	if a.Kind > b.Kind || (a.Kind == b.Kind && types.Hash(a.BlockID).String() > types.Hash(b.BlockID).String()) {
		a, b = b, a
	}
	return &Evidence{Kind: kind, Round: a.Round, Offender: a.Voter, VoteA: a, VoteB: b}
}

// NewDuplicateProposalEvidence builds evidence from two proposals signed by
// the same leader in the same round.
func NewDuplicateProposalEvidence(a, b *types.Proposal) *Evidence {
	idA, idB := a.Block.ID(), b.Block.ID()
	if types.Hash(idA).String() > types.Hash(idB).String() {
		a, b = b, a
	}
	return &Evidence{Kind: KindDuplicateProposal, Round: a.Round(), Offender: a.Proposer(), ProposalA: a, ProposalB: b}
}

// NewNonLeaderProposalEvidence wraps a proposal signed by a non-leader.
func NewNonLeaderProposalEvidence(p *types.Proposal) *Evidence {
	return &Evidence{Kind: KindNonLeaderProposal, Round: p.Round(), Offender: p.Proposer(), ProposalA: p}
}

// Key identifies the evidence independent of which side was seen first.
func (ev *Evidence) Key() types.Hash {
	return types.HashBytes([]byte("gutsberry/evidence"), types.Encode(ev))
}

func (ev *Evidence) String() string {
	return fmt.Sprintf("Evidence{%s round=%d offender=%s}", ev.Kind, ev.Round, ev.Offender.Short())
}

// Verify checks that the evidence proves what it claims.
func (ev *Evidence) Verify(chainID string, vals *types.ValidatorSet) error {
	if !vals.IsValidator(ev.Offender) {
		return ErrUnknownOffender
	}
	switch ev.Kind {
	case KindDuplicateVote, KindFinalizeNullify:
		return ev.verifyVotes(chainID)
	case KindDuplicateProposal:
		return ev.verifyDuplicateProposal(chainID)
	case KindNonLeaderProposal:
		p := ev.ProposalA
		if p == nil {
			return fmt.Errorf("%w: missing proposal", ErrInvalidEvidence)
		}
		if p.Proposer() != ev.Offender || p.Round() != ev.Round {
			return fmt.Errorf("%w: proposal does not match offender", ErrInvalidEvidence)
		}
		if vals.Leader(p.Round()) == p.Proposer() {
			return fmt.Errorf("%w: proposer is the leader", ErrNotConflicting)
		}
		return p.Verify(chainID)
	default:
		return fmt.Errorf("%w: kind %s", ErrInvalidEvidence, ev.Kind)
	}
}

func (ev *Evidence) verifyVotes(chainID string) error {
	a, b := ev.VoteA, ev.VoteB
	if a == nil || b == nil {
		return fmt.Errorf("%w: missing vote", ErrInvalidEvidence)
	}
	if a.Round != b.Round || a.Round != ev.Round {
		return ErrInvalidVoteRound
	}
	if a.Voter != b.Voter || a.Voter != ev.Offender {
		return ErrInvalidValidator
	}
	if !a.ConflictsWith(b) {
		return ErrNotConflicting
	}
	if (a.Kind == b.Kind) != (ev.Kind == KindDuplicateVote) {
		return fmt.Errorf("%w: kind %s for %s/%s", ErrInvalidEvidence, ev.Kind, a.Kind, b.Kind)
	}
	if err := a.Verify(chainID); err != nil {
		return fmt.Errorf("invalid signature on vote A: %w", err)
	}
	if err := b.Verify(chainID); err != nil {
		return fmt.Errorf("invalid signature on vote B: %w", err)
	}
	return nil
}

func (ev *Evidence) verifyDuplicateProposal(chainID string) error {
	a, b := ev.ProposalA, ev.ProposalB
	if a == nil || b == nil {
		return fmt.Errorf("%w: missing proposal", ErrInvalidEvidence)
	}
	if a.Round() != b.Round() || a.Round() != ev.Round {
		return ErrInvalidVoteRound
	}
	if a.Proposer() != b.Proposer() || a.Proposer() != ev.Offender {
		return ErrInvalidValidator
	}
	if a.Block.ID() == b.Block.ID() {
		return ErrNotConflicting
	}
	if err := a.Verify(chainID); err != nil {
		return fmt.Errorf("invalid signature on proposal A: %w", err)
	}
	if err := b.Verify(chainID); err != nil {
		return fmt.Errorf("invalid signature on proposal B: %w", err)
	}
	return nil
}

// Config holds evidence pool configuration
type Config struct {
	// MaxAgeRounds is how many rounds evidence stays pending
	MaxAgeRounds uint64
	// MaxPending caps the number of pending items
	MaxPending int
	// SeenCacheSize bounds the memory of already reported evidence
	SeenCacheSize int
}

// DefaultConfig returns default evidence pool configuration
func DefaultConfig() Config {
	return Config{
		MaxAgeRounds:  10000,
		MaxPending:    1000,
		SeenCacheSize: 10000,
	}
}

// proposalKey identifies a proposer's slot in a round.
type proposalKey struct {
	round    uint64
	proposer types.PublicKey
}

// Pool collects verified evidence. It also watches proposals to catch a
// leader signing two blocks in one round; votes are checked by the
// engine's vote collector.
type Pool struct {
	mu     deadlock.RWMutex
	config Config

	chainID string
	vals    *types.ValidatorSet
	log     logging.Logger
	metrics *metrics.Metrics

	pending []*Evidence
	// keys of everything ever accepted, pruned or not
	seen *lru.Cache

	proposals    map[proposalKey]*types.Proposal
	currentRound uint64
}

// NewPool creates a new evidence pool
func NewPool(config Config, chainID string, vals *types.ValidatorSet, m *metrics.Metrics, log logging.Logger) (*Pool, error) {
	seen, err := lru.New(config.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("evidence cache: %w", err)
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Pool{
		config:    config,
		chainID:   chainID,
		vals:      vals,
		log:       log.With("module", "evidence"),
		metrics:   m,
		seen:      seen,
		proposals: make(map[proposalKey]*types.Proposal),
	}, nil
}

// Update moves the pool to round and prunes what is too old.
func (p *Pool) Update(round uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if round <= p.currentRound {
		return
	}
	p.currentRound = round
	p.pruneExpired()
}

// CheckProposal remembers a verified proposal and returns evidence if its
// proposer already signed another block in the same round.
func (p *Pool) CheckProposal(prop *types.Proposal) *Evidence {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isExpired(prop.Round()) {
		return nil
	}
	key := proposalKey{prop.Round(), prop.Proposer()}
	existing, ok := p.proposals[key]
	if !ok {
		p.proposals[key] = prop
		return nil
	}
	if existing.Block.ID() == prop.Block.ID() {
		return nil
	}
	return NewDuplicateProposalEvidence(existing, prop)
}

// AddEvidence verifies ev and adds it to the pending list.
func (p *Pool) AddEvidence(ev *Evidence) error {
	if err := ev.Verify(p.chainID, p.vals); err != nil {
		return err
	}
	key := ev.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seen.Contains(key) {
		return ErrDuplicateEvidence
	}
	if p.isExpired(ev.Round) {
		return ErrEvidenceExpired
	}
	if len(p.pending) >= p.config.MaxPending {
		// Oldest evidence makes room
		p.pending = p.pending[1:]
	}
	p.seen.Add(key, struct{}{})
	p.pending = append(p.pending, ev)

	p.log.WithFields(logging.Fields{
		"kind":     ev.Kind.String(),
		"round":    ev.Round,
		"offender": ev.Offender.Short(),
	}).Warn("recorded evidence")
	p.metrics.ObserveEvidence(ev.Kind.String())
	return nil
}

// Pending returns pending evidence ordered by round, at most max items
// (all if max <= 0).
func (p *Pool) Pending(max int) []*Evidence {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Evidence, len(p.pending))
	copy(out, p.pending)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// Offenders returns the distinct offenders with pending evidence.
func (p *Pool) Offenders() []types.PublicKey {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[types.PublicKey]bool)
	var out []types.PublicKey
	for _, ev := range p.pending {
		if !seen[ev.Offender] {
			seen[ev.Offender] = true
			out = append(out, ev.Offender)
		}
	}
	return out
}

// Size returns the number of pending evidence items
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

func (p *Pool) isExpired(round uint64) bool {
	return p.currentRound > p.config.MaxAgeRounds && round < p.currentRound-p.config.MaxAgeRounds
}

// pruneExpired drops old pending evidence and remembered proposals.
// Caller must hold p.mu.
func (p *Pool) pruneExpired() {
	valid := p.pending[:0]
	for _, ev := range p.pending {
		if !p.isExpired(ev.Round) {
			valid = append(valid, ev)
		}
	}
	p.pending = valid

	for key := range p.proposals {
		if p.isExpired(key.round) {
			delete(p.proposals, key)
		}
	}
}
