package engine

import (
	"sort"
	"time"

	"github.com/algorand/go-deadlock"
)

// PeerRoundState is a peer's advertised progress.
type PeerRoundState struct {
	Height     uint64 // finalized height
	Round      uint64 // current round
	CatchingUp bool   // peer is behind us on height
}

// PeerState tracks the consensus state of a single peer
type PeerState struct {
	mu deadlock.RWMutex

	peerID   string
	prs      PeerRoundState
	lastSeen time.Time
}

// NewPeerState creates a new PeerState for tracking a peer
func NewPeerState(peerID string) *PeerState {
	return &PeerState{
		peerID:   peerID,
		lastSeen: time.Now(),
	}
}

// PeerID returns the peer's ID
func (ps *PeerState) PeerID() string {
	return ps.peerID
}

// GetRoundState returns a copy of the peer's round state
func (ps *PeerState) GetRoundState() PeerRoundState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.prs
}

// ApplyStatus updates the peer from a status message. Regressions are
// ignored; a restarted peer catches up through sync.
func (ps *PeerState) ApplyStatus(height, round uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.lastSeen = time.Now()
	if height < ps.prs.Height {
		return
	}
	if height > ps.prs.Height {
		ps.prs.Height = height
		ps.prs.Round = round
		return
	}
	if round > ps.prs.Round {
		ps.prs.Round = round
	}
}

// ApplyRound records that the peer has sent a message for round.
func (ps *PeerState) ApplyRound(round uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.lastSeen = time.Now()
	if round > ps.prs.Round {
		ps.prs.Round = round
	}
}

// SetCatchingUp marks that the peer is catching up
func (ps *PeerState) SetCatchingUp(catching bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.prs.CatchingUp = catching
}

// IsCatchingUp returns true if peer is catching up
func (ps *PeerState) IsCatchingUp() bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.prs.CatchingUp
}

// Height returns the peer's finalized height
func (ps *PeerState) Height() uint64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.prs.Height
}

// Round returns the peer's current round
func (ps *PeerState) Round() uint64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.prs.Round
}

// LastSeen returns when we last received data from this peer
func (ps *PeerState) LastSeen() time.Time {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.lastSeen
}

// PeerSet manages a set of peers and their consensus states
type PeerSet struct {
	mu    deadlock.RWMutex
	peers map[string]*PeerState
}

// NewPeerSet creates a new PeerSet
func NewPeerSet() *PeerSet {
	return &PeerSet{
		peers: make(map[string]*PeerState),
	}
}

// AddPeer adds a new peer to track
func (ps *PeerSet) AddPeer(peerID string) *PeerState {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if existing, ok := ps.peers[peerID]; ok {
		return existing
	}

	peerState := NewPeerState(peerID)
	ps.peers[peerID] = peerState
	return peerState
}

// RemovePeer removes a peer
func (ps *PeerSet) RemovePeer(peerID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.peers, peerID)
}

// GetPeer returns a peer's state
func (ps *PeerSet) GetPeer(peerID string) *PeerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.peers[peerID]
}

// Size returns the number of peers
func (ps *PeerSet) Size() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// AllPeers returns all peer states ordered by ID
func (ps *PeerSet) AllPeers() []*PeerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	peers := make([]*PeerState, 0, len(ps.peers))
	for _, p := range ps.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].peerID < peers[j].peerID })
	return peers
}

// Highest returns the peer with the greatest finalized height, ties broken
// by round then ID, or nil if there are no peers.
func (ps *PeerSet) Highest() *PeerState {
	var best *PeerState
	var bestPrs PeerRoundState
	for _, p := range ps.AllPeers() {
		prs := p.GetRoundState()
		if best == nil || prs.Height > bestPrs.Height ||
			(prs.Height == bestPrs.Height && prs.Round > bestPrs.Round) {
			best, bestPrs = p, prs
		}
	}
	return best
}

// CatchingUpPeers returns peers that are behind on height
func (ps *PeerSet) CatchingUpPeers() []*PeerState {
	peers := make([]*PeerState, 0)
	for _, p := range ps.AllPeers() {
		if p.IsCatchingUp() {
			peers = append(peers, p)
		}
	}
	return peers
}

// MarkPeerCatchingUp marks a peer as catching up if behind
func (ps *PeerSet) MarkPeerCatchingUp(peerID string, ourHeight uint64) {
	ps.mu.RLock()
	peer := ps.peers[peerID]
	ps.mu.RUnlock()

	if peer == nil {
		return
	}

	peer.SetCatchingUp(peer.Height() < ourHeight)
}
