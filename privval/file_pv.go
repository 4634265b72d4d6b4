package privval

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/algorand/go-deadlock"

	"github.com/blockberries/gutsberry/types"
)

const (
	keyFilePerm   = 0600
	stateFilePerm = 0600
)

// FilePV is a file-based private validator. With empty paths nothing is
// persisted, which is only suitable for tests and simulations.
type FilePV struct {
	mu deadlock.Mutex

	keyFilePath   string
	stateFilePath string

	pubKey  types.PublicKey
	privKey ed25519.PrivateKey

	lastSignState LastSignState
}

// FilePVKey represents the key file structure
type FilePVKey struct {
	PubKey  string `codec:"pub_key"`
	PrivKey string `codec:"priv_key"`
}

// FilePVState represents the state file structure
type FilePVState struct {
	MaxRound uint64            `codec:"max_round"`
	Rounds   []*RoundSignState `codec:"rounds"`
}

// NewFilePV loads the key and state files, generating a key if the key
// file does not exist.
func NewFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
		lastSignState: newLastSignState(DefaultSignWindow),
	}
	if err := pv.loadKey(); err != nil {
		return nil, err
	}
	if err := pv.loadState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// GenerateFilePV generates a new key and writes both files.
func GenerateFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	_, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewFilePVWithKey(privKey, keyFilePath, stateFilePath)
}

// NewFilePVWithKey writes privKey to keyFilePath and starts with an empty
// sign state.
func NewFilePVWithKey(privKey ed25519.PrivateKey, keyFilePath, stateFilePath string) (*FilePV, error) {
	pv := NewMemoryPV(privKey)
	pv.keyFilePath = keyFilePath
	pv.stateFilePath = stateFilePath
	if err := pv.saveKey(); err != nil {
		return nil, err
	}
	if err := pv.saveState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// NewMemoryPV returns a validator that keeps its sign state in memory only.
func NewMemoryPV(privKey ed25519.PrivateKey) *FilePV {
	pv := &FilePV{
		privKey:       privKey,
		lastSignState: newLastSignState(DefaultSignWindow),
	}
	copy(pv.pubKey[:], privKey.Public().(ed25519.PublicKey))
	return pv
}

func (pv *FilePV) loadKey() error {
	data, err := os.ReadFile(pv.keyFilePath)
	if errors.Is(err, os.ErrNotExist) {
		_, privKey, err := ed25519.GenerateKey(nil)
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		pv.privKey = privKey
		copy(pv.pubKey[:], privKey.Public().(ed25519.PublicKey))
		return pv.saveKey()
	}
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	var key FilePVKey
	if err := types.DecodeJSON(data, &key); err != nil {
		return fmt.Errorf("failed to parse key file: %w", err)
	}
	priv, err := hex.DecodeString(key.PrivKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key in %s", pv.keyFilePath)
	}
	pv.privKey = priv
	copy(pv.pubKey[:], pv.privKey.Public().(ed25519.PublicKey))
	if key.PubKey != pv.pubKey.String() {
		return fmt.Errorf("public key does not match private key in %s", pv.keyFilePath)
	}
	return nil
}

func (pv *FilePV) saveKey() error {
	if pv.keyFilePath == "" {
		return nil
	}
	key := FilePVKey{
		PubKey:  pv.pubKey.String(),
		PrivKey: hex.EncodeToString(pv.privKey),
	}
	return writeFileAtomic(pv.keyFilePath, types.EncodeJSON(&key), keyFilePerm)
}

func (pv *FilePV) loadState() error {
	data, err := os.ReadFile(pv.stateFilePath)
	if errors.Is(err, os.ErrNotExist) {
		return pv.saveState()
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var state FilePVState
	if err := types.DecodeJSON(data, &state); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStateFile, err)
	}
	pv.lastSignState.MaxRound = state.MaxRound
	for _, rs := range state.Rounds {
		if rs.Round > state.MaxRound {
			return fmt.Errorf("%w: round %d above max %d", ErrInvalidStateFile, rs.Round, state.MaxRound)
		}
		pv.lastSignState.Rounds[rs.Round] = rs
	}
	return nil
}

// saveState persists the sign state. It runs before any signature leaves
// the validator.
func (pv *FilePV) saveState() error {
	if pv.stateFilePath == "" {
		return nil
	}
	state := FilePVState{
		MaxRound: pv.lastSignState.MaxRound,
		Rounds:   pv.lastSignState.sorted(),
	}
	return writeFileAtomic(pv.stateFilePath, types.EncodeJSON(&state), stateFilePerm)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// PubKey returns the public key
func (pv *FilePV) PubKey() types.PublicKey {
	return pv.pubKey
}

// PrivateKey returns the signing key, for devnet tooling.
func (pv *FilePV) PrivateKey() ed25519.PrivateKey {
	return pv.privKey
}

// SignVote signs a vote, checking for double-sign
func (pv *FilePV) SignVote(chainID string, vote *types.Vote) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	vote.Voter = pv.pubKey
	err := pv.lastSignState.CheckVote(vote.Kind, vote.Round, vote.BlockID)
	if errors.Is(err, errAlreadySigned) {
		// ed25519 is deterministic, so this is the signature given out before
		copy(vote.Signature[:], ed25519.Sign(pv.privKey, vote.SignBytes(chainID)))
		return nil
	}
	if err != nil {
		return err
	}

	pv.lastSignState.RecordVote(vote.Kind, vote.Round, vote.BlockID)
	if err := pv.saveState(); err != nil {
		return fmt.Errorf("failed to persist sign state: %w", err)
	}
	copy(vote.Signature[:], ed25519.Sign(pv.privKey, vote.SignBytes(chainID)))
	return nil
}

// SignProposal signs a proposal, at most one block per round.
func (pv *FilePV) SignProposal(chainID string, proposal *types.Proposal) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	if proposal.Block.Header.Proposer != pv.pubKey {
		return fmt.Errorf("proposal names proposer %s", proposal.Block.Header.Proposer.Short())
	}
	blockID := proposal.Block.ID()
	err := pv.lastSignState.CheckProposal(proposal.Round(), blockID)
	if err != nil && !errors.Is(err, errAlreadySigned) {
		return err
	}
	if err == nil {
		pv.lastSignState.RecordProposal(proposal.Round(), blockID)
		if err := pv.saveState(); err != nil {
			return fmt.Errorf("failed to persist sign state: %w", err)
		}
	}
	copy(proposal.Signature[:], ed25519.Sign(pv.privKey, proposal.SignBytes(chainID)))
	return nil
}

// Reset clears the sign state (use with caution!)
func (pv *FilePV) Reset() error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	pv.lastSignState = newLastSignState(pv.lastSignState.Window)
	return pv.saveState()
}

// Ensure FilePV implements PrivValidator
var _ PrivValidator = (*FilePV)(nil)
