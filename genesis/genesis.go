// Package genesis loads and validates the document that bootstraps a
// network: chain ID, the epoch 0 validator set, seed repositories and the
// consensus timing parameters.
//
// An invalid genesis is fatal. Nodes that load different documents derive
// different chain IDs and never count each other's votes.
package genesis

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blockberries/gutsberry/types"
)

// ErrInvalidGenesis wraps every validation failure.
var ErrInvalidGenesis = errors.New("invalid genesis")

// Validator is a genesis validator entry.
type Validator struct {
	Name   string `codec:"name" yaml:"name"`
	PubKey string `codec:"pubkey" yaml:"pubkey"`
	Weight uint64 `codec:"weight" yaml:"weight"`
	Addr   string `codec:"addr" yaml:"addr"`
}

// Repository is a repository created at genesis.
type Repository struct {
	Owner         string `codec:"owner" yaml:"owner"`
	Name          string `codec:"name" yaml:"name"`
	Description   string `codec:"description" yaml:"description"`
	DefaultBranch string `codec:"default_branch" yaml:"default_branch"`
}

// ConsensusParams are the timing and size constants of epoch 0.
type ConsensusParams struct {
	BlockTimeMs           uint64  `codec:"block_time_ms" yaml:"block_time_ms"`
	MaxTxsPerBlock        int     `codec:"max_txs_per_block" yaml:"max_txs_per_block"`
	MaxBlockSize          int     `codec:"max_block_size" yaml:"max_block_size"`
	ViewTimeoutMultiplier float64 `codec:"view_timeout_multiplier" yaml:"view_timeout_multiplier"`
	MinValidators         int     `codec:"min_validators" yaml:"min_validators"`
	MaxValidators         int     `codec:"max_validators" yaml:"max_validators"`
}

// DefaultConsensusParams returns the default parameters.
func DefaultConsensusParams() ConsensusParams {
	return ConsensusParams{
		BlockTimeMs:           2000,
		MaxTxsPerBlock:        1000,
		MaxBlockSize:          10 * 1024 * 1024,
		ViewTimeoutMultiplier: 2.0,
		MinValidators:         4,
		MaxValidators:         100,
	}
}

// Validate checks the parameters.
func (p ConsensusParams) Validate() error {
	switch {
	case p.BlockTimeMs == 0:
		return fmt.Errorf("%w: block_time_ms must be positive", ErrInvalidGenesis)
	case p.MaxTxsPerBlock <= 0:
		return fmt.Errorf("%w: max_txs_per_block must be positive", ErrInvalidGenesis)
	case p.MaxBlockSize <= 0:
		return fmt.Errorf("%w: max_block_size must be positive", ErrInvalidGenesis)
	case p.ViewTimeoutMultiplier < 1:
		return fmt.Errorf("%w: view_timeout_multiplier must be at least 1", ErrInvalidGenesis)
	case p.MinValidators < 1:
		return fmt.Errorf("%w: min_validators must be positive", ErrInvalidGenesis)
	case p.MaxValidators < p.MinValidators:
		return fmt.Errorf("%w: max_validators below min_validators", ErrInvalidGenesis)
	}
	return nil
}

// BlockTime returns the target block time.
func (p ConsensusParams) BlockTime() time.Duration {
	return time.Duration(p.BlockTimeMs) * time.Millisecond
}

// RoundTimeout returns view_timeout_multiplier x block_time.
func (p ConsensusParams) RoundTimeout() time.Duration {
	return time.Duration(float64(p.BlockTime()) * p.ViewTimeoutMultiplier)
}

// Genesis is the network bootstrap document.
type Genesis struct {
	ChainID      string          `codec:"chain_id" yaml:"chain_id"`
	Timestamp    uint64          `codec:"timestamp" yaml:"timestamp"`
	Validators   []Validator     `codec:"validators" yaml:"validators"`
	Repositories []Repository    `codec:"repositories" yaml:"repositories"`
	Consensus    ConsensusParams `codec:"consensus" yaml:"consensus"`
}

// New returns an empty genesis with default parameters.
func New(chainID string, timestamp uint64) *Genesis {
	return &Genesis{
		ChainID:   chainID,
		Timestamp: timestamp,
		Consensus: DefaultConsensusParams(),
	}
}

// AddValidator appends a validator entry for pub.
func (g *Genesis) AddValidator(name string, pub types.PublicKey, weight uint64, addr string) {
	g.Validators = append(g.Validators, Validator{
		Name:   name,
		PubKey: pub.String(),
		Weight: weight,
		Addr:   addr,
	})
}

func (v Validator) toValidator() (*types.Validator, error) {
	raw, err := hex.DecodeString(v.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: validator %q: %v", ErrInvalidGenesis, v.Name, err)
	}
	if len(raw) != types.PublicKeySize {
		return nil, fmt.Errorf("%w: validator %q: invalid public key length: expected %d bytes, got %d",
			ErrInvalidGenesis, v.Name, types.PublicKeySize, len(raw))
	}
	if _, err := netip.ParseAddrPort(v.Addr); err != nil {
		return nil, fmt.Errorf("%w: validator %q: invalid address: %v", ErrInvalidGenesis, v.Name, err)
	}
	pk, _ := types.NewPublicKey(raw)
	return &types.Validator{Name: v.Name, PublicKey: pk, Weight: v.Weight, Addr: v.Addr}, nil
}

// Validate checks the document. Any error is fatal for a node.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("%w: chain_id is empty", ErrInvalidGenesis)
	}
	if err := g.Consensus.Validate(); err != nil {
		return err
	}
	if len(g.Validators) == 0 {
		return fmt.Errorf("%w: no validators", ErrInvalidGenesis)
	}
	if len(g.Validators) < g.Consensus.MinValidators {
		return fmt.Errorf("%w: need at least %d validators for BFT, got %d",
			ErrInvalidGenesis, g.Consensus.MinValidators, len(g.Validators))
	}
	if len(g.Validators) > g.Consensus.MaxValidators {
		return fmt.Errorf("%w: at most %d validators allowed, got %d",
			ErrInvalidGenesis, g.Consensus.MaxValidators, len(g.Validators))
	}

	seenNames := make(map[string]bool, len(g.Validators))
	seenKeys := make(map[string]bool, len(g.Validators))
	for _, v := range g.Validators {
		if _, err := v.toValidator(); err != nil {
			return err
		}
		if seenNames[v.Name] {
			return fmt.Errorf("%w: duplicate validator name: %s", ErrInvalidGenesis, v.Name)
		}
		key := strings.ToLower(v.PubKey)
		if seenKeys[key] {
			return fmt.Errorf("%w: duplicate validator pubkey: %s", ErrInvalidGenesis, v.PubKey)
		}
		seenNames[v.Name] = true
		seenKeys[key] = true
	}

	repos := make(map[string]bool, len(g.Repositories))
	for _, r := range g.Repositories {
		if r.Owner == "" || r.Name == "" {
			return fmt.Errorf("%w: repository with empty owner or name", ErrInvalidGenesis)
		}
		k := r.Owner + "/" + r.Name
		if repos[k] {
			return fmt.Errorf("%w: duplicate repository: %s", ErrInvalidGenesis, k)
		}
		repos[k] = true
	}

	// Weight and emptiness checks shared with the runtime set
	if _, err := g.ValidatorSet(); err != nil {
		return err
	}
	return nil
}

// ValidatorSet builds the epoch 0 validator set in document order.
func (g *Genesis) ValidatorSet() (*types.ValidatorSet, error) {
	vals := make([]*types.Validator, 0, len(g.Validators))
	for _, v := range g.Validators {
		val, err := v.toValidator()
		if err != nil {
			return nil, err
		}
		vals = append(vals, val)
	}
	vs, err := types.NewValidatorSet(vals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGenesis, err)
	}
	return vs, nil
}

// Hash returns the hash of the canonical encoding of the document.
func (g *Genesis) Hash() types.Hash {
	return types.HashBytes([]byte("gutsberry/genesis"), types.Encode(g))
}

// NetworkID returns the chain ID signed into every vote and proposal: the
// configured chain_id followed by a prefix of the genesis hash.
func (g *Genesis) NetworkID() string {
	return g.ChainID + "-" + g.Hash().Short()
}

// RoundTimeout returns the base round timer.
func (g *Genesis) RoundTimeout() time.Duration {
	return g.Consensus.RoundTimeout()
}

// LoadFile reads and validates a genesis document. Files ending in .yaml
// or .yml are parsed as YAML, everything else as JSON.
func LoadFile(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read file: %v", ErrInvalidGenesis, err)
	}
	g := &Genesis{Consensus: DefaultConsensusParams()}
	if isYAML(path) {
		err = yaml.Unmarshal(data, g)
	} else {
		err = types.DecodeJSON(data, g)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidGenesis, filepath.Base(path), err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Save writes the document as YAML or JSON depending on the extension.
func (g *Genesis) Save(path string) error {
	var data []byte
	if isYAML(path) {
		var err error
		data, err = yaml.Marshal(g)
		if err != nil {
			return err
		}
	} else {
		data = append(types.EncodeJSON(g), '\n')
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// DevnetKey returns the deterministic key of devnet validator i.
func DevnetKey(i int) ed25519.PrivateKey {
	seed := make([]byte, ed25519.SeedSize)
	binary.BigEndian.PutUint64(seed[ed25519.SeedSize-8:], uint64(i))
	copy(seed, "guts-devnet")
	return ed25519.NewKeyFromSeed(seed)
}

// GenerateDevnet returns a local test network of n validators named
// validator-1..n, weight 100 each, listening on 127.0.0.1:9000+i, and
// their private keys in the same order.
func GenerateDevnet(n int) (*Genesis, []ed25519.PrivateKey) {
	g := New("guts-devnet", uint64(time.Now().UnixMilli()))
	keys := make([]ed25519.PrivateKey, n)
	for i := 0; i < n; i++ {
		keys[i] = DevnetKey(i)
		pk, _ := types.NewPublicKey(keys[i].Public().(ed25519.PublicKey))
		g.AddValidator(fmt.Sprintf("validator-%d", i+1), pk, 100, fmt.Sprintf("127.0.0.1:%d", 9000+i))
	}
	return g, keys
}
