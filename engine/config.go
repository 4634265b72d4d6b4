package engine

import (
	"fmt"
	"time"

	"github.com/blockberries/gutsberry/genesis"
)

// Config holds configuration for the consensus engine
type Config struct {
	// ChainID is the network ID signed into votes and proposals
	ChainID string

	// Timeouts
	Timeouts TimeoutConfig

	// Block limits
	MaxTxsPerBlock int
	MaxBlockBytes  int

	// MaxRoundLookahead bounds how far past the current round messages are
	// buffered. Anything further triggers sync instead.
	MaxRoundLookahead uint64

	// SyncBatchSize is the most blocks asked for or served per sync message
	SyncBatchSize uint32

	// MessageQueueSize is the inbound message buffer
	MessageQueueSize int

	// EventBufferSize is the per-subscriber event buffer
	EventBufferSize int

	// WAL configuration
	WALPath string
	WALSync bool // Force sync on every own message
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		ChainID:           "gutsberry-devnet",
		Timeouts:          DefaultTimeoutConfig(),
		MaxTxsPerBlock:    1000,
		MaxBlockBytes:     10 * 1024 * 1024,
		MaxRoundLookahead: 10,
		SyncBatchSize:     64,
		MessageQueueSize:  4096,
		EventBufferSize:   256,
		WALPath:           "data/cs.wal",
		WALSync:           true,
	}
}

// NewConfigFromParams derives a configuration from genesis consensus
// parameters. The round timer is view_timeout_multiplier x block_time and
// leaders pace proposals at block_time.
func NewConfigFromParams(chainID string, params genesis.ConsensusParams) *Config {
	cfg := DefaultConfig()
	cfg.ChainID = chainID
	cfg.MaxTxsPerBlock = params.MaxTxsPerBlock
	cfg.MaxBlockBytes = params.MaxBlockSize

	round := params.RoundTimeout()
	propose := params.BlockTime()
	if propose >= round {
		propose = round / 2
	}
	cfg.Timeouts = TimeoutConfig{
		Round:          round,
		RoundBackoff:   round / 2,
		MaxRound:       8 * round,
		ProposeDelay:   propose,
		StatusInterval: round,
	}
	return cfg
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	switch {
	case cfg.ChainID == "":
		return fmt.Errorf("%w: empty chain id", ErrInvalidConfig)
	case cfg.MaxTxsPerBlock <= 0:
		return fmt.Errorf("%w: max txs per block must be positive", ErrInvalidConfig)
	case cfg.MaxBlockBytes <= 0:
		return fmt.Errorf("%w: max block bytes must be positive", ErrInvalidConfig)
	case cfg.MaxRoundLookahead == 0:
		return fmt.Errorf("%w: round lookahead must be positive", ErrInvalidConfig)
	case cfg.SyncBatchSize == 0:
		return fmt.Errorf("%w: sync batch size must be positive", ErrInvalidConfig)
	case cfg.MessageQueueSize <= 0:
		return fmt.Errorf("%w: message queue size must be positive", ErrInvalidConfig)
	}
	return cfg.Timeouts.ValidateBasic()
}

// statusInterval falls back to one second when unset.
func (cfg *Config) statusInterval() time.Duration {
	if cfg.Timeouts.StatusInterval <= 0 {
		return time.Second
	}
	return cfg.Timeouts.StatusInterval
}
