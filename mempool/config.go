package mempool

import (
	"errors"
	"time"
)

// Config holds mempool limits.
type Config struct {
	// MaxTransactions bounds the pool; the oldest entry is evicted to make room
	MaxTransactions int
	// MaxTxBytes bounds the encoded size of a single transaction
	MaxTxBytes int
	// MaxTxAge is the age after which entries are no longer proposed
	MaxTxAge time.Duration
	// FinalizedCacheSize is how many finalized IDs are remembered to reject
	// late duplicates
	FinalizedCacheSize int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxTransactions:    10_000,
		MaxTxBytes:         1 << 20,
		MaxTxAge:           10 * time.Minute,
		FinalizedCacheSize: 100_000,
	}
}

// ValidateBasic performs basic validation of the config
func (c Config) ValidateBasic() error {
	if c.MaxTransactions <= 0 {
		return errors.New("mempool: max transactions must be positive")
	}
	if c.MaxTxBytes <= 0 {
		return errors.New("mempool: max tx bytes must be positive")
	}
	if c.MaxTxAge < 0 {
		return errors.New("mempool: max tx age must not be negative")
	}
	if c.FinalizedCacheSize <= 0 {
		return errors.New("mempool: finalized cache size must be positive")
	}
	return nil
}
