package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/blockberries/gutsberry/mempool"
)

// Config holds the local settings of a node. Everything that must agree
// across the network lives in the genesis document instead.
type Config struct {
	// Home is the directory holding the block store and the WAL
	Home string

	// InMemory keeps blocks in memory and disables the WAL
	InMemory bool

	// StatusAddr is the listen address of the HTTP status endpoint. Empty
	// disables it.
	StatusAddr string

	// EvictInterval is how often stale mempool entries are dropped
	EvictInterval time.Duration

	// WALSync fsyncs the WAL after every message this node signs
	WALSync bool

	Mempool mempool.Config
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Home:          "gutsberry-data",
		StatusAddr:    "127.0.0.1:26660",
		EvictInterval: 30 * time.Second,
		WALSync:       true,
		Mempool:       mempool.DefaultConfig(),
	}
}

// ValidateBasic performs basic validation of the config
func (c Config) ValidateBasic() error {
	if !c.InMemory && c.Home == "" {
		return errors.New("node: home directory is required unless in memory")
	}
	if c.EvictInterval <= 0 {
		return errors.New("node: evict interval must be positive")
	}
	if err := c.Mempool.ValidateBasic(); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	return nil
}
