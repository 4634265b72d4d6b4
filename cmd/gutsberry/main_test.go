package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/gutsberry/genesis"
	"github.com/blockberries/gutsberry/privval"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestGenesisGenerateAndValidate(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "genesis.yaml")
	keys := filepath.Join(dir, "home")

	require.NoError(t, execute(t, "genesis", "generate", "-n", "4", "--chain-id", "guts-cli",
		"--out", out, "--keys-dir", keys, "--block-time-ms", "500", "--log-level", "error"))

	gen, err := genesis.LoadFile(out)
	require.NoError(t, err)
	require.Equal(t, "guts-cli", gen.ChainID)
	require.Len(t, gen.Validators, 4)
	require.Equal(t, uint64(500), gen.Consensus.BlockTimeMs)

	// Every written key belongs to its genesis entry
	vals, err := gen.ValidatorSet()
	require.NoError(t, err)
	for _, v := range gen.Validators {
		keyPath, statePath := keyFiles(filepath.Join(keys, v.Name))
		pv, err := privval.NewFilePV(keyPath, statePath)
		require.NoError(t, err)
		require.Equal(t, vals.GetByName(v.Name).PublicKey, pv.PubKey())
	}

	require.NoError(t, execute(t, "genesis", "validate", out))
}

func TestGenesisValidateRejectsBadDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.json")
	gen, _ := genesis.GenerateDevnet(4)
	gen.Validators[1].PubKey = gen.Validators[0].PubKey
	require.NoError(t, gen.Save(path))

	err := execute(t, "genesis", "validate", path)
	require.ErrorIs(t, err, genesis.ErrInvalidGenesis)
}

func TestKeysGenRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, execute(t, "keys", "gen", "--dir", dir))
	require.Error(t, execute(t, "keys", "gen", "--dir", dir))
	require.NoError(t, execute(t, "keys", "show", "--dir", dir))
}

func TestRunRequiresNodes(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "genesis.yaml")
	require.NoError(t, execute(t, "genesis", "generate", "--out", out, "--keys-dir="))
	err := execute(t, "run", "--genesis", out, "--home", dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "nothing to run")
}
