// Copyright 2025 The sonic-4337-bundler Authors
// This file is part of the sonic-4337-bundler library.
//
// The sonic-4337-bundler library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The sonic-4337-bundler library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the sonic-4337-bundler library. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey        = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testSigner     = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testEntryPoint = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
)

func baseConfig() *Config {
	return &Config{
		RPCURL:     "http://localhost:8545",
		EntryPoint: testEntryPoint,
		PrivateKey: testKey,
		ChainID:    64165,
	}
}

func TestFinalizeDefaults(t *testing.T) {
	cfg := baseConfig()
	require.NoError(t, cfg.Finalize())

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, Duration(DefaultBundleInterval), cfg.BundleInterval)
	assert.Equal(t, DefaultVerbosity, cfg.LogVerbosity())
	assert.Equal(t, DefaultMaxBundleSize, cfg.MaxBundleSize)
	assert.Equal(t, DefaultMaxFeeMultiplier, cfg.MaxFeeMultiplier)
	assert.Equal(t, PolicyRequeue, cfg.ReceiptTimeoutPolicy)
	assert.Equal(t, DefaultGraceIntervals, cfg.ReceiptGraceIntervals)
	assert.False(t, cfg.MemoryStore())
}

func TestFinalizeRequiredFields(t *testing.T) {
	for _, clear := range []func(*Config){
		func(c *Config) { c.RPCURL = "" },
		func(c *Config) { c.EntryPoint = "" },
		func(c *Config) { c.PrivateKey = "" },
		func(c *Config) { c.ChainID = 0 },
	} {
		cfg := baseConfig()
		clear(cfg)
		assert.Error(t, cfg.Finalize())
	}
}

func TestFinalizeRejectsBadValues(t *testing.T) {
	cfg := baseConfig()
	cfg.EntryPoint = "0x1234"
	assert.Error(t, cfg.Finalize(), "short entrypoint")

	cfg = baseConfig()
	cfg.PrivateKey = "zz"
	assert.Error(t, cfg.Finalize(), "bad key")

	cfg = baseConfig()
	cfg.ReceiptTimeoutPolicy = "drop"
	assert.Error(t, cfg.Finalize(), "unknown policy")

	cfg = baseConfig()
	cfg.MaxFeeMultiplier = 0.5
	assert.Error(t, cfg.Finalize(), "multiplier below one")
}

func TestBeneficiaryDefaultsToSigner(t *testing.T) {
	cfg := baseConfig()
	require.NoError(t, cfg.Finalize())
	assert.Equal(t, testSigner, cfg.BeneficiaryAddress().Hex())

	cfg = baseConfig()
	cfg.Beneficiary = "0x000000000000000000000000000000000000beef"
	require.NoError(t, cfg.Finalize())
	assert.NotEqual(t, testSigner, cfg.BeneficiaryAddress().Hex())
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rpcUrl: http://file:8545
entryPoint: `+testEntryPoint+`
privateKey: `+testKey+`
chainId: 64165
port: 9000
`), 0o600))

	t.Setenv("BUNDLER_PORT", "9100")
	t.Setenv("BUNDLER_BUNDLE_INTERVAL_MS", "5000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://file:8545", cfg.RPCURL)
	assert.Equal(t, 9100, cfg.Port, "environment beats the file")
	assert.Equal(t, Duration(5*time.Second), cfg.BundleInterval)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rpcUrl: http://file:8545
entryPoint: `+testEntryPoint+`
privateKey: `+testKey+`
chainId: 64165
`+body), 0o600))
	return path
}

func TestFileDurationForms(t *testing.T) {
	// The documented form is an integer millisecond count; Go duration
	// strings work too.
	cfg, err := Load(writeConfig(t, "bundleInterval: 15000\nreceiptTimeout: 30s\n"))
	require.NoError(t, err)
	assert.Equal(t, Duration(15*time.Second), cfg.BundleInterval)
	assert.Equal(t, Duration(30*time.Second), cfg.ReceiptTimeout)

	_, err = Load(writeConfig(t, "bundleInterval: fast\n"))
	assert.Error(t, err)
}

func TestFileVerbosityZero(t *testing.T) {
	// An explicit 0 means crit-only logging; it must not be mistaken for
	// "unset" and bumped to the default.
	cfg, err := Load(writeConfig(t, "verbosity: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.LogVerbosity())

	t.Setenv("BUNDLER_VERBOSITY", "0")
	cfg, err = Load(writeConfig(t, "verbosity: 4\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.LogVerbosity(), "environment zero beats the file")

	cfg = baseConfig()
	require.NoError(t, cfg.Finalize())
	assert.Equal(t, DefaultVerbosity, cfg.LogVerbosity())

	cfg = baseConfig()
	six := 6
	cfg.Verbosity = &six
	assert.Error(t, cfg.Finalize())
}

func TestMemoryScheme(t *testing.T) {
	cfg := baseConfig()
	cfg.DatabaseURL = "memory://"
	require.NoError(t, cfg.Finalize())
	assert.True(t, cfg.MemoryStore())
}
