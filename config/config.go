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

// Package config assembles the bundler configuration from its three layers:
// built-in defaults, an optional YAML file and BUNDLER_* environment
// variables, in ascending precedence. CLI flags override on top, applied by
// the command itself. The assembled value is immutable and threaded through
// constructors; nothing reads the environment after startup.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"
)

// TimeoutPolicy decides what happens to a submitted operation whose receipt
// never arrived within the grace window.
type TimeoutPolicy string

const (
	// PolicyRequeue returns the operation to the pending set for the next
	// bundle.
	PolicyRequeue TimeoutPolicy = "requeue"

	// PolicyFail marks the operation failed with reason "receipt-timeout".
	PolicyFail TimeoutPolicy = "fail"
)

// Defaults that hold when neither file nor environment says otherwise.
const (
	DefaultPort             = 4337
	DefaultBundleInterval   = 15 * time.Second
	DefaultMaxBundleSize    = 10
	DefaultMaxFeeMultiplier = 1.5
	DefaultReceiptTimeout   = 60 * time.Second
	DefaultGraceIntervals   = 5
	DefaultDatabaseURL      = "postgres://localhost:5432/bundler?sslmode=disable"
	DefaultVerbosity        = 3
)

// MemoryScheme selects the in-memory store instead of Postgres.
const MemoryScheme = "memory://"

// Duration is a time.Duration the YAML layer accepts in two forms: an
// integer millisecond count (matching the *_MS environment variables) or a
// Go duration string such as "15s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var ms int64
	if err := node.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration %q", node.Value)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the complete bundler configuration. Zero values mean "not set";
// Finalize fills in defaults and validates the result.
type Config struct {
	RPCURL     string `yaml:"rpcUrl"`
	EntryPoint string `yaml:"entryPoint"`
	PrivateKey string `yaml:"privateKey"`

	// Beneficiary receives the gas refunds of handleOps. Empty defaults to
	// the bundler account itself.
	Beneficiary string `yaml:"beneficiary"`

	Port           int      `yaml:"port"`
	BundleInterval Duration `yaml:"bundleInterval"`
	DatabaseURL    string   `yaml:"databaseUrl"`
	ChainID        uint64   `yaml:"chainId"`
	MaxBundleSize  int      `yaml:"maxBundleSize"`

	// MaxFeeMultiplier scales the sampled maxFeePerGas on submission.
	MaxFeeMultiplier float64 `yaml:"maxFeeMultiplier"`

	ReceiptTimeout        Duration      `yaml:"receiptTimeout"`
	ReceiptGraceIntervals int           `yaml:"receiptGraceIntervals"`
	ReceiptTimeoutPolicy  TimeoutPolicy `yaml:"receiptTimeoutPolicy"`

	// Verbosity is a pointer so an explicit 0 (crit only) survives the
	// default fill-in.
	Verbosity *int `yaml:"verbosity"`

	key         *ecdsa.PrivateKey
	entryPoint  common.Address
	beneficiary common.Address
}

// Load reads the optional YAML file at path, overlays the environment and
// finalizes. An empty path skips the file layer. Callers that want to apply
// their own overrides between the layers use FromFile, ApplyEnv and
// Finalize directly.
func Load(path string) (*Config, error) {
	cfg, err := FromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile parses the YAML file at path into a raw, unfinalized config. An
// empty path yields an empty config.
func FromFile(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	return cfg, nil
}

// ApplyEnv overlays BUNDLER_* variables onto cfg. Unset variables leave the
// current value alone; malformed numeric values are rejected later by
// Finalize via the zero value they leave behind.
func (c *Config) ApplyEnv() {
	setString(&c.RPCURL, "BUNDLER_RPC_URL")
	setString(&c.EntryPoint, "BUNDLER_ENTRYPOINT")
	setString(&c.PrivateKey, "BUNDLER_PRIVATE_KEY")
	setString(&c.Beneficiary, "BUNDLER_BENEFICIARY")
	setString(&c.DatabaseURL, "BUNDLER_DATABASE_URL")
	setInt(&c.Port, "BUNDLER_PORT")
	setInt(&c.MaxBundleSize, "BUNDLER_MAX_BUNDLE_SIZE")
	setInt(&c.ReceiptGraceIntervals, "BUNDLER_RECEIPT_GRACE_INTERVALS")
	if v, ok := os.LookupEnv("BUNDLER_VERBOSITY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Verbosity = &n
		}
	}
	setUint64(&c.ChainID, "BUNDLER_CHAIN_ID")
	setFloat(&c.MaxFeeMultiplier, "BUNDLER_MAX_FEE_MULTIPLIER")
	setMillis(&c.BundleInterval, "BUNDLER_BUNDLE_INTERVAL_MS")
	setMillis(&c.ReceiptTimeout, "BUNDLER_RECEIPT_TIMEOUT_MS")
	if v, ok := os.LookupEnv("BUNDLER_RECEIPT_TIMEOUT_POLICY"); ok {
		c.ReceiptTimeoutPolicy = TimeoutPolicy(strings.ToLower(strings.TrimSpace(v)))
	}
}

// Finalize fills defaults, parses the key material and validates every
// field. It must be called exactly once, after all layers are applied.
func (c *Config) Finalize() error {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.BundleInterval == 0 {
		c.BundleInterval = Duration(DefaultBundleInterval)
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = DefaultDatabaseURL
	}
	if c.MaxBundleSize == 0 {
		c.MaxBundleSize = DefaultMaxBundleSize
	}
	if c.MaxFeeMultiplier == 0 {
		c.MaxFeeMultiplier = DefaultMaxFeeMultiplier
	}
	if c.ReceiptTimeout == 0 {
		c.ReceiptTimeout = Duration(DefaultReceiptTimeout)
	}
	if c.ReceiptGraceIntervals == 0 {
		c.ReceiptGraceIntervals = DefaultGraceIntervals
	}
	if c.ReceiptTimeoutPolicy == "" {
		c.ReceiptTimeoutPolicy = PolicyRequeue
	}
	if c.Verbosity == nil {
		v := DefaultVerbosity
		c.Verbosity = &v
	}

	if c.RPCURL == "" {
		return errors.New("rpcUrl is required")
	}
	if c.ChainID == 0 {
		return errors.New("chainId is required")
	}
	if c.EntryPoint == "" {
		return errors.New("entryPoint is required")
	}
	if !common.IsHexAddress(c.EntryPoint) {
		return fmt.Errorf("entryPoint %q is not a valid address", c.EntryPoint)
	}
	c.entryPoint = common.HexToAddress(c.EntryPoint)

	if c.PrivateKey == "" {
		return errors.New("privateKey is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.PrivateKey, "0x"))
	if err != nil {
		return fmt.Errorf("invalid privateKey: %w", err)
	}
	c.key = key

	if c.Beneficiary != "" {
		if !common.IsHexAddress(c.Beneficiary) {
			return fmt.Errorf("beneficiary %q is not a valid address", c.Beneficiary)
		}
		c.beneficiary = common.HexToAddress(c.Beneficiary)
	} else {
		c.beneficiary = crypto.PubkeyToAddress(key.PublicKey)
	}

	switch c.ReceiptTimeoutPolicy {
	case PolicyRequeue, PolicyFail:
	default:
		return fmt.Errorf("receiptTimeoutPolicy %q: must be %q or %q", c.ReceiptTimeoutPolicy, PolicyRequeue, PolicyFail)
	}
	if c.MaxBundleSize < 1 {
		return fmt.Errorf("maxBundleSize %d: must be at least 1", c.MaxBundleSize)
	}
	if c.MaxFeeMultiplier < 1 {
		return fmt.Errorf("maxFeeMultiplier %v: must be at least 1", c.MaxFeeMultiplier)
	}
	if *c.Verbosity < 0 || *c.Verbosity > 5 {
		return fmt.Errorf("verbosity %d: must be between 0 and 5", *c.Verbosity)
	}
	return nil
}

// Key returns the parsed bundler signing key.
func (c *Config) Key() *ecdsa.PrivateKey { return c.key }

// EntryPointAddress returns the parsed EntryPoint address.
func (c *Config) EntryPointAddress() common.Address { return c.entryPoint }

// BeneficiaryAddress returns the parsed beneficiary, the signer address by
// default.
func (c *Config) BeneficiaryAddress() common.Address { return c.beneficiary }

// ChainIDBig returns the expected chain id as a big integer.
func (c *Config) ChainIDBig() *big.Int { return new(big.Int).SetUint64(c.ChainID) }

// LogVerbosity returns the finalized verbosity level.
func (c *Config) LogVerbosity() int { return *c.Verbosity }

// MemoryStore reports whether the database URL selects the in-memory store.
func (c *Config) MemoryStore() bool { return strings.HasPrefix(c.DatabaseURL, MemoryScheme) }

func setString(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, name string) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, name string) {
	if v, ok := os.LookupEnv(name); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setMillis(dst *Duration, name string) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = Duration(time.Duration(n) * time.Millisecond)
		}
	}
}
