// Package config loads and hot-reloads the operator configuration of spec.md §6. It
// is a thin, named collaborator by design (per spec Non-goals, no policy lives here):
// Load decodes and validates, Watch notifies on change, and everything downstream
// only ever sees a *Snapshot value, never the file system. This mirrors the teacher's
// internal/app.AppConfig — one struct with yaml/json tags, no business logic mixed
// into the loader.
package config

import (
	"fmt"
	"hash/fnv"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/priofree/bundler/pkg/bundler/bundlerr"
	"github.com/priofree/bundler/pkg/bundler/payment"
)

// Config is the recognized key set of spec.md §6, decoded from YAML.
type Config struct {
	Network  Network        `yaml:"network"`
	Targets  Targets        `yaml:"targets"`
	Payment  PaymentConfig  `yaml:"payment"`
	Limits   Limits         `yaml:"limits"`
	Builders []BuilderEntry `yaml:"builders"`
	Signer   SignerConfig   `yaml:"signer"`
	RPC      RPCConfig      `yaml:"rpc"`
}

type Network struct {
	ChainID int64  `yaml:"chain_id"`
	Name    string `yaml:"name"`
}

type Targets struct {
	BlocksAhead uint64 `yaml:"blocks_ahead"`
	ResubmitMax int    `yaml:"resubmit_max"`
}

type PaymentConfig struct {
	Formula      string `yaml:"formula"` // flat|gas|basefee
	K1           string `yaml:"k1"`      // decimal fixed-point, scale 1e18
	K2           string `yaml:"k2"`      // wei
	Tip          string `yaml:"tip"`     // wei
	MaxAmountWei string `yaml:"max_amount_wei"`
}

type Limits struct {
	PerBundleCapWei       string `yaml:"per_bundle_cap_wei"`
	DailyCapWei           string `yaml:"daily_cap_wei"`
	MaxInflightPerBuilder int    `yaml:"max_inflight_per_builder"`
	MaxQueue              int    `yaml:"max_queue"`
}

type BuilderEntry struct {
	Name           string `yaml:"name"`
	RelayURL       string `yaml:"relay_url"`
	PaymentAddress string `yaml:"payment_address"`
	Enabled        bool   `yaml:"enabled"`
}

type SignerConfig struct {
	// PrivateKeyEnv names the environment variable holding the hex private key
	// (spec.md §6: "signer.private_key (env-indirected)"). The key itself is never
	// written to the config file.
	PrivateKeyEnv string `yaml:"private_key"`
}

type RPCConfig struct {
	EthURL string `yaml:"eth_url"`
}

// Snapshot is the validated, typed view of Config that the rest of the service
// consumes. It is immutable once built; a reload produces a new Snapshot with a new
// ID rather than mutating fields in place, so an in-flight bundle's
// Bundle.ConfigSnapshotID keeps pointing at the parameters it was accepted under.
type Snapshot struct {
	ID string

	ChainID     *big.Int
	BlocksAhead uint64
	ResubmitMax int

	Formula        payment.Formula
	K1             *big.Int
	K2             *big.Int
	Tip            *big.Int
	OperatorMaxWei *big.Int

	PerBundleCapWei *big.Int
	DailyCapWei     *big.Int

	// MaxInflightPerBuilder and MaxQueue implement spec.md §5's Backpressure bound
	// (capacity = MaxInflightPerBuilder * len(enabled builders)). Both default to 0,
	// which disables the bound — an operator opts in by setting them explicitly.
	MaxInflightPerBuilder int
	MaxQueue              int

	Builders []Builder

	EthURL string
}

// Builder is one configured relay target, resolved to an on-chain address.
type Builder struct {
	Name           string
	RelayURL       string
	PaymentAddress common.Address
	Enabled        bool
}

// Load reads and validates the YAML file at path, returning a Snapshot ready for use
// by the Pipeline Controller. The snapshot ID is derived from the file's content so
// two loads of byte-identical configuration compare equal.
func Load(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.ConfigError, "failed to read config file", err)
	}

	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, bundlerr.Wrap(bundlerr.ConfigError, "failed to parse config yaml", err)
	}

	return c.toSnapshot(snapshotID(raw))
}

func (c Config) toSnapshot(id string) (*Snapshot, error) {
	if c.Network.ChainID == 0 {
		return nil, bundlerr.New(bundlerr.ConfigError, "network.chain_id is required")
	}
	formula := payment.Formula(c.Payment.Formula)
	switch formula {
	case payment.FormulaFlat, payment.FormulaGas, payment.FormulaBaseFee:
	default:
		return nil, bundlerr.New(bundlerr.ConfigError, fmt.Sprintf("payment.formula %q is not one of flat|gas|basefee", c.Payment.Formula))
	}

	k1, err := parseDecimal("payment.k1", c.Payment.K1, true)
	if err != nil {
		return nil, err
	}
	k2, err := parseDecimal("payment.k2", c.Payment.K2, true)
	if err != nil {
		return nil, err
	}
	tip, err := parseDecimal("payment.tip", c.Payment.Tip, true)
	if err != nil {
		return nil, err
	}
	operatorMax, err := parseDecimal("payment.max_amount_wei", c.Payment.MaxAmountWei, false)
	if err != nil {
		return nil, err
	}
	perBundleCap, err := parseDecimal("limits.per_bundle_cap_wei", c.Limits.PerBundleCapWei, true)
	if err != nil {
		return nil, err
	}
	dailyCap, err := parseDecimal("limits.daily_cap_wei", c.Limits.DailyCapWei, true)
	if err != nil {
		return nil, err
	}
	if c.Limits.MaxInflightPerBuilder < 0 {
		return nil, bundlerr.New(bundlerr.ConfigError, "limits.max_inflight_per_builder must not be negative")
	}
	if c.Limits.MaxQueue < 0 {
		return nil, bundlerr.New(bundlerr.ConfigError, "limits.max_queue must not be negative")
	}

	builders := make([]Builder, 0, len(c.Builders))
	for _, be := range c.Builders {
		if !common.IsHexAddress(be.PaymentAddress) {
			return nil, bundlerr.New(bundlerr.ConfigError, fmt.Sprintf("builders[%s].payment_address %q is not a valid address", be.Name, be.PaymentAddress))
		}
		builders = append(builders, Builder{
			Name:           be.Name,
			RelayURL:       be.RelayURL,
			PaymentAddress: common.HexToAddress(be.PaymentAddress),
			Enabled:        be.Enabled,
		})
	}

	blocksAhead := c.Targets.BlocksAhead
	if blocksAhead == 0 {
		blocksAhead = 1
	}

	return &Snapshot{
		ID:              id,
		ChainID:         big.NewInt(c.Network.ChainID),
		BlocksAhead:     blocksAhead,
		ResubmitMax:     c.Targets.ResubmitMax,
		Formula:         formula,
		K1:              k1,
		K2:              k2,
		Tip:             tip,
		OperatorMaxWei:  operatorMax,
		PerBundleCapWei:       perBundleCap,
		DailyCapWei:           dailyCap,
		MaxInflightPerBuilder: c.Limits.MaxInflightPerBuilder,
		MaxQueue:              c.Limits.MaxQueue,
		Builders:              builders,
		EthURL:          c.RPC.EthURL,
	}, nil
}

func parseDecimal(field, value string, required bool) (*big.Int, error) {
	if value == "" {
		if required {
			return nil, bundlerr.New(bundlerr.ConfigError, field+" is required")
		}
		return nil, nil
	}
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, bundlerr.New(bundlerr.ConfigError, field+" is not a valid decimal integer")
	}
	if n.Sign() < 0 {
		return nil, bundlerr.New(bundlerr.ConfigError, field+" must not be negative")
	}
	return n, nil
}

// snapshotID derives a short, stable identifier for a byte slice of YAML content.
// It deliberately avoids crypto/sha256 for a config-identity tag (collision
// resistance is not a requirement here, spec.md §6 only needs bundles to be able to
// name which reload generation they were accepted under) and uses the FNV-1a hash
// the standard library ships for exactly this kind of non-adversarial tagging.
func snapshotID(raw []byte) string {
	h := fnv.New64a()
	h.Write(raw)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
