package deployer

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"omniloyalty/orchestration"
)

// Amount units accepted by a plan entry.
const (
	UnitEther = "ether"
	UnitWei   = "wei"
)

const etherDecimals = 18

// PlanEntry is one program in a plan file.
type PlanEntry struct {
	Commerce        string `yaml:"commerce" toml:"commerce"`
	Name            string `yaml:"name" toml:"name"`
	Symbol          string `yaml:"symbol" toml:"symbol"`
	RegisterRelayer bool   `yaml:"register_relayer" toml:"register_relayer"`
	Mint            string `yaml:"mint" toml:"mint"`
	MintUnit        string `yaml:"mint_unit" toml:"mint_unit"`
}

type planFile struct {
	Programs []PlanEntry `yaml:"programs" toml:"programs"`
}

// LoadPlan reads a TOML or YAML plan, chosen by file extension.
func LoadPlan(path string) ([]PlanEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var plan planFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(data), &plan)
		if err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("decode plan: unknown key %s", undecoded[0])
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
	default:
		return nil, fmt.Errorf("plan %s: unsupported extension, want .toml, .yaml or .yml", path)
	}
	if len(plan.Programs) == 0 {
		return nil, fmt.Errorf("plan %s lists no programs", path)
	}
	return plan.Programs, nil
}

// BuildSpecs converts plan entries into program specs.
func BuildSpecs(entries []PlanEntry) ([]orchestration.ProgramSpec, error) {
	specs := make([]orchestration.ProgramSpec, 0, len(entries))
	for i, entry := range entries {
		spec, err := entry.Spec()
		if err != nil {
			return nil, fmt.Errorf("program %d (%s): %w", i, entry.Name, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Spec validates the entry and converts it into a program spec.
func (e PlanEntry) Spec() (orchestration.ProgramSpec, error) {
	commerce := strings.TrimSpace(e.Commerce)
	if !common.IsHexAddress(commerce) {
		return orchestration.ProgramSpec{}, fmt.Errorf("invalid commerce address %q", e.Commerce)
	}
	spec := orchestration.ProgramSpec{
		Commerce:        common.HexToAddress(commerce),
		Name:            strings.TrimSpace(e.Name),
		Symbol:          strings.TrimSpace(e.Symbol),
		RegisterRelayer: e.RegisterRelayer,
	}
	if strings.TrimSpace(e.Mint) != "" {
		amount, err := ParseAmount(e.Mint, e.MintUnit)
		if err != nil {
			return orchestration.ProgramSpec{}, fmt.Errorf("mint: %w", err)
		}
		spec.Mint = amount
	}
	if err := spec.Validate(); err != nil {
		return orchestration.ProgramSpec{}, err
	}
	return spec, nil
}

// ParseAmount parses a non-negative decimal amount into base units. The ether
// unit (the default) accepts up to 18 fractional digits; wei must be whole.
// The result must fit in 256 bits.
func ParseAmount(raw, unit string) (*big.Int, error) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), "_", "")
	unit = strings.ToLower(strings.TrimSpace(unit))
	if unit == "" {
		unit = UnitEther
	}
	whole, frac, hasFrac := strings.Cut(raw, ".")
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("amount %q is empty", raw)
	}
	if !digitsOnly(whole) || !digitsOnly(frac) || (hasFrac && frac == "") {
		return nil, fmt.Errorf("amount %q is not a non-negative decimal", raw)
	}
	var digits string
	switch unit {
	case UnitWei:
		if hasFrac {
			return nil, fmt.Errorf("wei amount %q must be a whole number", raw)
		}
		digits = whole
	case UnitEther:
		if len(frac) > etherDecimals {
			return nil, fmt.Errorf("amount %q has more than %d decimals", raw, etherDecimals)
		}
		digits = whole + frac + strings.Repeat("0", etherDecimals-len(frac))
	default:
		return nil, fmt.Errorf("unknown unit %q, want %s or %s", unit, UnitEther, UnitWei)
	}
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		digits = "0"
	}
	value, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", raw, err)
	}
	return value.ToBig(), nil
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
