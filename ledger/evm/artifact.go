package evm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"omniloyalty/ledger"
)

// Artifact is a compiled contract as emitted by hardhat.
type Artifact struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
}

type hardhatArtifact struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
}

// ParseArtifact decodes a hardhat artifact. Bytecode may be empty for
// contracts that are only called, never deployed.
func ParseArtifact(data []byte) (*Artifact, error) {
	var raw hardhatArtifact
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if len(raw.ABI) == 0 {
		return nil, fmt.Errorf("artifact %q has no abi", raw.ContractName)
	}
	parsed, err := abi.JSON(bytes.NewReader(raw.ABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi of %q: %w", raw.ContractName, err)
	}
	code := strings.TrimSpace(raw.Bytecode)
	if code != "" && !strings.HasPrefix(code, "0x") {
		code = "0x" + code
	}
	return &Artifact{Name: raw.ContractName, ABI: parsed, Bytecode: common.FromHex(code)}, nil
}

// LoadArtifact reads and parses the artifact at path.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	artifact, err := ParseArtifact(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return artifact, nil
}

// Artifacts indexes artifacts by contract name.
type Artifacts map[string]*Artifact

// LoadArtifacts reads one artifact per contract name. The artifact's own
// contractName must agree with the key it is loaded under.
func LoadArtifacts(paths map[string]string) (Artifacts, error) {
	out := make(Artifacts, len(paths))
	for name, path := range paths {
		artifact, err := LoadArtifact(path)
		if err != nil {
			return nil, err
		}
		if artifact.Name != "" && artifact.Name != name {
			return nil, fmt.Errorf("artifact %s declares contract %q, want %q", path, artifact.Name, name)
		}
		artifact.Name = name
		out[name] = artifact
	}
	return out, nil
}

func (a Artifacts) lookup(name string) (*Artifact, error) {
	artifact, ok := a[name]
	if !ok {
		return nil, fmt.Errorf("%w: no artifact for %s", ledger.ErrUnknownContract, name)
	}
	return artifact, nil
}
