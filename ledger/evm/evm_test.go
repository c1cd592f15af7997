package evm

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"omniloyalty/contracts"
	"omniloyalty/ledger"
)

const factoryArtifact = `{
  "_format": "hh-sol-artifact-1",
  "contractName": "LoyaltyProgramFactory",
  "abi": [
    {"type": "constructor", "inputs": [{"name": "token", "type": "address"}], "stateMutability": "nonpayable"},
    {"type": "function", "name": "createLoyaltyProgram", "stateMutability": "nonpayable",
     "inputs": [{"name": "commerceAddress", "type": "address"}, {"name": "name", "type": "string"}, {"name": "symbol", "type": "string"}],
     "outputs": []},
    {"type": "function", "name": "addTrustedRelayer", "stateMutability": "nonpayable",
     "inputs": [{"name": "relayer", "type": "address"}], "outputs": []},
    {"type": "event", "name": "LoyaltyProgramCreated", "anonymous": false,
     "inputs": [
       {"name": "factoryAddress", "type": "address", "indexed": false},
       {"name": "loyaltyProgramAddress", "type": "address", "indexed": false},
       {"name": "commerceAddress", "type": "address", "indexed": true},
       {"name": "commerceName", "type": "string", "indexed": false},
       {"name": "timestamp", "type": "uint256", "indexed": false}
     ]}
  ],
  "bytecode": "0x6080604052",
  "deployedBytecode": "0x6080"
}`

func TestParseArtifact(t *testing.T) {
	artifact, err := ParseArtifact([]byte(factoryArtifact))
	require.NoError(t, err)
	require.Equal(t, contracts.Factory, artifact.Name)
	require.Equal(t, []byte{0x60, 0x80, 0x60, 0x40, 0x52}, artifact.Bytecode)
	require.Contains(t, artifact.ABI.Methods, contracts.MethodCreateLoyaltyProgram)
	require.Contains(t, artifact.ABI.Events, contracts.EventProgramCreated)

	_, err = ParseArtifact([]byte(`{"contractName": "Empty"}`))
	require.Error(t, err)
	_, err = ParseArtifact([]byte(`not json`))
	require.Error(t, err)
}

func TestLoadArtifactsChecksContractName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "LoyaltyProgramFactory.json")
	require.NoError(t, os.WriteFile(path, []byte(factoryArtifact), 0o600))

	loaded, err := LoadArtifacts(map[string]string{contracts.Factory: path})
	require.NoError(t, err)
	_, err = loaded.lookup(contracts.Factory)
	require.NoError(t, err)
	_, err = loaded.lookup(contracts.Token)
	require.ErrorIs(t, err, ledger.ErrUnknownContract)

	_, err = LoadArtifacts(map[string]string{contracts.Token: path})
	require.Error(t, err)
	_, err = LoadArtifacts(map[string]string{contracts.Token: filepath.Join(dir, "missing.json")})
	require.Error(t, err)
}

func TestDecodeLog(t *testing.T) {
	artifact, err := ParseArtifact([]byte(factoryArtifact))
	require.NoError(t, err)
	event := artifact.ABI.Events[contracts.EventProgramCreated]

	factory := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	program := common.HexToAddress("0xa16E02E87b7454126E5E10d957A927A7F5B5d2be")
	commerce := common.HexToAddress("0x626DB02134CB1E1a61483057a61315801809a71c")
	data, err := event.Inputs.NonIndexed().Pack(factory, program, "Norma-Comics", big.NewInt(1_700_000_000))
	require.NoError(t, err)

	txHash := crypto.Keccak256Hash([]byte("tx"))
	log := gethtypes.Log{
		Address:     factory,
		Topics:      []common.Hash{event.ID, common.BytesToHash(commerce.Bytes())},
		Data:        data,
		TxHash:      txHash,
		BlockNumber: 42,
		Index:       3,
	}
	ev, err := DecodeLog(artifact, log)
	require.NoError(t, err)
	require.Equal(t, contracts.Factory, ev.Contract)
	require.Equal(t, contracts.EventProgramCreated, ev.Name)
	require.Equal(t, factory, ev.Address)
	require.Equal(t, uint64(42), ev.BlockNumber)
	require.Equal(t, fmt.Sprintf("%s:3", txHash.Hex()), ev.ID())

	got, ok := ev.AddressField(contracts.FieldProgram)
	require.True(t, ok)
	require.Equal(t, program, got)
	got, ok = ev.AddressField(contracts.FieldCommerce)
	require.True(t, ok)
	require.Equal(t, commerce, got)
	name, ok := ev.StringField(contracts.FieldName)
	require.True(t, ok)
	require.Equal(t, "Norma-Comics", name)
	created, ok := ev.BigField(contracts.FieldCreated)
	require.True(t, ok)
	require.Equal(t, int64(1_700_000_000), created.Int64())

	_, err = DecodeLog(artifact, gethtypes.Log{Topics: []common.Hash{crypto.Keccak256Hash([]byte("Other()"))}})
	require.Error(t, err)
	_, err = DecodeLog(artifact, gethtypes.Log{})
	require.Error(t, err)
}

type dataError struct {
	msg  string
	data any
}

func (e dataError) Error() string  { return e.msg }
func (e dataError) ErrorData() any { return e.data }

func revertPayload(t *testing.T, reason string) []byte {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	return append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)
}

func TestRevertReason(t *testing.T) {
	payload := revertPayload(t, "Ownable: caller is not the owner")

	reason, ok := revertReason(dataError{msg: "execution reverted", data: hexutil.Encode(payload)})
	require.True(t, ok)
	require.Equal(t, "Ownable: caller is not the owner", reason)

	reason, ok = revertReason(fmt.Errorf("estimate gas: %w", dataError{msg: "execution reverted", data: payload}))
	require.True(t, ok)
	require.Equal(t, "Ownable: caller is not the owner", reason)

	reason, ok = revertReason(errors.New("execution reverted: factory does not own token"))
	require.True(t, ok)
	require.Equal(t, "factory does not own token", reason)

	reason, ok = revertReason(errors.New("execution reverted"))
	require.True(t, ok)
	require.Empty(t, reason)

	_, ok = revertReason(errors.New("connection refused"))
	require.False(t, ok)
}
