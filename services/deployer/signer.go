package deployer

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
)

// Passphrase supplies the keystore passphrase on demand.
type Passphrase interface {
	Get() (string, error)
}

// LoadSigner resolves the deployer key. A configured keystore is decrypted
// with the passphrase; otherwise the hex key in cfg.KeyEnv is used.
func LoadSigner(cfg SignerConfig, passphrase Passphrase) (*ecdsa.PrivateKey, error) {
	if cfg.Keystore != "" {
		data, err := os.ReadFile(cfg.Keystore)
		if err != nil {
			return nil, fmt.Errorf("read keystore: %w", err)
		}
		if passphrase == nil {
			return nil, fmt.Errorf("keystore %s requires a passphrase", cfg.Keystore)
		}
		secret, err := passphrase.Get()
		if err != nil {
			return nil, err
		}
		key, err := keystore.DecryptKey(data, secret)
		if err != nil {
			return nil, fmt.Errorf("decrypt keystore: %w", err)
		}
		return key.PrivateKey, nil
	}
	if cfg.KeyEnv == "" {
		return nil, fmt.Errorf("no signer configured")
	}
	raw := strings.TrimSpace(os.Getenv(cfg.KeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("signer key missing: set %s or configure signer.keystore", cfg.KeyEnv)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", cfg.KeyEnv, err)
	}
	return key, nil
}
