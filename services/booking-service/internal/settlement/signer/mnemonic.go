package signer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

const hardened = bip32.FirstHardenedChild

// DefaultPath is the first Ethereum account, m/44'/60'/0'/0/0.
var DefaultPath = []uint32{44 | hardened, 60 | hardened, 0 | hardened, 0, 0}

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// WalletFromMnemonic derives the key at DefaultPath from a BIP-39 phrase with
// an empty passphrase.
func WalletFromMnemonic(mnemonic string) (*Wallet, error) {
	return WalletFromMnemonicPath(mnemonic, DefaultPath)
}

// WalletFromMnemonicPath checks the phrase against the English word list and
// its checksum, then derives the BIP-32 key at path.
func WalletFromMnemonicPath(mnemonic string, path []uint32) (*Wallet, error) {
	phrase := strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
	seed, err := bip39.NewSeedWithErrorChecking(phrase, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}

	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	for _, index := range path {
		if key, err = key.NewChildKey(index); err != nil {
			return nil, fmt.Errorf("derive child %d: %w", index, err)
		}
	}
	priv, err := crypto.ToECDSA(common.LeftPadBytes(key.Key, 32))
	if err != nil {
		return nil, err
	}
	return NewWallet(priv), nil
}
