package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SessionSigner signs request payloads with an ephemeral secp256k1 key:
// keccak256 of the payload bytes, 65-byte r||s||v with v in {27,28}.
type SessionSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSessionKey generates a fresh session key.
func NewSessionKey() (*SessionSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return NewSessionSigner(key), nil
}

func NewSessionSigner(key *ecdsa.PrivateKey) *SessionSigner {
	return &SessionSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *SessionSigner) Address() common.Address {
	return s.address
}

func (s *SessionSigner) SignPayload(payload []byte) (string, error) {
	return signHash(crypto.Keccak256(payload), s.key)
}

// RecoverPayload returns the address that produced sig over payload.
func RecoverPayload(payload []byte, sig string) (common.Address, error) {
	return recoverHash(crypto.Keccak256(payload), sig)
}

// Wallet is a long-lived account key. It only signs the EIP-712 auth policy;
// session traffic is signed by a SessionSigner.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewWallet(key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// WalletFromHex parses a hex private key, with or without 0x.
func WalletFromHex(raw string) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewWallet(key), nil
}

func (w *Wallet) Address() common.Address {
	return w.address
}

func (w *Wallet) PrivateKey() *ecdsa.PrivateKey {
	return w.key
}

func signHash(hash []byte, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

var errBadSignature = errors.New("signature must be 65 bytes")

func recoverHash(hash []byte, sig string) (common.Address, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != crypto.SignatureLength {
		return common.Address{}, errBadSignature
	}
	if raw[crypto.RecoveryIDOffset] >= 27 {
		raw[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, raw)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
