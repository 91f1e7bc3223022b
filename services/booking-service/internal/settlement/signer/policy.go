package signer

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

type Allowance struct {
	Asset  string
	Amount string
}

// AuthPolicy is the EIP-712 message a wallet signs to authorize a session
// key during auth_verify.
type AuthPolicy struct {
	Application string
	Challenge   string
	Scope       string
	Wallet      common.Address
	SessionKey  common.Address
	ExpiresAt   uint64
	Allowances  []Allowance
}

func (p AuthPolicy) TypedData() apitypes.TypedData {
	allowances := make([]interface{}, 0, len(p.Allowances))
	for _, a := range p.Allowances {
		allowances = append(allowances, map[string]interface{}{
			"asset":  a.Asset,
			"amount": a.Amount,
		})
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
			},
			"Policy": {
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "session_key", Type: "address"},
				{Name: "expires_at", Type: "uint64"},
				{Name: "allowances", Type: "Allowance[]"},
			},
			"Allowance": {
				{Name: "asset", Type: "string"},
				{Name: "amount", Type: "string"},
			},
		},
		PrimaryType: "Policy",
		Domain:      apitypes.TypedDataDomain{Name: p.Application},
		Message: apitypes.TypedDataMessage{
			"challenge":   p.Challenge,
			"scope":       p.Scope,
			"wallet":      p.Wallet.Hex(),
			"session_key": p.SessionKey.Hex(),
			"expires_at":  strconv.FormatUint(p.ExpiresAt, 10),
			"allowances":  allowances,
		},
	}
}

func (p AuthPolicy) Hash() ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(p.TypedData())
	if err != nil {
		return nil, fmt.Errorf("hash auth policy: %w", err)
	}
	return hash, nil
}

// SignPolicy signs the policy's EIP-712 hash with the wallet key.
func (w *Wallet) SignPolicy(p AuthPolicy) (string, error) {
	hash, err := p.Hash()
	if err != nil {
		return "", err
	}
	return signHash(hash, w.key)
}

// RecoverPolicy returns the address that signed the policy.
func RecoverPolicy(p AuthPolicy, sig string) (common.Address, error) {
	hash, err := p.Hash()
	if err != nil {
		return common.Address{}, err
	}
	return recoverHash(hash, sig)
}
