package handshake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/rpc"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/signer"
)

var (
	ErrMissingChallenge = errors.New("missing auth challenge message")
	ErrRejected         = errors.New("auth verification rejected")
)

type Params struct {
	Application     string
	AllowanceAsset  string
	AllowanceAmount string
	Scope           string
	ExpiresAt       time.Time
}

// Authenticate authorizes a fresh session key for wallet. The wallet key signs
// only the EIP-712 policy; everything after uses the returned session signer.
func Authenticate(ctx context.Context, client rpc.Caller, wallet *signer.Wallet, p Params) (*signer.SessionSigner, error) {
	if strings.TrimSpace(p.Application) == "" {
		return nil, errors.New("application name is required")
	}
	session, err := signer.NewSessionKey()
	if err != nil {
		return nil, err
	}
	expiresAt := uint64(p.ExpiresAt.Unix())
	allowances := []rpc.Allowance{{Asset: p.AllowanceAsset, Amount: p.AllowanceAmount}}

	authReq, err := rpc.NewRequest(client.NextID(), rpc.MethodAuthRequest, rpc.AuthRequestParams{
		Address:     wallet.Address().Hex(),
		SessionKey:  session.Address().Hex(),
		Application: p.Application,
		Allowances:  allowances,
		ExpiresAt:   expiresAt,
		Scope:       p.Scope,
	}, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	resp, err := client.SendAndWait(ctx, authReq)
	if err != nil {
		return nil, fmt.Errorf("auth request: %w", err)
	}
	var challenge rpc.AuthChallengeResult
	if err := resp.Decode(&challenge); err != nil || challenge.ChallengeMessage == "" {
		return nil, ErrMissingChallenge
	}

	sig, err := wallet.SignPolicy(signer.AuthPolicy{
		Application: p.Application,
		Challenge:   challenge.ChallengeMessage,
		Scope:       p.Scope,
		Wallet:      wallet.Address(),
		SessionKey:  session.Address(),
		ExpiresAt:   expiresAt,
		Allowances:  []signer.Allowance{{Asset: p.AllowanceAsset, Amount: p.AllowanceAmount}},
	})
	if err != nil {
		return nil, err
	}
	verifyReq, err := rpc.NewRequest(client.NextID(), rpc.MethodAuthVerify, rpc.AuthVerifyParams{
		Challenge: challenge.ChallengeMessage,
	}, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	verifyReq.AddSignature(sig)

	resp, err = client.SendAndWait(ctx, verifyReq)
	if err != nil {
		return nil, fmt.Errorf("auth verify: %w", err)
	}
	var ack rpc.AuthVerifyResult
	if err := resp.Decode(&ack); err != nil {
		return nil, fmt.Errorf("auth verify: %w", err)
	}
	if ack.Success != nil && !*ack.Success {
		return nil, ErrRejected
	}
	return session, nil
}
