package rpctest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/rpc"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/signer"
	"github.com/shopspring/decimal"
)

type pendingAuth struct {
	params rpc.AuthRequestParams
}

type appSession struct {
	definition  rpc.AppDefinition
	allocations []rpc.Allocation
	totals      map[string]decimal.Decimal
	version     uint64
	closed      bool
}

// Session reports the stored state of an app session.
type Session struct {
	Allocations []rpc.Allocation
	Version     uint64
	Closed      bool
}

func (h *Handler) Session(id string) (Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return Session{}, false
	}
	return Session{
		Allocations: append([]rpc.Allocation(nil), s.allocations...),
		Version:     s.version,
		Closed:      s.closed,
	}, true
}

func (h *Handler) authRequest(c *Conn, req Request) (any, error) {
	var p rpc.AuthRequestParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid auth_request params: %w", err)
	}
	if !common.IsHexAddress(p.Address) || !common.IsHexAddress(p.SessionKey) {
		return nil, errors.New("auth_request requires address and session_key")
	}
	challenge := uuid.NewString()
	c.mu.Lock()
	c.challenges[challenge] = pendingAuth{params: p}
	c.mu.Unlock()
	return rpc.AuthChallengeResult{ChallengeMessage: challenge}, nil
}

func (h *Handler) authVerify(c *Conn, req Request) (any, error) {
	var p rpc.AuthVerifyParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid auth_verify params: %w", err)
	}
	c.mu.Lock()
	pending, ok := c.challenges[p.Challenge]
	delete(c.challenges, p.Challenge)
	c.mu.Unlock()
	if !ok {
		return nil, errors.New("unknown challenge")
	}
	if len(req.Sig) == 0 {
		return nil, errors.New("auth_verify must be signed")
	}

	allowances := make([]signer.Allowance, 0, len(pending.params.Allowances))
	for _, a := range pending.params.Allowances {
		allowances = append(allowances, signer.Allowance{Asset: a.Asset, Amount: a.Amount})
	}
	policy := signer.AuthPolicy{
		Application: pending.params.Application,
		Challenge:   p.Challenge,
		Scope:       pending.params.Scope,
		Wallet:      common.HexToAddress(pending.params.Address),
		SessionKey:  common.HexToAddress(pending.params.SessionKey),
		ExpiresAt:   pending.params.ExpiresAt,
		Allowances:  allowances,
	}
	got, err := signer.RecoverPolicy(policy, req.Sig[0])
	if err != nil {
		return nil, fmt.Errorf("invalid auth signature: %w", err)
	}
	if got != policy.Wallet {
		return nil, fmt.Errorf("auth signature from %s, expected %s", got.Hex(), policy.Wallet.Hex())
	}

	c.mu.Lock()
	c.sessionKeys[strings.ToLower(policy.SessionKey.Hex())] = strings.ToLower(policy.Wallet.Hex())
	c.mu.Unlock()
	success := true
	return rpc.AuthVerifyResult{
		Address:    policy.Wallet.Hex(),
		SessionKey: policy.SessionKey.Hex(),
		Success:    &success,
	}, nil
}

// signers maps each signature to the wallet its session key acts for.
func (c *Conn) signers(req Request) (map[string]bool, error) {
	wallets := make(map[string]bool, len(req.Sig))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sig := range req.Sig {
		key, err := signer.RecoverPayload(req.Payload, sig)
		if err != nil {
			return nil, fmt.Errorf("invalid signature: %w", err)
		}
		wallet, ok := c.sessionKeys[strings.ToLower(key.Hex())]
		if !ok {
			return nil, errUnauthorized
		}
		wallets[wallet] = true
	}
	if len(wallets) == 0 {
		return nil, errUnauthorized
	}
	return wallets, nil
}

func (h *Handler) createAppSession(c *Conn, req Request) (any, error) {
	wallets, err := c.signers(req)
	if err != nil {
		return nil, err
	}
	var p rpc.CreateAppSessionParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid create_app_session params: %w", err)
	}
	def := p.Definition
	if len(def.Participants) < 2 || len(def.Weights) != len(def.Participants) {
		return nil, errors.New("definition needs matching participants and weights")
	}
	if !wallets[strings.ToLower(def.Participants[0])] {
		return nil, errors.New("create_app_session must be signed by the first participant")
	}
	totals, err := rpc.Totals(p.Allocations)
	if err != nil {
		return nil, err
	}

	id := hexutil.Encode(crypto.Keccak256(req.Payload))
	h.mu.Lock()
	h.sessions[id] = &appSession{
		definition:  def,
		allocations: p.Allocations,
		totals:      totals,
		version:     1,
	}
	h.mu.Unlock()
	return rpc.AppSessionResult{AppSessionID: id, Status: "open", Version: 1}, nil
}

func (h *Handler) submitAppState(c *Conn, req Request) (any, error) {
	return h.advance(c, req, false)
}

func (h *Handler) closeAppSession(c *Conn, req Request) (any, error) {
	return h.advance(c, req, true)
}

func (h *Handler) advance(c *Conn, req Request, closing bool) (any, error) {
	wallets, err := c.signers(req)
	if err != nil {
		return nil, err
	}
	var p rpc.AppStateParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid %s params: %w", req.Method, err)
	}
	totals, err := rpc.Totals(p.Allocations)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[p.AppSessionID]
	if !ok {
		return nil, fmt.Errorf("app session %s not found", p.AppSessionID)
	}
	if s.closed {
		return nil, fmt.Errorf("app session %s is closed", p.AppSessionID)
	}
	weight := 0
	for i, participant := range s.definition.Participants {
		if wallets[strings.ToLower(participant)] {
			weight += s.definition.Weights[i]
		}
	}
	if weight < s.definition.Quorum {
		return nil, fmt.Errorf("quorum not reached: %d < %d", weight, s.definition.Quorum)
	}
	if !rpc.SameTotals(s.totals, totals) {
		return nil, errors.New("allocations do not conserve session totals")
	}

	s.allocations = p.Allocations
	s.version++
	status := "open"
	if closing {
		s.closed = true
		status = "closed"
	}
	return rpc.AppSessionResult{AppSessionID: p.AppSessionID, Status: status, Version: s.version}, nil
}
