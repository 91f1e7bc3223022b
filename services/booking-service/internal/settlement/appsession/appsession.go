package appsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/rpc"
	"github.com/shopspring/decimal"
)

const (
	Protocol = "NitroRPC/0.4"
	Quorum   = 100
)

var (
	ErrInvalidAllocations = errors.New("invalid allocations")
	ErrMissingSessionID   = errors.New("missing app session id in response")
	ErrAllocationMismatch = errors.New("allocations do not conserve session totals")
)

// NewDefinition builds the two-party, equal-weight definition used for a
// deposit. The nonce must be fresh for every session.
func NewDefinition(application, payer, payee string, nonce uint64) rpc.AppDefinition {
	return rpc.AppDefinition{
		Protocol:     Protocol,
		Participants: []string{payer, payee},
		Weights:      []int{50, 50},
		Quorum:       Quorum,
		Challenge:    0,
		Nonce:        nonce,
		Application:  application,
	}
}

// Transfer returns the allocations with the full amount on from and zero on to.
func Transfer(from, to, asset, amount string) []rpc.Allocation {
	return []rpc.Allocation{
		{Participant: from, Asset: asset, Amount: amount},
		{Participant: to, Asset: asset, Amount: "0"},
	}
}

// Payout returns the final allocations in participant order, payer first,
// with the whole amount on payee.
func Payout(payer, payee, asset, amount string) []rpc.Allocation {
	return []rpc.Allocation{
		{Participant: payer, Asset: asset, Amount: "0"},
		{Participant: payee, Asset: asset, Amount: amount},
	}
}

// Session tracks an open app session so that every later state is checked
// against the totals locked at creation.
type Session struct {
	ID string

	mu          sync.Mutex
	totals      map[string]decimal.Decimal
	allocations []rpc.Allocation
	version     uint64
	closed      bool
}

// Create opens an app session. allocs must name both participants, one of them
// holding the whole deposit and the other zero.
func Create(ctx context.Context, client rpc.Caller, signer rpc.MessageSigner, def rpc.AppDefinition, allocs []rpc.Allocation) (*Session, error) {
	totals, err := validateOpening(def, allocs)
	if err != nil {
		return nil, err
	}
	req, err := rpc.NewRequest(client.NextID(), rpc.MethodCreateAppSession, rpc.CreateAppSessionParams{
		Definition:  def,
		Allocations: allocs,
	}, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	if err := req.Sign(signer); err != nil {
		return nil, err
	}
	resp, err := client.SendAndWait(ctx, req)
	if err != nil {
		return nil, err
	}
	var res rpc.AppSessionResult
	if err := resp.Decode(&res); err != nil || res.SessionID() == "" {
		return nil, ErrMissingSessionID
	}
	return &Session{
		ID:          res.SessionID(),
		totals:      totals,
		allocations: allocs,
		version:     res.Version,
	}, nil
}

func validateOpening(def rpc.AppDefinition, allocs []rpc.Allocation) (map[string]decimal.Decimal, error) {
	if len(def.Participants) != 2 || len(allocs) != 2 {
		return nil, fmt.Errorf("%w: expected two participants and two allocations", ErrInvalidAllocations)
	}
	named := map[string]bool{}
	for _, a := range allocs {
		named[strings.ToLower(a.Participant)] = true
	}
	for _, p := range def.Participants {
		if !named[strings.ToLower(p)] {
			return nil, fmt.Errorf("%w: participant %s has no allocation", ErrInvalidAllocations, p)
		}
	}
	if allocs[0].Asset != allocs[1].Asset {
		return nil, fmt.Errorf("%w: allocations use different assets", ErrInvalidAllocations)
	}
	totals, err := rpc.Totals(allocs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAllocations, err)
	}
	first, _ := decimal.NewFromString(allocs[0].Amount)
	second, _ := decimal.NewFromString(allocs[1].Amount)
	if !(first.IsPositive() && second.IsZero()) && !(first.IsZero() && second.IsPositive()) {
		return nil, fmt.Errorf("%w: one participant must hold the whole deposit", ErrInvalidAllocations)
	}
	return totals, nil
}

// Update submits a new state. The primary signer signs first, then each
// additional signer in order, all over the same request bytes.
func Update(ctx context.Context, client rpc.Caller, signer rpc.MessageSigner, additional []rpc.MessageSigner, sessionID string, allocs []rpc.Allocation) (*rpc.Response, error) {
	return sendState(ctx, client, rpc.MethodSubmitAppState, signer, additional, sessionID, allocs)
}

// Close finalizes the session with allocs.
func Close(ctx context.Context, client rpc.Caller, signer rpc.MessageSigner, additional []rpc.MessageSigner, sessionID string, allocs []rpc.Allocation) (*rpc.Response, error) {
	return sendState(ctx, client, rpc.MethodCloseAppSession, signer, additional, sessionID, allocs)
}

func sendState(ctx context.Context, client rpc.Caller, method rpc.Method, signer rpc.MessageSigner, additional []rpc.MessageSigner, sessionID string, allocs []rpc.Allocation) (*rpc.Response, error) {
	if sessionID == "" {
		return nil, ErrMissingSessionID
	}
	req, err := rpc.NewRequest(client.NextID(), method, rpc.AppStateParams{
		AppSessionID: sessionID,
		Allocations:  allocs,
	}, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	for _, s := range append([]rpc.MessageSigner{signer}, additional...) {
		if err := req.Sign(s); err != nil {
			return nil, err
		}
	}
	return client.SendAndWait(ctx, req)
}

// Update submits allocs after checking they conserve the session totals.
func (s *Session) Update(ctx context.Context, client rpc.Caller, signer rpc.MessageSigner, additional []rpc.MessageSigner, allocs []rpc.Allocation) error {
	return s.advance(ctx, client, rpc.MethodSubmitAppState, signer, additional, allocs)
}

// Close finalizes the session after checking allocs conserve the totals.
func (s *Session) Close(ctx context.Context, client rpc.Caller, signer rpc.MessageSigner, additional []rpc.MessageSigner, allocs []rpc.Allocation) error {
	return s.advance(ctx, client, rpc.MethodCloseAppSession, signer, additional, allocs)
}

func (s *Session) advance(ctx context.Context, client rpc.Caller, method rpc.Method, signer rpc.MessageSigner, additional []rpc.MessageSigner, allocs []rpc.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("app session %s is closed", s.ID)
	}
	totals, err := rpc.Totals(allocs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAllocationMismatch, err)
	}
	if !rpc.SameTotals(s.totals, totals) {
		return ErrAllocationMismatch
	}

	resp, err := sendState(ctx, client, method, signer, additional, s.ID, allocs)
	if err != nil {
		return err
	}
	var res rpc.AppSessionResult
	if err := resp.Decode(&res); err == nil && res.Version > 0 {
		s.version = res.Version
	} else {
		s.version++
	}
	s.allocations = allocs
	if method == rpc.MethodCloseAppSession {
		s.closed = true
	}
	return nil
}

// Allocations returns the last accepted allocations.
func (s *Session) Allocations() []rpc.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rpc.Allocation(nil), s.allocations...)
}

func (s *Session) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
