package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/rpc"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/rpc/rpctest"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/signer"
)

const testMnemonic = "test test test test test test test test test test test junk"

func setup(t *testing.T) (*rpctest.Server, *rpc.Client, *signer.Wallet) {
	t.Helper()
	srv := rpctest.NewServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := rpc.Dial(ctx, srv.URL, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	wallet, err := signer.WalletFromMnemonic(testMnemonic)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	return srv, client, wallet
}

func testParams() Params {
	return Params{
		Application:     "noflake",
		AllowanceAsset:  "ytest.usd",
		AllowanceAmount: "1000000000",
		Scope:           "flake.booking.b-1",
		ExpiresAt:       time.Now().Add(time.Hour),
	}
}

func TestAuthenticate(t *testing.T) {
	srv, client, wallet := setup(t)
	ctx := context.Background()

	session, err := Authenticate(ctx, client, wallet, testParams())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if session.Address() == wallet.Address() {
		t.Fatal("session signer must not be the wallet key")
	}

	reqs := srv.Requests()
	if len(reqs) != 2 || reqs[0].Method != rpc.MethodAuthRequest || reqs[1].Method != rpc.MethodAuthVerify {
		t.Fatalf("unexpected request sequence: %+v", reqs)
	}
	if len(reqs[0].Sig) != 0 {
		t.Fatalf("auth_request must be unsigned, got %d signatures", len(reqs[0].Sig))
	}
	var params rpc.AuthRequestParams
	if err := json.Unmarshal(reqs[0].Params, &params); err != nil {
		t.Fatalf("decode auth_request: %v", err)
	}
	if !strings.EqualFold(params.Address, wallet.Address().Hex()) || !strings.EqualFold(params.SessionKey, session.Address().Hex()) {
		t.Fatalf("unexpected auth_request addresses: %+v", params)
	}
	if params.Scope != "flake.booking.b-1" || len(params.Allowances) != 1 || params.Allowances[0].Amount != "1000000000" {
		t.Fatalf("unexpected auth_request params: %+v", params)
	}

	// The clearnode now accepts requests signed by the session key.
	req, err := rpc.NewRequest(client.NextID(), rpc.MethodCreateAppSession, rpc.CreateAppSessionParams{
		Definition: rpc.AppDefinition{
			Protocol:     "NitroRPC/0.4",
			Participants: []string{wallet.Address().Hex(), "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"},
			Weights:      []int{50, 50},
			Quorum:       100,
			Nonce:        1,
		},
		Allocations: []rpc.Allocation{{Participant: wallet.Address().Hex(), Asset: "ytest.usd", Amount: "1"}},
	}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := req.Sign(session); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := client.SendAndWait(ctx, req); err != nil {
		t.Fatalf("session-signed request rejected: %v", err)
	}
}

func TestAuthenticate_MissingChallenge(t *testing.T) {
	srv, client, wallet := setup(t)
	srv.Handle(rpc.MethodAuthRequest, func(_ *rpctest.Conn, _ rpctest.Request) (any, error) {
		return map[string]string{"unexpected": "shape"}, nil
	})
	_, err := Authenticate(context.Background(), client, wallet, testParams())
	if !errors.Is(err, ErrMissingChallenge) {
		t.Fatalf("expected ErrMissingChallenge, got %v", err)
	}
}

func TestAuthenticate_Rejected(t *testing.T) {
	srv, client, wallet := setup(t)
	srv.Handle(rpc.MethodAuthVerify, func(_ *rpctest.Conn, _ rpctest.Request) (any, error) {
		return map[string]bool{"success": false}, nil
	})
	_, err := Authenticate(context.Background(), client, wallet, testParams())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestAuthenticate_ServerError(t *testing.T) {
	srv, client, wallet := setup(t)
	srv.Handle(rpc.MethodAuthVerify, func(_ *rpctest.Conn, _ rpctest.Request) (any, error) {
		return nil, errors.New("invalid signature")
	})
	_, err := Authenticate(context.Background(), client, wallet, testParams())
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Message != "invalid signature" {
		t.Fatalf("expected rpc error, got %v", err)
	}
}
