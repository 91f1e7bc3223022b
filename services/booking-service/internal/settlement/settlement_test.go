package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/rpc"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/rpc/rpctest"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/signer"
)

const testMnemonic = "test test test test test test test test test test test junk"

func TestToBaseUnits(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "5.5", want: 5_500_000},
		{in: "5.00", want: 5_000_000},
		{in: "0", want: 0},
		{in: "0.0000019", want: 1},
		{in: " 12 ", want: 12_000_000},
		{in: "-1", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ToBaseUnits(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidAmount) {
				t.Fatalf("%q: expected ErrInvalidAmount, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Fatalf("%q: got %s, want %d", tc.in, got, tc.want)
		}
	}
}

type fakeWithdrawer struct {
	token  common.Address
	amount *big.Int
	err    error
}

func (f *fakeWithdrawer) Withdraw(_ context.Context, token common.Address, amount *big.Int) (string, error) {
	f.token, f.amount = token, amount
	if f.err != nil {
		return "", f.err
	}
	return "0xabc", nil
}

func wallets(t *testing.T) (*signer.Wallet, *signer.Wallet) {
	t.Helper()
	payer, err := signer.WalletFromMnemonic(testMnemonic)
	if err != nil {
		t.Fatalf("payer: %v", err)
	}
	path := append([]uint32(nil), signer.DefaultPath...)
	path[len(path)-1] = 1
	payee, err := signer.WalletFromMnemonicPath(testMnemonic, path)
	if err != nil {
		t.Fatalf("payee: %v", err)
	}
	return payer, payee
}

func newRunner(t *testing.T, url string, w Withdrawer) *Runner {
	t.Helper()
	payer, payee := wallets(t)
	r, err := NewRunner(Config{
		ClearnodeURL:    url,
		Application:     "noflake",
		Asset:           "ytest.usd",
		AllowanceAmount: "1000000000",
		ScopePrefix:     "flake.booking",
		RPCTimeout:      5 * time.Second,
		Token:           common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"),
	}, payer, payee, w, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	return r
}

func TestRunner_SettlesDepositToPayee(t *testing.T) {
	srv := rpctest.NewServer(t)
	w := &fakeWithdrawer{}
	r := newRunner(t, srv.URL, w)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := r.Settle(ctx, "b-1", "5.50")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.SessionID == "" || res.TxHash != "0xabc" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if w.amount == nil || w.amount.Cmp(big.NewInt(5_500_000)) != 0 {
		t.Fatalf("withdrew %v", w.amount)
	}

	state, ok := srv.Session(res.SessionID)
	if !ok || !state.Closed {
		t.Fatalf("session not closed: %+v", state)
	}
	payer, payee := wallets(t)
	if len(state.Allocations) != 2 ||
		state.Allocations[0].Participant != payer.Address().Hex() || state.Allocations[0].Amount != "0" ||
		state.Allocations[1].Participant != payee.Address().Hex() || state.Allocations[1].Amount != "5.50" {
		t.Fatalf("unexpected final allocations %+v", state.Allocations)
	}

	var methods []rpc.Method
	for _, req := range srv.Requests() {
		methods = append(methods, req.Method)
	}
	want := []rpc.Method{
		rpc.MethodAuthRequest, rpc.MethodAuthVerify,
		rpc.MethodAuthRequest, rpc.MethodAuthVerify,
		rpc.MethodCreateAppSession, rpc.MethodSubmitAppState, rpc.MethodCloseAppSession,
	}
	if len(methods) != len(want) {
		t.Fatalf("methods %v, want %v", methods, want)
	}
	for i := range want {
		if methods[i] != want[i] {
			t.Fatalf("methods %v, want %v", methods, want)
		}
	}
}

func TestRunner_WrapsFailingStep(t *testing.T) {
	srv := rpctest.NewServer(t)
	srv.Handle(rpc.MethodSubmitAppState, func(*rpctest.Conn, rpctest.Request) (any, error) {
		return nil, errors.New("state rejected")
	})
	r := newRunner(t, srv.URL, &fakeWithdrawer{})

	res, err := r.Settle(context.Background(), "b-2", "5")
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected rpc error, got %v", err)
	}
	if got := err.Error(); !strings.HasPrefix(got, "submit app state: ") {
		t.Fatalf("error not wrapped with step: %q", got)
	}
	if res.SessionID == "" {
		t.Fatal("expected session id on partial failure")
	}
}

func TestRunner_WithdrawFailure(t *testing.T) {
	srv := rpctest.NewServer(t)
	boom := errors.New("out of gas")
	r := newRunner(t, srv.URL, &fakeWithdrawer{err: boom})

	_, err := r.Settle(context.Background(), "b-3", "1.25")
	if !errors.Is(err, boom) {
		t.Fatalf("expected withdraw error, got %v", err)
	}
}

func TestRunner_FailsWithoutCustody(t *testing.T) {
	srv := rpctest.NewServer(t)
	r := newRunner(t, srv.URL, nil)

	res, err := r.Settle(context.Background(), "b-5", "5.50")
	if !errors.Is(err, ErrNoCustody) {
		t.Fatalf("expected ErrNoCustody, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "withdraw: ") {
		t.Fatalf("error not wrapped with step: %q", err.Error())
	}
	if res.TxHash != "" {
		t.Fatalf("unexpected tx hash %q", res.TxHash)
	}
	if state, ok := srv.Session(res.SessionID); !ok || !state.Closed {
		t.Fatalf("expected closed session before the withdraw step, got %+v", state)
	}
}

func TestRunner_RejectsBadAmountBeforeDialing(t *testing.T) {
	r := newRunner(t, "ws://127.0.0.1:1/unused", nil)
	if _, err := r.Settle(context.Background(), "b-4", "-3"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestNewRunner_RequiresURL(t *testing.T) {
	payer, payee := wallets(t)
	if _, err := NewRunner(Config{}, payer, payee, nil, slog.Default()); err == nil {
		t.Fatal("expected error without clearnode url")
	}
}
