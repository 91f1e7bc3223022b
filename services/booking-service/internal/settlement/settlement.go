package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/md-rashed-zaman/noflake/libs/config"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/appsession"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/custody"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/handshake"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/rpc"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/signer"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TokenDecimals is the precision of the settlement token.
const TokenDecimals = 6

var (
	ErrInvalidAmount = errors.New("invalid deposit amount")
	ErrNoCustody     = errors.New("no custody client configured")
)

// Result identifies what a settlement produced. SessionID may be set even
// when Settle fails after the session was opened.
type Result struct {
	SessionID string
	TxHash    string
}

// ToBaseUnits converts a decimal token amount to integer base units,
// dropping any precision beyond TokenDecimals.
func ToBaseUnits(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, amount)
	}
	return d.Shift(TokenDecimals).Truncate(0).BigInt(), nil
}

type Config struct {
	ClearnodeURL    string
	Application     string
	Asset           string
	AllowanceAmount string
	ScopePrefix     string
	SessionTTL      time.Duration
	RPCTimeout      time.Duration
	Token           common.Address
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		ClearnodeURL:    config.String("CLEARNODE_WS_URL", ""),
		Application:     config.String("APP_NAME", "noflake"),
		Asset:           config.String("SETTLEMENT_ASSET", "ytest.usd"),
		AllowanceAmount: config.String("SETTLEMENT_ALLOWANCE", "1000000000"),
		ScopePrefix:     config.String("SETTLEMENT_SCOPE_PREFIX", "flake.booking"),
		Token:           custody.SepoliaTestUSD,
	}
	var err error
	if cfg.SessionTTL, err = config.Duration("SETTLEMENT_SESSION_TTL", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.RPCTimeout, err = config.Duration("SETTLEMENT_RPC_TIMEOUT", rpc.DefaultTimeout); err != nil {
		return Config{}, err
	}
	if raw := config.String("SETTLEMENT_TOKEN_ADDRESS", ""); raw != "" {
		if !common.IsHexAddress(raw) {
			return Config{}, fmt.Errorf("SETTLEMENT_TOKEN_ADDRESS must be a hex address (got %q)", raw)
		}
		cfg.Token = common.HexToAddress(raw)
	}
	return cfg, nil
}

// Withdrawer pulls settled funds out of the custody contract.
type Withdrawer interface {
	Withdraw(ctx context.Context, token common.Address, amount *big.Int) (string, error)
}

// Runner settles one booking deposit per call: authenticate both wallets,
// open a session with the payer holding the deposit, move it to the payee,
// close, then withdraw on chain.
type Runner struct {
	cfg      Config
	payer    *signer.Wallet
	payee    *signer.Wallet
	withdraw Withdrawer
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewRunner builds a Runner. With a nil Withdrawer every settlement fails at
// the withdraw step, after the app session has been closed.
func NewRunner(cfg Config, payer, payee *signer.Wallet, w Withdrawer, logger *slog.Logger) (*Runner, error) {
	if cfg.ClearnodeURL == "" {
		return nil, errors.New("clearnode url is required")
	}
	if payer == nil || payee == nil {
		return nil, errors.New("payer and payee wallets are required")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = rpc.DefaultTimeout
	}
	if cfg.ScopePrefix == "" {
		cfg.ScopePrefix = "flake.booking"
	}
	return &Runner{
		cfg:      cfg,
		payer:    payer,
		payee:    payee,
		withdraw: w,
		logger:   logger,
		tracer:   otel.Tracer("settlement"),
	}, nil
}

func (r *Runner) Settle(ctx context.Context, bookingID, depositAmount string) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "settlement.settle", trace.WithAttributes(
		attribute.String("booking.id", bookingID),
		attribute.String("deposit.amount", depositAmount),
	))
	defer span.End()

	res, err := r.settle(ctx, bookingID, depositAmount)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.String("settlement.session_id", res.SessionID))
	return res, nil
}

func (r *Runner) settle(ctx context.Context, bookingID, depositAmount string) (Result, error) {
	var res Result
	amount, err := ToBaseUnits(depositAmount)
	if err != nil {
		return res, err
	}
	logger := r.logger.With("booking_id", bookingID)

	var client *rpc.Client
	err = r.step(ctx, "connect", func(ctx context.Context) error {
		client, err = rpc.Dial(ctx, r.cfg.ClearnodeURL, logger, rpc.WithTimeout(r.cfg.RPCTimeout))
		return err
	})
	if err != nil {
		return res, err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Debug("close clearnode connection", "err", err)
		}
	}()

	params := handshake.Params{
		Application:     r.cfg.Application,
		AllowanceAsset:  r.cfg.Asset,
		AllowanceAmount: r.cfg.AllowanceAmount,
		Scope:           r.cfg.ScopePrefix + "." + bookingID,
		ExpiresAt:       time.Now().Add(r.cfg.SessionTTL),
	}
	var payerKey, payeeKey *signer.SessionSigner
	err = r.step(ctx, "authenticate payer", func(ctx context.Context) error {
		payerKey, err = handshake.Authenticate(ctx, client, r.payer, params)
		return err
	})
	if err != nil {
		return res, err
	}
	err = r.step(ctx, "authenticate payee", func(ctx context.Context) error {
		payeeKey, err = handshake.Authenticate(ctx, client, r.payee, params)
		return err
	})
	if err != nil {
		return res, err
	}

	payer, payee := r.payer.Address().Hex(), r.payee.Address().Hex()
	def := appsession.NewDefinition(r.cfg.Application, payer, payee, uint64(time.Now().UnixMilli()))
	var session *appsession.Session
	err = r.step(ctx, "create app session", func(ctx context.Context) error {
		session, err = appsession.Create(ctx, client, payerKey, def, appsession.Transfer(payer, payee, r.cfg.Asset, depositAmount))
		return err
	})
	if err != nil {
		return res, err
	}
	res.SessionID = session.ID
	logger.Info("app session created", "session_id", session.ID)

	settled := appsession.Payout(payer, payee, r.cfg.Asset, depositAmount)
	cosigners := []rpc.MessageSigner{payeeKey}
	if err := r.step(ctx, "submit app state", func(ctx context.Context) error {
		return session.Update(ctx, client, payerKey, cosigners, settled)
	}); err != nil {
		return res, err
	}
	if err := r.step(ctx, "close app session", func(ctx context.Context) error {
		return session.Close(ctx, client, payerKey, cosigners, settled)
	}); err != nil {
		return res, err
	}

	err = r.step(ctx, "withdraw", func(ctx context.Context) error {
		if r.withdraw == nil {
			return ErrNoCustody
		}
		res.TxHash, err = r.withdraw.Withdraw(ctx, r.cfg.Token, amount)
		return err
	})
	if err != nil {
		return res, err
	}
	logger.Info("deposit withdrawn", "session_id", res.SessionID, "tx_hash", res.TxHash)
	return res, nil
}

// step runs fn in a child span and wraps its error with the step name.
func (r *Runner) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "settlement."+strings.ReplaceAll(name, " ", "_"))
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
