package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/md-rashed-zaman/noflake/libs/config"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/custody"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/signer"
)

// newSettler builds the settlement runner from the environment. It returns a
// nil Settler when no clearnode is configured. Once a clearnode is set the
// custody withdraw settings are required too.
func newSettler(ctx context.Context, logger *slog.Logger) (booking.Settler, error) {
	cfg, err := settlement.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.ClearnodeURL == "" {
		logger.Warn("settlement disabled (CLEARNODE_WS_URL not set)")
		return nil, nil
	}

	payer, err := walletFromEnv("WALLET_1_SEED_PHRASE")
	if err != nil {
		return nil, err
	}
	payee, err := walletFromEnv("WALLET_2_SEED_PHRASE")
	if err != nil {
		return nil, err
	}

	withdrawer, err := custodyFromEnv(ctx, logger)
	if err != nil {
		return nil, err
	}

	runner, err := settlement.NewRunner(cfg, payer, payee, withdrawer, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("settlement enabled",
		"clearnode", cfg.ClearnodeURL,
		"payer", payer.Address().Hex(),
		"payee", payee.Address().Hex(),
		"asset", cfg.Asset,
	)
	return runner, nil
}

func walletFromEnv(key string) (*signer.Wallet, error) {
	phrase, err := config.RequiredString(key)
	if err != nil {
		return nil, err
	}
	w, err := signer.WalletFromMnemonic(phrase)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return w, nil
}

func custodyFromEnv(ctx context.Context, logger *slog.Logger) (*custody.Client, error) {
	rpcURL, err := config.RequiredString("RPC_URL")
	if err != nil {
		return nil, err
	}
	rawKey, err := config.RequiredString("PRIVATE_KEY")
	if err != nil {
		return nil, err
	}
	key, err := signer.WalletFromHex(rawKey)
	if err != nil {
		return nil, fmt.Errorf("PRIVATE_KEY: %w", err)
	}
	cfg := custody.Config{
		RPCURL:    rpcURL,
		Custody:   custody.SepoliaCustody,
		WaitMined: config.Bool("CUSTODY_WAIT_MINED", false),
	}
	if raw := config.String("CUSTODY_ADDRESS", ""); raw != "" {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("CUSTODY_ADDRESS must be a hex address (got %q)", raw)
		}
		cfg.Custody = common.HexToAddress(raw)
	}
	if raw := config.String("CHAIN_ID", ""); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("CHAIN_ID must be a positive integer (got %q)", raw)
		}
		cfg.ChainID = big.NewInt(id)
	}
	client, err := custody.Dial(ctx, cfg, key.PrivateKey())
	if err != nil {
		return nil, err
	}
	logger.Info("custody withdraw enabled", "custody", cfg.Custody.Hex(), "signer", key.Address().Hex())
	return client, nil
}
