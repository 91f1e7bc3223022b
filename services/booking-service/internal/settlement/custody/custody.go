package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Sepolia deployment used by the settlement network.
var (
	SepoliaCustody     = common.HexToAddress("0x019B65A265EB3363822f2752141b3dF16131b262")
	SepoliaAdjudicator = common.HexToAddress("0x7c7ccbc98469190849BCC6c926307794fDfB11F2")
	SepoliaTestUSD     = common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
	SepoliaChainID     = big.NewInt(11155111)
)

const withdrawABI = `[{
	"type": "function",
	"name": "withdraw",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "token", "type": "address"},
		{"name": "amount", "type": "uint256"}
	],
	"outputs": []
}]`

var ErrReverted = errors.New("withdraw transaction reverted")

// Client calls withdraw on the custody contract.
type Client struct {
	contract  *bind.BoundContract
	backend   bind.DeployBackend
	opts      bind.TransactOpts
	waitMined bool
}

type Config struct {
	RPCURL  string
	Custody common.Address
	// ChainID is read from the node when nil.
	ChainID *big.Int
	// WaitMined makes Withdraw wait for the receipt and fail on revert.
	WaitMined bool
}

func Dial(ctx context.Context, cfg Config, key *ecdsa.PrivateKey) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	chainID := cfg.ChainID
	if chainID == nil {
		if chainID, err = ec.ChainID(ctx); err != nil {
			ec.Close()
			return nil, fmt.Errorf("read chain id: %w", err)
		}
	}
	return New(ec, ec, cfg.Custody, key, chainID, cfg.WaitMined)
}

func New(backend bind.ContractBackend, deploy bind.DeployBackend, custody common.Address, key *ecdsa.PrivateKey, chainID *big.Int, waitMined bool) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(withdrawABI))
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, err
	}
	return &Client{
		contract:  bind.NewBoundContract(custody, parsed, backend, backend, backend),
		backend:   deploy,
		opts:      *opts,
		waitMined: waitMined,
	}, nil
}

// Withdraw sends withdraw(token, amount) and returns the transaction hash.
func (c *Client) Withdraw(ctx context.Context, token common.Address, amount *big.Int) (string, error) {
	opts := c.opts
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, "withdraw", token, amount)
	if err != nil {
		return "", fmt.Errorf("withdraw: %w", err)
	}
	if !c.waitMined || c.backend == nil {
		return tx.Hash().Hex(), nil
	}
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return tx.Hash().Hex(), fmt.Errorf("wait for withdraw %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash().Hex(), fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}
