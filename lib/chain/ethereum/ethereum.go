// Implements the adapter for ethereum networks.
package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/tarancss/hd"

	"github.com/celora/custody/lib/chain/types"
	"github.com/celora/custody/lib/store"
)

// scanBlocks is how many blocks back from the tip Transactions will scan. Ethereum nodes keep no per-address
// history, so anything older must come from the service's transaction cache.
const scanBlocks = 8

// Ethereum implements key handling and endpoint clients for ethereum-type chains.
type Ethereum struct{}

// New returns an Ethereum adapter.
func New() *Ethereum {
	return &Ethereum{}
}

// Blockchain returns the adapter's blockchain name.
func (e *Ethereum) Blockchain() string {
	return "ethereum"
}

// DefaultPath returns the BIP-44 path for the given address index.
func (e *Ethereum) DefaultPath(index uint32) string {
	return fmt.Sprintf("m/44'/60'/0'/0/%d", index)
}

// DeriveKeypair derives the secp256k1 keypair at path from a BIP-39 seed. The path must be a five level BIP-44
// path with coin type 60.
func (e *Ethereum) DeriveKeypair(seed []byte, path string) (types.Keypair, error) {
	idx, err := types.ParsePath(path)
	if err != nil {
		return types.Keypair{}, err
	}

	if len(idx) != 5 || idx[0] != 44|types.Hardened || idx[1] != 60|types.Hardened ||
		idx[2] < types.Hardened || idx[3] >= types.Hardened || idx[4] >= types.Hardened {
		return types.Keypair{}, types.ErrInvalidPath
	}

	change := hd.External

	switch idx[3] {
	case 0:
	case 1:
		change = hd.Change
	default:
		return types.Keypair{}, types.ErrInvalidPath
	}

	hdw, err := hd.Init(seed)
	if err != nil {
		return types.Keypair{}, err
	}

	_, key, _, err := hdw.Address(idx[2]&^types.Hardened, change, idx[4])
	if err != nil {
		return types.Keypair{}, err
	}

	priv, err := crypto.ToECDSA(key)
	if err != nil {
		return types.Keypair{}, types.ErrInvalidKey
	}

	return types.Keypair{
		Public:  crypto.FromECDSAPub(&priv.PublicKey),
		Private: key,
		Address: crypto.PubkeyToAddress(priv.PublicKey).Hex(),
	}, nil
}

// KeypairFromPrivate parses a hex encoded 32-byte secp256k1 private key, with or without a 0x prefix.
func (e *Ethereum) KeypairFromPrivate(priv string) (types.Keypair, error) {
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(priv, "0x"))
	if err != nil {
		return types.Keypair{}, types.ErrInvalidKey
	}

	return types.Keypair{
		Public:  crypto.FromECDSAPub(&pk.PublicKey),
		Private: crypto.FromECDSA(pk),
		Address: crypto.PubkeyToAddress(pk.PublicKey).Hex(),
	}, nil
}

// Client opens a query connection to the JSON-RPC endpoint at url.
func (e *Ethereum) Client(url string) (types.Client, error) {
	c, err := ethclient.Dial(url)
	if err != nil {
		return nil, types.ErrNoConn
	}

	return &Client{c: c}, nil
}

// Client is a connection to an ethereum JSON-RPC endpoint.
type Client struct {
	c *ethclient.Client
}

// Health checks the endpoint answers a block number query.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.c.BlockNumber(ctx)

	return err
}

// Balance returns the account balance in wei at the latest block.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, types.ErrInvalidAddress
	}

	return c.c.BalanceAt(ctx, common.HexToAddress(address), nil)
}

// Transactions scans the most recent blocks for transactions involving the address, newest first.
func (c *Client) Transactions(ctx context.Context, address string, limit int) ([]store.Transaction, error) {
	if !common.IsHexAddress(address) {
		return nil, types.ErrInvalidAddress
	}

	addr := common.HexToAddress(address)

	tip, err := c.c.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	txs := []store.Transaction{}

	for n := tip; n != 0 && n+scanBlocks > tip && (limit <= 0 || len(txs) < limit); n-- {
		blk, err := c.c.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return nil, err
		}

		for _, tx := range blk.Transactions() {
			from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx)
			if err != nil {
				continue
			}

			if from != addr && (tx.To() == nil || *tx.To() != addr) {
				continue
			}

			var to string
			if tx.To() != nil {
				to = tx.To().Hex()
			}

			txs = append(txs, store.Transaction{
				Blockchain: "ethereum",
				Hash:       tx.Hash().Hex(),
				From:       from.Hex(),
				To:         to,
				Amount:     tx.Value().String(),
				Status:     "confirmed",
				Block:      n,
				Timestamp:  time.Unix(int64(blk.Time()), 0),
			})

			if limit > 0 && len(txs) == limit {
				break
			}
		}
	}

	return txs, nil
}

// Close ends the connection.
func (c *Client) Close() {
	c.c.Close()
}
