// Implements the adapter for the Bitcoin blockchain. Queries go against Esplora style REST endpoints
// (blockstream.info, mempool.space) since bitcoin nodes expose no public JSON-RPC.
package bitcoin

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/celora/custody/lib/chain/types"
	"github.com/celora/custody/lib/store"
)

// Bitcoin implements key handling and endpoint clients for Bitcoin.
type Bitcoin struct {
	params *chaincfg.Params
}

// New returns a Bitcoin adapter for mainnet address encoding.
func New() *Bitcoin {
	return &Bitcoin{params: &chaincfg.MainNetParams}
}

// Blockchain returns the adapter's blockchain name.
func (b *Bitcoin) Blockchain() string {
	return "bitcoin"
}

// DefaultPath returns the BIP-44 path for the given address index.
func (b *Bitcoin) DefaultPath(index uint32) string {
	return fmt.Sprintf("m/44'/0'/0'/0/%d", index)
}

// DeriveKeypair derives the secp256k1 keypair at path from a BIP-39 seed and encodes its P2PKH address.
func (b *Bitcoin) DeriveKeypair(seed []byte, path string) (types.Keypair, error) {
	idx, err := types.ParsePath(path)
	if err != nil {
		return types.Keypair{}, err
	}

	key, err := hdkeychain.NewMaster(seed, b.params)
	if err != nil {
		return types.Keypair{}, types.ErrInvalidKey
	}

	for _, i := range idx {
		if key, err = key.Derive(i); err != nil {
			return types.Keypair{}, err
		}
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return types.Keypair{}, err
	}

	return b.keypair(priv)
}

// KeypairFromPrivate parses a WIF or hex encoded secp256k1 private key.
func (b *Bitcoin) KeypairFromPrivate(priv string) (types.Keypair, error) {
	if wif, err := btcutil.DecodeWIF(priv); err == nil {
		return b.keypair(wif.PrivKey)
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(priv, "0x"))
	if err != nil || len(raw) != 32 {
		return types.Keypair{}, types.ErrInvalidKey
	}

	pk, _ := btcec.PrivKeyFromBytes(raw)

	return b.keypair(pk)
}

func (b *Bitcoin) keypair(priv *btcec.PrivateKey) (types.Keypair, error) {
	pub := priv.PubKey().SerializeCompressed()

	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub), b.params)
	if err != nil {
		return types.Keypair{}, err
	}

	return types.Keypair{
		Public:  pub,
		Private: priv.Serialize(),
		Address: addr.EncodeAddress(),
	}, nil
}

// Client opens a query connection to the Esplora REST endpoint at url.
func (b *Bitcoin) Client(url string) (types.Client, error) {
	return &Client{base: strings.TrimSuffix(url, "/"), c: &http.Client{}}, nil
}

// Client is a connection to an Esplora REST endpoint.
type Client struct {
	base string
	c    *http.Client
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// Health checks the endpoint answers a tip height query.
func (c *Client) Health(ctx context.Context) error {
	var height json.Number

	return c.get(ctx, "/blocks/tip/height", &height)
}

// Balance returns the address balance in satoshi, funded minus spent confirmed outputs.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	if _, err := btcutil.DecodeAddress(address, &chaincfg.MainNetParams); err != nil {
		return nil, types.ErrInvalidAddress
	}

	var res struct {
		ChainStats struct {
			Funded uint64 `json:"funded_txo_sum"`
			Spent  uint64 `json:"spent_txo_sum"`
		} `json:"chain_stats"`
	}

	if err := c.get(ctx, "/address/"+address, &res); err != nil {
		return nil, err
	}

	return new(big.Int).SetUint64(res.ChainStats.Funded - res.ChainStats.Spent), nil
}

// Transactions returns the most recent confirmed transactions involving the address, newest first.
func (c *Client) Transactions(ctx context.Context, address string, limit int) ([]store.Transaction, error) {
	if _, err := btcutil.DecodeAddress(address, &chaincfg.MainNetParams); err != nil {
		return nil, types.ErrInvalidAddress
	}

	var res []struct {
		Txid string `json:"txid"`
		Vin  []struct {
			Prevout struct {
				Address string `json:"scriptpubkey_address"`
				Value   uint64 `json:"value"`
			} `json:"prevout"`
		} `json:"vin"`
		Vout []struct {
			Address string `json:"scriptpubkey_address"`
			Value   uint64 `json:"value"`
		} `json:"vout"`
		Status struct {
			Confirmed bool   `json:"confirmed"`
			Height    uint64 `json:"block_height"`
			Time      int64  `json:"block_time"`
		} `json:"status"`
	}

	if err := c.get(ctx, "/address/"+address+"/txs", &res); err != nil {
		return nil, err
	}

	txs := make([]store.Transaction, 0, len(res))

	for _, tx := range res {
		if limit > 0 && len(txs) == limit {
			break
		}

		status := "pending"
		if tx.Status.Confirmed {
			status = "confirmed"
		}

		// net value moved to or from the address
		var in, out uint64

		var from, to string

		for _, v := range tx.Vin {
			if v.Prevout.Address == address {
				out += v.Prevout.Value
				from = address
			} else if from == "" {
				from = v.Prevout.Address
			}
		}

		for _, v := range tx.Vout {
			if v.Address == address {
				in += v.Value
				if to == "" {
					to = address
				}
			} else if to == "" || to == address {
				to = v.Address
			}
		}

		amount := in
		if out > in {
			amount = out - in
		}

		txs = append(txs, store.Transaction{
			Blockchain: "bitcoin",
			Hash:       tx.Txid,
			From:       from,
			To:         to,
			Amount:     strconv.FormatUint(amount, 10),
			Status:     status,
			Block:      tx.Status.Height,
			Timestamp:  time.Unix(tx.Status.Time, 0),
		})
	}

	return txs, nil
}

// Close ends the connection.
func (c *Client) Close() {
	c.c.CloseIdleConnections()
}
