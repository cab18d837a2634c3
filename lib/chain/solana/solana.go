// Implements the adapter for the Solana blockchain.
package solana

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/celora/custody/lib/chain/types"
	"github.com/celora/custody/lib/store"
)

// Solana implements key handling and endpoint clients for Solana.
type Solana struct{}

// New returns a Solana adapter.
func New() *Solana {
	return &Solana{}
}

// Blockchain returns the adapter's blockchain name.
func (s *Solana) Blockchain() string {
	return "solana"
}

// DefaultPath returns the BIP-44 path for the given account index. Solana convention leaves the change level
// hardened and drops the address index.
func (s *Solana) DefaultPath(index uint32) string {
	return fmt.Sprintf("m/44'/501'/%d'/0'", index)
}

// DeriveKeypair derives the ed25519 keypair at path from a BIP-39 seed.
func (s *Solana) DeriveKeypair(seed []byte, path string) (types.Keypair, error) {
	key, err := deriveForPath(seed, path)
	if err != nil {
		return types.Keypair{}, err
	}

	priv := ed25519.NewKeyFromSeed(key)

	for i := range key {
		key[i] = 0
	}

	pub := priv.Public().(ed25519.PublicKey)

	return types.Keypair{
		Public:  pub,
		Private: priv,
		Address: sol.PublicKeyFromBytes(pub).String(),
	}, nil
}

// KeypairFromPrivate parses a base58 encoded 64-byte Solana private key. A hex encoded 64-byte key or 32-byte
// ed25519 seed is accepted as well.
func (s *Solana) KeypairFromPrivate(priv string) (types.Keypair, error) {
	var raw []byte
	if pk58, err := sol.PrivateKeyFromBase58(priv); err == nil {
		raw = pk58
	} else {
		raw, _ = hex.DecodeString(strings.TrimPrefix(priv, "0x"))
	}

	var pk sol.PrivateKey

	switch len(raw) {
	case ed25519.SeedSize:
		pk = sol.PrivateKey(ed25519.NewKeyFromSeed(raw))
	case ed25519.PrivateKeySize:
		pk = sol.PrivateKey(raw)
	default:
		return types.Keypair{}, types.ErrInvalidKey
	}

	// the public half must belong to the private half
	if !bytes.Equal(pk[32:], ed25519.NewKeyFromSeed(pk[:32]).Public().(ed25519.PublicKey)) {
		return types.Keypair{}, types.ErrInvalidKey
	}

	pub := pk.PublicKey()

	return types.Keypair{
		Public:  pub.Bytes(),
		Private: []byte(pk),
		Address: pub.String(),
	}, nil
}

// Client opens a query connection to the JSON-RPC endpoint at url.
func (s *Solana) Client(url string) (types.Client, error) {
	return &Client{c: rpc.New(url)}, nil
}

// Client is a connection to a Solana JSON-RPC endpoint.
type Client struct {
	c *rpc.Client
}

// Health checks the endpoint is reachable and reports itself healthy.
func (c *Client) Health(ctx context.Context) error {
	out, err := c.c.GetHealth(ctx)
	if err != nil {
		return err
	}

	if out != rpc.HealthOk {
		return types.ErrNoConn
	}

	return nil
}

// Balance returns the account balance in lamports.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	pub, err := sol.PublicKeyFromBase58(address)
	if err != nil {
		return nil, types.ErrInvalidAddress
	}

	res, err := c.c.GetBalance(ctx, pub, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, err
	}

	return new(big.Int).SetUint64(res.Value), nil
}

// Transactions returns the most recent transaction signatures involving the address, newest first.
func (c *Client) Transactions(ctx context.Context, address string, limit int) ([]store.Transaction, error) {
	pub, err := sol.PublicKeyFromBase58(address)
	if err != nil {
		return nil, types.ErrInvalidAddress
	}

	sigs, err := c.c.GetSignaturesForAddressWithOpts(ctx, pub, &rpc.GetSignaturesForAddressOpts{Limit: &limit})
	if err != nil {
		return nil, err
	}

	txs := make([]store.Transaction, 0, len(sigs))

	for _, sg := range sigs {
		status := "success"
		if sg.Err != nil {
			status = "failed"
		}

		var ts time.Time
		if sg.BlockTime != nil {
			ts = sg.BlockTime.Time()
		}

		txs = append(txs, store.Transaction{
			Blockchain: "solana",
			Hash:       sg.Signature.String(),
			Status:     status,
			Block:      sg.Slot,
			Timestamp:  ts,
		})
	}

	return txs, nil
}

// Close ends the connection.
func (c *Client) Close() {
	_ = c.c.Close()
}
