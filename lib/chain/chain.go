// Package chain defines the interface required for all blockchain adapters. An adapter knows how to derive and
// import keys for its blockchain and how to open query clients against its endpoints. Adapters are stateless, so
// one instance per blockchain serves the whole process.
package chain

import (
	"github.com/celora/custody/lib/chain/bitcoin"
	"github.com/celora/custody/lib/chain/ethereum"
	"github.com/celora/custody/lib/chain/solana"
	"github.com/celora/custody/lib/chain/types"
)

// Adapter contains the required methods for a supported blockchain. DeriveKeypair takes a BIP-39 seed and a full
// derivation path. KeypairFromPrivate parses the blockchain's native private key encoding. Client opens a query
// connection to the given endpoint url.
type Adapter interface {
	Blockchain() string
	DeriveKeypair(seed []byte, path string) (types.Keypair, error)
	KeypairFromPrivate(priv string) (types.Keypair, error)
	DefaultPath(index uint32) string
	Client(url string) (types.Client, error)
}

// Supported blockchain names.
const (
	Solana   = "solana"
	Ethereum = "ethereum"
	Bitcoin  = "bitcoin"
)

// Init loads the adapters for all supported blockchains into a map.
func Init() map[string]Adapter {
	return map[string]Adapter{
		Solana:   solana.New(),
		Ethereum: ethereum.New(),
		Bitcoin:  bitcoin.New(),
	}
}
