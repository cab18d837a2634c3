// Defines shared types and errors for blockchain adapters.
package types

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"strings"

	"github.com/celora/custody/lib/store"
)

// Hardened marks a derivation path component as hardened.
const Hardened uint32 = 0x80000000

// Keypair holds a derived or imported key and its public address. Private is raw key bytes in the blockchain's
// native layout and must be wiped by the caller once sealed.
type Keypair struct {
	Public  []byte
	Private []byte
	Address string
}

// Client is a connection to a single query endpoint of a blockchain.
type Client interface {
	Health(ctx context.Context) error
	Balance(ctx context.Context, address string) (*big.Int, error)
	Transactions(ctx context.Context, address string, limit int) ([]store.Transaction, error)
	Close()
}

// Errors returned by adapters
var (
	ErrInvalidKey     = errors.New("private key format not valid for blockchain")
	ErrInvalidPath    = errors.New("derivation path not valid")
	ErrInvalidAddress = errors.New("address not valid for blockchain")
	ErrHardenedOnly   = errors.New("curve only supports hardened derivation")
	ErrUnknownNet     = errors.New("no adapter defined for blockchain")
	ErrNoConn         = errors.New("cannot connect to endpoint")
)

// ParsePath splits a derivation path like "m/44'/501'/0'/0'" into its component indexes. Both ' and h mark a
// hardened component.
func ParsePath(path string) ([]uint32, error) {
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, ErrInvalidPath
	}

	idx := make([]uint32, 0, len(parts)-1)

	for _, part := range parts[1:] {
		var hardened bool

		if strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h") {
			hardened = true
			part = part[:len(part)-1]
		}

		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil || n >= uint64(Hardened) {
			return nil, ErrInvalidPath
		}

		i := uint32(n)
		if hardened {
			i |= Hardened
		}

		idx = append(idx, i)
	}

	if len(idx) == 0 {
		return nil, ErrInvalidPath
	}

	return idx, nil
}
