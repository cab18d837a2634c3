package solana

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"

	"github.com/celora/custody/lib/chain/types"
)

// seedModifier is the SLIP-0010 master key HMAC key for the ed25519 curve.
const seedModifier = "ed25519 seed"

// deriveForPath walks the SLIP-0010 ed25519 tree from seed down the given path and returns the 32-byte key at the
// leaf. The ed25519 scheme only defines hardened children, so any non-hardened component is rejected.
func deriveForPath(seed []byte, path string) ([]byte, error) {
	idx, err := types.ParsePath(path)
	if err != nil {
		return nil, err
	}

	h := hmac.New(sha512.New, []byte(seedModifier))
	h.Write(seed)
	sum := h.Sum(nil)
	key, cc := sum[:32], sum[32:]

	for _, i := range idx {
		if i < types.Hardened {
			return nil, types.ErrHardenedOnly
		}

		var ser [4]byte

		binary.BigEndian.PutUint32(ser[:], i)

		h = hmac.New(sha512.New, cc)
		h.Write([]byte{0x00})
		h.Write(key)
		h.Write(ser[:])
		sum = h.Sum(nil)
		key, cc = sum[:32], sum[32:]
	}

	return key, nil
}
