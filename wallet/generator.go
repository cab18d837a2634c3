package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tyler-smith/go-bip39"

	"github.com/celora/custody/lib/chain/types"
	"github.com/celora/custody/lib/crypt"
	"github.com/celora/custody/lib/msg"
	"github.com/celora/custody/lib/store"
	"github.com/celora/custody/lib/util"
)

// Entropy of generated mnemonics, 128 bits for a 12 word phrase.
const entropyBits = 128

// Network recorded on wallets created by the service.
const defaultNetwork = "mainnet"

// Errors returned
var (
	ErrWeakPassword    = errors.New("password does not meet the minimum length")
	ErrInvalidMnemonic = errors.New("seed phrase is not a valid mnemonic")
	ErrNoSeed          = errors.New("wallet was imported from a raw key and has no seed phrase")
	ErrKeyMismatch     = errors.New("key does not match the wallet address")
	ErrNoWallets       = errors.New("no new wallets were created")
)

func (w *Wallet) checkPassword(password string) error {
	if len(password) < w.minPassword {
		return ErrWeakPassword
	}

	return nil
}

// blockchains returns the supported blockchain names in a stable order.
func (w *Wallet) blockchains() []string {
	names := make([]string, 0, len(w.ad))

	for name := range w.ad {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Generate creates a fresh mnemonic and derives one wallet per supported blockchain from it, all sealed under the
// password. The mnemonic is returned exactly once, it is never stored in the clear.
func (w *Wallet) Generate(ctx context.Context, owner, password string) (string, []store.Wallet, error) {
	if err := w.checkPassword(password); err != nil {
		return "", nil, err
	}

	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return "", nil, err
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, err
	}

	ws, err := w.createFromMnemonic(ctx, owner, mnemonic, password, false)
	if err != nil {
		return "", nil, err
	}

	return mnemonic, ws, nil
}

// ImportFromSeedPhrase recreates the owner's wallets from an existing mnemonic. The phrase is normalized before
// validation, so padding, casing and run-on whitespace do not reject an otherwise valid phrase. Wallets that
// already exist for an address are left untouched.
func (w *Wallet) ImportFromSeedPhrase(ctx context.Context, owner, mnemonic, password string) ([]store.Wallet, error) {
	if err := w.checkPassword(password); err != nil {
		return nil, err
	}

	mnemonic = normalizeMnemonic(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	return w.createFromMnemonic(ctx, owner, mnemonic, password, true)
}

func normalizeMnemonic(mnemonic string) string {
	return strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
}

// createFromMnemonic derives one wallet per supported blockchain from the mnemonic and stores them sealed under
// the password. Derivation is deterministic, so the same phrase always lands on the same addresses.
func (w *Wallet) createFromMnemonic(ctx context.Context, owner, mnemonic, password string,
	imported bool) ([]store.Wallet, error) {
	seed := bip39.NewSeed(mnemonic, "")
	defer crypt.Wipe(seed)

	hasPrimary, err := w.primaries(owner)
	if err != nil {
		return nil, err
	}

	ws := []store.Wallet{}

	for _, name := range w.blockchains() {
		a := w.ad[name]
		path := a.DefaultPath(0)

		kp, err := a.DeriveKeypair(seed, path)
		if err != nil {
			return nil, fmt.Errorf("could not derive %s keypair: %w", name, err)
		}

		keyBlob, err := crypt.Encrypt(kp.Private, password, w.params)

		crypt.Wipe(kp.Private)

		if err != nil {
			return nil, err
		}

		seedBlob, err := crypt.Encrypt([]byte(mnemonic), password, w.params)
		if err != nil {
			return nil, err
		}

		rec := store.Wallet{
			ID:         uuid.NewString(),
			Owner:      owner,
			Blockchain: name,
			Network:    defaultNetwork,
			Address:    kp.Address,
			Path:       path,
			PrivateKey: *keyBlob,
			SeedPhrase: seedBlob,
			Primary:    !hasPrimary[name],
			Imported:   imported,
			CreatedAt:  time.Now().UTC(),
		}

		if err = w.db.AddWallet(rec); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				// same phrase imported again, keep the existing record
				log.Printf("[%s] wallet %s already exists for owner, skipping", name, kp.Address)

				continue
			}

			return nil, err
		}

		hasPrimary[name] = true

		ws = append(ws, rec)
		w.event(msg.WalletCreated, owner, name, kp.Address)
	}

	if imported && len(ws) == 0 {
		return nil, ErrNoWallets
	}

	return ws, nil
}

// ImportFromPrivateKey stores a single wallet from a raw private key in the blockchain's native encoding. No seed
// phrase is kept, such a wallet cannot export one.
func (w *Wallet) ImportFromPrivateKey(ctx context.Context, owner, blockchain, priv,
	password string) (store.Wallet, error) {
	if err := w.checkPassword(password); err != nil {
		return store.Wallet{}, err
	}

	if !util.In(w.blockchains(), blockchain) {
		return store.Wallet{}, types.ErrUnknownNet
	}

	kp, err := w.ad[blockchain].KeypairFromPrivate(strings.TrimSpace(priv))
	if err != nil {
		return store.Wallet{}, err
	}

	keyBlob, err := crypt.Encrypt(kp.Private, password, w.params)

	crypt.Wipe(kp.Private)

	if err != nil {
		return store.Wallet{}, err
	}

	hasPrimary, err := w.primaries(owner)
	if err != nil {
		return store.Wallet{}, err
	}

	rec := store.Wallet{
		ID:         uuid.NewString(),
		Owner:      owner,
		Blockchain: blockchain,
		Network:    defaultNetwork,
		Address:    kp.Address,
		PrivateKey: *keyBlob,
		Primary:    !hasPrimary[blockchain],
		Imported:   true,
		CreatedAt:  time.Now().UTC(),
	}

	if err = w.db.AddWallet(rec); err != nil {
		return store.Wallet{}, err
	}

	w.event(msg.WalletCreated, owner, blockchain, kp.Address)

	return rec, nil
}

// primaries maps each blockchain to whether the owner already has a primary wallet on it.
func (w *Wallet) primaries(owner string) (map[string]bool, error) {
	existing, err := w.db.GetWallets(owner)
	if err != nil {
		return nil, err
	}

	hasPrimary := make(map[string]bool)

	for _, x := range existing {
		if x.Primary {
			hasPrimary[x.Blockchain] = true
		}
	}

	return hasPrimary, nil
}

// Wallets returns the owner's wallets, oldest first.
func (w *Wallet) Wallets(ctx context.Context, owner string) ([]store.Wallet, error) {
	return w.db.GetWallets(owner)
}

// SetPrimary makes the wallet the owner's primary for its blockchain, clearing the flag on the others.
func (w *Wallet) SetPrimary(ctx context.Context, owner, id string) error {
	rec, err := w.owned(owner, id)
	if err != nil {
		return err
	}

	return w.db.SetPrimary(owner, rec.Blockchain, id)
}

// ExportSeedPhrase opens the wallet's sealed mnemonic with the password and returns it. Only wallets created or
// imported from a mnemonic carry one.
func (w *Wallet) ExportSeedPhrase(ctx context.Context, owner, id, password string) (string, error) {
	rec, err := w.owned(owner, id)
	if err != nil {
		return "", err
	}

	if rec.SeedPhrase == nil {
		return "", ErrNoSeed
	}

	plain, err := crypt.Decrypt(rec.SeedPhrase, password)
	if err != nil {
		return "", err
	}

	return string(plain), nil
}

// ExportPrivateKey opens the wallet's sealed key with the password and returns it hex encoded. The key is checked
// against the wallet address before it leaves, a record whose key no longer matches is never exported.
func (w *Wallet) ExportPrivateKey(ctx context.Context, owner, id, password string) (string, error) {
	rec, err := w.owned(owner, id)
	if err != nil {
		return "", err
	}

	a, ok := w.ad[rec.Blockchain]
	if !ok {
		return "", types.ErrUnknownNet
	}

	plain, err := crypt.Decrypt(&rec.PrivateKey, password)
	if err != nil {
		return "", err
	}
	defer crypt.Wipe(plain)

	kp, err := a.KeypairFromPrivate(hex.EncodeToString(plain))
	if err != nil || kp.Address != rec.Address {
		crypt.Wipe(kp.Private)

		return "", ErrKeyMismatch
	}

	crypt.Wipe(kp.Private)

	return hex.EncodeToString(plain), nil
}

// Balance asks the endpoint pool for the wallet's on-chain balance in the blockchain's smallest unit.
func (w *Wallet) Balance(ctx context.Context, owner, id string) (string, error) {
	rec, err := w.owned(owner, id)
	if err != nil {
		return "", err
	}

	bal, err := w.rm.Balance(ctx, rec.Blockchain, rec.Network, rec.Address)
	if err != nil {
		return "", err
	}

	return bal.String(), nil
}

// Transactions asks the endpoint pool for the wallet's recent transactions and refreshes the local cache with
// them. When every endpoint is down the cached transactions are returned instead.
func (w *Wallet) Transactions(ctx context.Context, owner, id string, limit int) ([]store.Transaction, error) {
	rec, err := w.owned(owner, id)
	if err != nil {
		return nil, err
	}

	txs, err := w.rm.Transactions(ctx, rec.Blockchain, rec.Network, rec.Address, limit)
	if err != nil {
		log.Printf("[%s] endpoints down, serving cached transactions: %v", rec.Blockchain, err)

		return w.db.GetTransactions(owner, limit)
	}

	for i := range txs {
		txs[i].ID = rec.Blockchain + "-" + txs[i].Hash
		txs[i].WalletID = rec.ID
		txs[i].Owner = owner
	}

	if err = w.db.AddTransactions(txs); err != nil {
		log.Printf("[%s] Error caching transactions:%e", rec.Blockchain, err)
	}

	return txs, nil
}

// owned returns the wallet only when it belongs to the owner.
func (w *Wallet) owned(owner, id string) (store.Wallet, error) {
	rec, err := w.db.GetWallet(id)
	if err != nil {
		return store.Wallet{}, err
	}

	if rec.Owner != owner {
		return store.Wallet{}, store.ErrNotFound
	}

	return rec, nil
}

func (w *Wallet) event(name, owner, blockchain, address string) {
	err := w.mb.SendEvent(msg.Event{
		Name:       name,
		Owner:      owner,
		Blockchain: blockchain,
		Address:    address,
		At:         time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[%s] Error sending %s event:%e", owner, name, err)
	}
}
