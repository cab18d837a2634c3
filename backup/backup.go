// Package backup implements encrypted backups of an owner's custody data. A backup seals the owner's wallet
// records and optionally their cached transactions into a single AES-256-GCM blob, with a SHA-256 checksum over
// the serialized plaintext that is verified before any restore writes. Private keys inside the payload stay in
// their own sealed form, so a backup never weakens the per-wallet encryption.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/celora/custody/lib/crypt"
	"github.com/celora/custody/lib/msg"
	"github.com/celora/custody/lib/store"
)

// Version of the backup envelope format.
const Version = 1

// Errors returned
var (
	ErrBackupInFlight = errors.New("a backup is already running for this owner")
	ErrIntegrity      = errors.New("backup payload failed the integrity check")
	ErrNoWallets      = errors.New("owner has no wallets to back up")
	ErrBadFrequency   = errors.New("frequency must be daily, weekly or monthly")
	ErrVersion        = errors.New("backup envelope version not supported")
)

// Intervals between automatic backups per frequency.
var intervals = map[string]time.Duration{
	"daily":   24 * time.Hour,
	"weekly":  7 * 24 * time.Hour,
	"monthly": 30 * 24 * time.Hour,
}

// Options control what goes into a backup and the password sealing it.
type Options struct {
	Password  string
	WithTxs   bool
	Scheduled bool
	Metadata  map[string]string
}

// Result reports what a restore actually wrote.
type Result struct {
	Wallets      int `json:"wallets"`
	Transactions int `json:"transactions"`
}

// envelope is the versioned plaintext payload of a backup.
type envelope struct {
	Version      int                 `json:"version"`
	Wallets      []store.Wallet      `json:"wallets"`
	Transactions []store.Transaction `json:"transactions,omitempty"`
	Metadata     map[string]string   `json:"metadata,omitempty"`
}

// Service implements backup creation, restore, listing, cleanup and schedule configuration.
type Service struct {
	db     store.DB
	mb     msg.MsgBroker
	params crypt.Params

	mu   sync.Mutex
	busy map[string]bool // owners with a backup in flight
}

// New returns a backup service using the given store and broker.
func New(db store.DB, mb msg.MsgBroker, params crypt.Params) *Service {
	return &Service{db: db, mb: mb, params: params, busy: make(map[string]bool)}
}

func (s *Service) lock(owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy[owner] {
		return ErrBackupInFlight
	}

	s.busy[owner] = true

	return nil
}

func (s *Service) unlock(owner string) {
	s.mu.Lock()
	delete(s.busy, owner)
	s.mu.Unlock()
}

func (s *Service) event(name, owner, backupID, detail string) {
	err := s.mb.SendEvent(msg.Event{Name: name, Owner: owner, BackupID: backupID, Detail: detail, At: time.Now().UTC()})
	if err != nil {
		log.Printf("[%s] Error sending %s event:%e", owner, name, err)
	}
}

func (s *Service) step(b *store.Backup, state string) error {
	b.State = state
	log.Printf("[%s] backup %s state %s", b.Owner, b.ID, state)

	return s.db.UpdateBackup(*b)
}

// Create collects the owner's wallets (and cached transactions when asked), seals them under the password and
// persists the backup. Only one backup runs per owner at a time, a second concurrent call returns
// ErrBackupInFlight.
func (s *Service) Create(ctx context.Context, owner string, opts Options) (store.Backup, error) {
	if err := s.lock(owner); err != nil {
		return store.Backup{}, err
	}
	defer s.unlock(owner)

	b := store.Backup{
		ID:        uuid.NewString(),
		Owner:     owner,
		State:     store.StateCollecting,
		Scheduled: opts.Scheduled,
		Metadata:  opts.Metadata,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.db.AddBackup(b); err != nil {
		return store.Backup{}, err
	}

	if err := s.run(ctx, &b, opts); err != nil {
		b.State = store.StateFailed
		b.Fail = err.Error()

		if errUpd := s.db.UpdateBackup(b); errUpd != nil {
			log.Printf("[%s] Error persisting failed backup %s:%e", owner, b.ID, errUpd)
		}

		s.event(msg.BackupFailed, owner, b.ID, err.Error())

		return store.Backup{}, err
	}

	s.event(msg.BackupCompleted, owner, b.ID, "")

	return b, nil
}

func (s *Service) run(ctx context.Context, b *store.Backup, opts Options) error {
	// Collecting
	ws, err := s.db.GetWallets(b.Owner)
	if err != nil {
		return err
	}

	if len(ws) == 0 {
		return ErrNoWallets
	}

	var txs []store.Transaction

	if opts.WithTxs {
		if txs, err = s.db.GetTransactions(b.Owner, 0); err != nil {
			return err
		}
	}

	if err = s.step(b, store.StateSerializing); err != nil {
		return err
	}

	plain, err := json.Marshal(envelope{Version: Version, Wallets: ws, Transactions: txs, Metadata: opts.Metadata})
	if err != nil {
		return err
	}
	defer crypt.Wipe(plain)

	sum := sha256.Sum256(plain)
	b.Checksum = hex.EncodeToString(sum[:])
	b.Wallets = len(ws)
	b.Transactions = len(txs)
	b.Size = len(plain)

	if err = s.step(b, store.StateEncrypting); err != nil {
		return err
	}

	blob, err := crypt.Encrypt(plain, opts.Password, s.params)
	if err != nil {
		return err
	}

	b.Payload = *blob

	if err = s.step(b, store.StatePersisted); err != nil {
		return err
	}

	// stamp the wallets covered by this backup
	if err = s.db.MarkBackedUp(b.Owner, b.CreatedAt); err != nil {
		log.Printf("[%s] Error stamping wallets for backup %s:%e", b.Owner, b.ID, err)
	}

	return nil
}

// Restore opens the backup with the password, verifies its checksum and writes back the wallets and transactions
// it holds. A wallet that already exists for its (owner, blockchain, address) is kept as is, the restored copy is
// dropped. Restoring the same backup twice is therefore idempotent.
func (s *Service) Restore(ctx context.Context, backupID, password string) (Result, error) {
	b, err := s.db.GetBackup(backupID)
	if err != nil {
		return Result{}, err
	}

	log.Printf("[%s] restore of backup %s state %s", b.Owner, b.ID, store.StateFetched)

	plain, err := crypt.Decrypt(&b.Payload, password)
	if err != nil {
		return Result{}, err
	}
	defer crypt.Wipe(plain)

	log.Printf("[%s] restore of backup %s state %s", b.Owner, b.ID, store.StateDecrypting)

	sum := sha256.Sum256(plain)
	if hex.EncodeToString(sum[:]) != b.Checksum {
		return Result{}, ErrIntegrity
	}

	log.Printf("[%s] restore of backup %s state %s", b.Owner, b.ID, store.StateChecksumVerified)

	var env envelope
	if err = json.Unmarshal(plain, &env); err != nil {
		return Result{}, ErrIntegrity
	}

	if env.Version != Version {
		return Result{}, fmt.Errorf("%w: %d", ErrVersion, env.Version)
	}

	log.Printf("[%s] restore of backup %s state %s", b.Owner, b.ID, store.StateRestoring)

	var res Result

	for _, w := range env.Wallets {
		switch err = s.db.AddWallet(w); {
		case err == nil:
			res.Wallets++
		case errors.Is(err, store.ErrDuplicate):
			// prefer the existing record
		default:
			return res, err
		}
	}

	if len(env.Transactions) > 0 {
		if err = s.db.AddTransactions(env.Transactions); err != nil {
			return res, err
		}

		res.Transactions = len(env.Transactions)
	}

	if err = s.db.MarkBackedUp(b.Owner, time.Now().UTC()); err != nil {
		log.Printf("[%s] Error stamping wallets after restore of %s:%e", b.Owner, b.ID, err)
	}

	log.Printf("[%s] restore of backup %s state %s", b.Owner, b.ID, store.StateComplete)

	return res, nil
}

// List returns the owner's backups newest first, metadata and sizes only, without payloads.
func (s *Service) List(ctx context.Context, owner string, limit, offset int) ([]store.Backup, error) {
	bs, err := s.db.GetBackups(owner)
	if err != nil {
		return nil, err
	}

	if offset >= len(bs) {
		return []store.Backup{}, nil
	}

	bs = bs[offset:]
	if limit > 0 && limit < len(bs) {
		bs = bs[:limit]
	}

	out := make([]store.Backup, len(bs))

	for i, b := range bs {
		b.Payload = crypt.Blob{}
		out[i] = b
	}

	return out, nil
}

// Cleanup deletes all of the owner's backups except the keep newest ones and returns how many went. This is the
// only path that deletes backups.
func (s *Service) Cleanup(ctx context.Context, owner string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	bs, err := s.db.GetBackups(owner)
	if err != nil {
		return 0, err
	}

	var deleted int

	for i := keep; i < len(bs); i++ {
		if err = s.db.DeleteBackup(bs[i].ID); err != nil {
			return deleted, err
		}

		deleted++
	}

	return deleted, nil
}

// ConfigureAuto upserts the owner's automatic backup schedule. The next run lands one interval ahead of now.
func (s *Service) ConfigureAuto(ctx context.Context, owner, frequency string, withTxs bool, retention int,
	active bool) (store.BackupSchedule, error) {
	interval, ok := intervals[frequency]
	if !ok {
		return store.BackupSchedule{}, ErrBadFrequency
	}

	now := time.Now().UTC()

	sched := store.BackupSchedule{
		Owner:     owner,
		Frequency: frequency,
		WithTxs:   withTxs,
		Retention: retention,
		Active:    active,
		NextRun:   now.Add(interval),
		UpdatedAt: now,
	}

	// keep the run history across reconfigurations
	if prev, err := s.db.GetSchedule(owner); err == nil {
		sched.LastRun = prev.LastRun
	}

	if err := s.db.UpsertSchedule(sched); err != nil {
		return store.BackupSchedule{}, err
	}

	return sched, nil
}

// Schedule returns the owner's automatic backup schedule.
func (s *Service) Schedule(ctx context.Context, owner string) (store.BackupSchedule, error) {
	return s.db.GetSchedule(owner)
}
