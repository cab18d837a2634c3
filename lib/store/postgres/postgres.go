// Package postgres implements the store interface for PostgreSQL.
package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" //nolint:gci // load the postgres driver that is used by the system

	"github.com/celora/custody/lib/crypt"
	"github.com/celora/custody/lib/store"
)

type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection' and creates the schema if
// missing.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	p := &Postgres{db: db}
	if err = p.ensureSchema(); err != nil {
		return nil, err
	}

	return p, nil
}

// ClosePostgres will close any database connection. Must be called at termination time.
func (p *Postgres) ClosePostgres() error {
	return p.db.Close()
}

func (p *Postgres) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			blockchain TEXT NOT NULL,
			network TEXT NOT NULL,
			address TEXT NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			private_key JSONB NOT NULL,
			seed_phrase JSONB,
			is_primary BOOLEAN NOT NULL DEFAULT FALSE,
			imported BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			backed_up_at TIMESTAMPTZ,
			UNIQUE (owner, blockchain, address))`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			wallet_id TEXT NOT NULL,
			owner TEXT NOT NULL,
			blockchain TEXT NOT NULL,
			hash TEXT NOT NULL,
			tx_from TEXT NOT NULL DEFAULT '',
			tx_to TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			block BIGINT NOT NULL DEFAULT 0,
			ts TIMESTAMPTZ NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS backups (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			state TEXT NOT NULL,
			checksum TEXT NOT NULL,
			payload JSONB NOT NULL,
			wallets INT NOT NULL,
			transactions INT NOT NULL DEFAULT 0,
			size INT NOT NULL,
			scheduled BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSONB,
			fail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			owner TEXT PRIMARY KEY,
			frequency TEXT NOT NULL,
			with_txs BOOLEAN NOT NULL,
			retention INT NOT NULL,
			active BOOLEAN NOT NULL,
			last_run TIMESTAMPTZ,
			next_run TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL)`,
	}
	for _, s := range stmts {
		if _, err := p.db.Exec(s); err != nil {
			return fmt.Errorf("cannot create schema: %w", err)
		}
	}

	return nil
}

// AddWallet inserts a wallet unless one already exists for the same owner, blockchain and address.
func (p *Postgres) AddWallet(w store.Wallet) error {
	pk, err := json.Marshal(w.PrivateKey)
	if err != nil {
		return fmt.Errorf("could not encode wallet key: %w", err)
	}

	var sp []byte
	if w.SeedPhrase != nil {
		if sp, err = json.Marshal(w.SeedPhrase); err != nil {
			return fmt.Errorf("could not encode wallet seed: %w", err)
		}
	}

	res, err := p.db.Exec(`INSERT INTO wallets
		(id, owner, blockchain, network, address, path, private_key, seed_phrase, is_primary, imported, created_at, backed_up_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (owner, blockchain, address) DO NOTHING`,
		w.ID, w.Owner, w.Blockchain, w.Network, w.Address, w.Path, pk, nullBytes(sp),
		w.Primary, w.Imported, w.CreatedAt, nullTime(w.BackedUpAt))
	if err != nil {
		return fmt.Errorf("could not insert wallet in db: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrDuplicate
	}

	return nil
}

const walletCols = `id, owner, blockchain, network, address, path, private_key, seed_phrase,
	is_primary, imported, created_at, backed_up_at`

func scanWallet(row interface{ Scan(...interface{}) error }) (w store.Wallet, err error) {
	var pk, sp []byte
	var backedUp sql.NullTime

	err = row.Scan(&w.ID, &w.Owner, &w.Blockchain, &w.Network, &w.Address, &w.Path, &pk, &sp,
		&w.Primary, &w.Imported, &w.CreatedAt, &backedUp)
	if err != nil {
		return
	}

	if err = json.Unmarshal(pk, &w.PrivateKey); err != nil {
		return
	}

	if sp != nil {
		w.SeedPhrase = new(crypt.Blob)
		if err = json.Unmarshal(sp, w.SeedPhrase); err != nil {
			return
		}
	}

	if backedUp.Valid {
		w.BackedUpAt = backedUp.Time
	}

	return
}

// GetWallet returns the wallet with the given id.
func (p *Postgres) GetWallet(id string) (store.Wallet, error) {
	w, err := scanWallet(p.db.QueryRow(`SELECT `+walletCols+` FROM wallets WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		err = store.ErrNotFound
	}

	return w, err
}

// GetWalletByAddress returns the owner's wallet for the given blockchain and address.
func (p *Postgres) GetWalletByAddress(owner, blockchain, address string) (store.Wallet, error) {
	w, err := scanWallet(p.db.QueryRow(`SELECT `+walletCols+
		` FROM wallets WHERE owner = $1 AND blockchain = $2 AND address = $3`, owner, blockchain, address))
	if errors.Is(err, sql.ErrNoRows) {
		err = store.ErrNotFound
	}

	return w, err
}

// GetWallets returns all wallets of the owner, oldest first.
func (p *Postgres) GetWallets(owner string) ([]store.Wallet, error) {
	rows, err := p.db.Query(`SELECT `+walletCols+` FROM wallets WHERE owner = $1 ORDER BY created_at`, owner)
	if err != nil {
		return nil, fmt.Errorf("could not read wallets from db: %w", err)
	}
	defer rows.Close()

	ws := []store.Wallet{}

	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("could not decode wallet from db: %w", err)
		}

		ws = append(ws, w)
	}

	return ws, rows.Err()
}

// SetPrimary marks the given wallet as the owner's primary for its blockchain and clears the flag on the rest.
func (p *Postgres) SetPrimary(owner, blockchain, id string) error {
	res, err := p.db.Exec(`UPDATE wallets SET is_primary = TRUE
		WHERE id = $1 AND owner = $2 AND blockchain = $3`, id, owner, blockchain)
	if err != nil {
		return fmt.Errorf("could not update wallet in db: %w", err)
	}

	if n, _ := res.RowsAffected(); n != 1 {
		return store.ErrNotFound
	}

	_, err = p.db.Exec(`UPDATE wallets SET is_primary = FALSE
		WHERE owner = $1 AND blockchain = $2 AND id <> $3`, owner, blockchain, id)

	return err
}

// MarkBackedUp stamps all wallets of the owner with the backup time.
func (p *Postgres) MarkBackedUp(owner string, at time.Time) error {
	_, err := p.db.Exec(`UPDATE wallets SET backed_up_at = $2 WHERE owner = $1`, owner, at)

	return err
}

// AddTransactions upserts cached transactions keyed by id.
func (p *Postgres) AddTransactions(txs []store.Transaction) error {
	for _, tx := range txs {
		_, err := p.db.Exec(`INSERT INTO transactions
			(id, wallet_id, owner, blockchain, hash, tx_from, tx_to, amount, status, block, ts)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, block = EXCLUDED.block`,
			tx.ID, tx.WalletID, tx.Owner, tx.Blockchain, tx.Hash, tx.From, tx.To, tx.Amount,
			tx.Status, tx.Block, tx.Timestamp)
		if err != nil {
			return fmt.Errorf("could not upsert transaction in db: %w", err)
		}
	}

	return nil
}

// GetTransactions returns the owner's cached transactions, newest first, up to limit (0 for all).
func (p *Postgres) GetTransactions(owner string, limit int) ([]store.Transaction, error) {
	q := `SELECT id, wallet_id, owner, blockchain, hash, tx_from, tx_to, amount, status, block, ts
		FROM transactions WHERE owner = $1 ORDER BY ts DESC`
	args := []interface{}{owner}

	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("could not read transactions from db: %w", err)
	}
	defer rows.Close()

	txs := []store.Transaction{}

	for rows.Next() {
		var tx store.Transaction
		if err = rows.Scan(&tx.ID, &tx.WalletID, &tx.Owner, &tx.Blockchain, &tx.Hash, &tx.From,
			&tx.To, &tx.Amount, &tx.Status, &tx.Block, &tx.Timestamp); err != nil {
			return nil, fmt.Errorf("could not decode transaction from db: %w", err)
		}

		txs = append(txs, tx)
	}

	return txs, rows.Err()
}

// AddBackup inserts a new backup row.
func (p *Postgres) AddBackup(b store.Backup) error {
	payload, meta, err := encodeBackup(b)
	if err != nil {
		return err
	}

	_, err = p.db.Exec(`INSERT INTO backups
		(id, owner, state, checksum, payload, wallets, transactions, size, scheduled, metadata, fail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		b.ID, b.Owner, b.State, b.Checksum, payload, b.Wallets, b.Transactions, b.Size, b.Scheduled,
		nullBytes(meta), b.Fail, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("could not insert backup in db: %w", err)
	}

	return nil
}

// UpdateBackup replaces the backup row, persisting its current state.
func (p *Postgres) UpdateBackup(b store.Backup) error {
	payload, meta, err := encodeBackup(b)
	if err != nil {
		return err
	}

	res, err := p.db.Exec(`UPDATE backups SET state = $2, checksum = $3, payload = $4, wallets = $5,
		transactions = $6, size = $7, scheduled = $8, metadata = $9, fail = $10 WHERE id = $1`,
		b.ID, b.State, b.Checksum, payload, b.Wallets, b.Transactions, b.Size, b.Scheduled,
		nullBytes(meta), b.Fail)
	if err != nil {
		return fmt.Errorf("could not update backup in db: %w", err)
	}

	if n, _ := res.RowsAffected(); n != 1 {
		return store.ErrNotFound
	}

	return nil
}

func encodeBackup(b store.Backup) (payload, meta []byte, err error) {
	if payload, err = json.Marshal(b.Payload); err != nil {
		return nil, nil, fmt.Errorf("could not encode backup payload: %w", err)
	}

	if b.Metadata != nil {
		if meta, err = json.Marshal(b.Metadata); err != nil {
			return nil, nil, fmt.Errorf("could not encode backup metadata: %w", err)
		}
	}

	return payload, meta, nil
}

func scanBackup(row interface{ Scan(...interface{}) error }) (b store.Backup, err error) {
	var payload, meta []byte

	err = row.Scan(&b.ID, &b.Owner, &b.State, &b.Checksum, &payload, &b.Wallets, &b.Transactions,
		&b.Size, &b.Scheduled, &meta, &b.Fail, &b.CreatedAt)
	if err != nil {
		return
	}

	if err = json.Unmarshal(payload, &b.Payload); err != nil {
		return
	}

	if meta != nil {
		err = json.Unmarshal(meta, &b.Metadata)
	}

	return
}

const backupCols = `id, owner, state, checksum, payload, wallets, transactions, size, scheduled,
	metadata, fail, created_at`

// GetBackup returns the backup with the given id.
func (p *Postgres) GetBackup(id string) (store.Backup, error) {
	b, err := scanBackup(p.db.QueryRow(`SELECT `+backupCols+` FROM backups WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		err = store.ErrNotFound
	}

	return b, err
}

// GetBackups returns the owner's backups, newest first.
func (p *Postgres) GetBackups(owner string) ([]store.Backup, error) {
	rows, err := p.db.Query(`SELECT `+backupCols+` FROM backups WHERE owner = $1 ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("could not read backups from db: %w", err)
	}
	defer rows.Close()

	bs := []store.Backup{}

	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("could not decode backup from db: %w", err)
		}

		bs = append(bs, b)
	}

	return bs, rows.Err()
}

// DeleteBackup deletes the backup with the given id.
func (p *Postgres) DeleteBackup(id string) error {
	res, err := p.db.Exec(`DELETE FROM backups WHERE id = $1`, id)
	if err == nil {
		if n, _ := res.RowsAffected(); n != 1 {
			err = store.ErrNotFound
		}
	}

	return err
}

// UpsertSchedule inserts or replaces the owner's backup schedule.
func (p *Postgres) UpsertSchedule(s store.BackupSchedule) error {
	_, err := p.db.Exec(`INSERT INTO schedules
		(owner, frequency, with_txs, retention, active, last_run, next_run, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (owner) DO UPDATE SET frequency = EXCLUDED.frequency, with_txs = EXCLUDED.with_txs,
			retention = EXCLUDED.retention, active = EXCLUDED.active, last_run = EXCLUDED.last_run,
			next_run = EXCLUDED.next_run, updated_at = EXCLUDED.updated_at`,
		s.Owner, s.Frequency, s.WithTxs, s.Retention, s.Active, nullTime(s.LastRun), s.NextRun, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("could not upsert schedule in db: %w", err)
	}

	return nil
}

func scanSchedule(row interface{ Scan(...interface{}) error }) (s store.BackupSchedule, err error) {
	var lastRun sql.NullTime

	err = row.Scan(&s.Owner, &s.Frequency, &s.WithTxs, &s.Retention, &s.Active, &lastRun,
		&s.NextRun, &s.UpdatedAt)
	if lastRun.Valid {
		s.LastRun = lastRun.Time
	}

	return
}

// GetSchedule returns the owner's backup schedule.
func (p *Postgres) GetSchedule(owner string) (store.BackupSchedule, error) {
	s, err := scanSchedule(p.db.QueryRow(`SELECT owner, frequency, with_txs, retention, active,
		last_run, next_run, updated_at FROM schedules WHERE owner = $1`, owner))
	if errors.Is(err, sql.ErrNoRows) {
		err = store.ErrNotFound
	}

	return s, err
}

// DueSchedules returns the active schedules whose next run is at or before now.
func (p *Postgres) DueSchedules(now time.Time) ([]store.BackupSchedule, error) {
	rows, err := p.db.Query(`SELECT owner, frequency, with_txs, retention, active, last_run,
		next_run, updated_at FROM schedules WHERE active AND next_run <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("could not read schedules from db: %w", err)
	}
	defer rows.Close()

	ss := []store.BackupSchedule{}

	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("could not decode schedule from db: %w", err)
		}

		ss = append(ss, s)
	}

	return ss, rows.Err()
}

func nullBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}

	return b
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}

	return t
}
