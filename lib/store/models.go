package store

import (
	"time"

	"github.com/celora/custody/lib/crypt"
)

// Wallet contains the fields for a custody wallet saved to DB. Key material is only ever present in sealed form:
// PrivateKey always, SeedPhrase only for wallets created or imported from a mnemonic.
type Wallet struct {
	ID         string      `json:"id" bson:"_id"`
	Owner      string      `json:"owner" bson:"owner"`
	Blockchain string      `json:"blockchain" bson:"blockchain"`
	Network    string      `json:"network" bson:"network"`
	Address    string      `json:"address" bson:"address"`
	Path       string      `json:"path,omitempty" bson:"path,omitempty"`
	PrivateKey crypt.Blob  `json:"privateKey" bson:"privateKey"`
	SeedPhrase *crypt.Blob `json:"seedPhrase,omitempty" bson:"seedPhrase,omitempty"`
	Primary    bool        `json:"primary" bson:"primary"`
	Imported   bool        `json:"imported" bson:"imported"`
	CreatedAt  time.Time   `json:"createdAt" bson:"createdAt"`
	BackedUpAt time.Time   `json:"backedUpAt,omitempty" bson:"backedUpAt,omitempty"`
}

// Transaction contains the fields for a cached on-chain transaction saved to DB.
type Transaction struct {
	ID         string    `json:"id" bson:"_id"`
	WalletID   string    `json:"walletId" bson:"walletId"`
	Owner      string    `json:"owner" bson:"owner"`
	Blockchain string    `json:"blockchain" bson:"blockchain"`
	Hash       string    `json:"hash" bson:"hash"`
	From       string    `json:"from" bson:"from"`
	To         string    `json:"to" bson:"to"`
	Amount     string    `json:"amount" bson:"amount"`
	Status     string    `json:"status" bson:"status"`
	Block      uint64    `json:"block" bson:"block"`
	Timestamp  time.Time `json:"timestamp" bson:"timestamp"`
}

// Backup states. A backup row is created in StateCollecting and moves forward until StatePersisted or StateFailed.
// Restores move a copy of the row through the verification states.
const (
	StateCollecting       = "collecting"
	StateSerializing      = "serializing"
	StateEncrypting       = "encrypting"
	StatePersisted        = "persisted"
	StateFetched          = "fetched"
	StateChecksumVerified = "checksum_verified"
	StateDecrypting       = "decrypting"
	StateRestoring        = "restoring"
	StateComplete         = "complete"
	StateFailed           = "failed"
)

// Backup contains the fields for an encrypted backup saved to DB. Checksum is the hex SHA-256 of the serialized
// plaintext envelope, computed before encryption and verified before any restore write.
type Backup struct {
	ID           string            `json:"id" bson:"_id"`
	Owner        string            `json:"owner" bson:"owner"`
	State        string            `json:"state" bson:"state"`
	Checksum     string            `json:"checksum" bson:"checksum"`
	Payload      crypt.Blob        `json:"payload" bson:"payload"`
	Wallets      int               `json:"wallets" bson:"wallets"`
	Transactions int               `json:"transactions" bson:"transactions"`
	Size         int               `json:"size" bson:"size"`
	Scheduled    bool              `json:"scheduled" bson:"scheduled"`
	Metadata     map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Fail         string            `json:"fail,omitempty" bson:"fail,omitempty"`
	CreatedAt    time.Time         `json:"createdAt" bson:"createdAt"`
}

// BackupSchedule contains the fields for an owner's automatic backup configuration saved to DB. One row per owner.
type BackupSchedule struct {
	Owner     string    `json:"owner" bson:"_id"`
	Frequency string    `json:"frequency" bson:"frequency"`
	WithTxs   bool      `json:"withTransactions" bson:"withTransactions"`
	Retention int       `json:"retention" bson:"retention"`
	Active    bool      `json:"active" bson:"active"`
	LastRun   time.Time `json:"lastRun,omitempty" bson:"lastRun,omitempty"`
	NextRun   time.Time `json:"nextRun" bson:"nextRun"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}
