// Package store defines the interface for database implementations to the custody service.
package store

import (
	"errors"
	"time"
)

// DB defines required methods for wallets, transactions, backups and backup schedules.
type DB interface {
	// methods for wallet records
	AddWallet(Wallet) error
	GetWallet(id string) (Wallet, error)
	GetWalletByAddress(owner, blockchain, address string) (Wallet, error)
	GetWallets(owner string) ([]Wallet, error)
	SetPrimary(owner, blockchain, id string) error
	MarkBackedUp(owner string, at time.Time) error
	// methods for transaction history
	AddTransactions([]Transaction) error
	GetTransactions(owner string, limit int) ([]Transaction, error)
	// methods for backup records
	AddBackup(Backup) error
	UpdateBackup(Backup) error
	GetBackup(id string) (Backup, error)
	GetBackups(owner string) ([]Backup, error)
	DeleteBackup(id string) error
	// methods for backup schedules
	UpsertSchedule(BackupSchedule) error
	GetSchedule(owner string) (BackupSchedule, error)
	DueSchedules(now time.Time) ([]BackupSchedule, error)
}

// Errors returned
var (
	ErrNotFound  = errors.New("record was not found in store")
	ErrDuplicate = errors.New("record already exists in store")
)
