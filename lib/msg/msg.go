// Package msg defines the interface for different message brokers.
//
package msg

import (
	"sync"
	"time"
)

// Names of the events published by the custody service.
const (
	WalletCreated   = "wallet.created"
	BackupCompleted = "backup.completed"
	BackupFailed    = "backup.failed"
)

// Event is the message published for the notification subsystem. Events carry identifiers only, never key
// material or backup payloads.
type Event struct {
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	Blockchain string    `json:"blockchain,omitempty"`
	Address    string    `json:"address,omitempty"`
	BackupID   string    `json:"backupId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

type MsgBroker interface {
	Setup(interface{}) error
	Close() error

	// publishing side, used by the custody service
	SendEvent(e Event) error

	// consuming side, used by notification workers
	GetEvents(owner string, mut *sync.Mutex) (<-chan Event, <-chan error, error)
}
