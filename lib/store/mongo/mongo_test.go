package mongo

import (
	"os"
	"testing"
	"time"

	"github.com/celora/custody/lib/crypt"
	"github.com/celora/custody/lib/store"
)

// Integration tests against a running mongod. Set CUSTODY_TEST_MONGO to its uri to enable, ie.
// # CUSTODY_TEST_MONGO=mongodb://localhost:27017 go test ./lib/store/mongo
func testDB(t *testing.T) *Mongo {
	uri := os.Getenv("CUSTODY_TEST_MONGO")
	if uri == "" {
		t.Skip("CUSTODY_TEST_MONGO not set")
	}

	m, err := New(uri)
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	return m
}

func testWallet(id, owner string) store.Wallet {
	return store.Wallet{
		ID:         id,
		Owner:      owner,
		Blockchain: "solana",
		Network:    "mainnet",
		Address:    "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM" + id,
		Path:       "m/44'/501'/0'/0'",
		PrivateKey: crypt.Blob{Salt: []byte("0123456789abcdef"), Iterations: 200000, Ciphertext: []byte{1, 2, 3}},
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestWallets(t *testing.T) {
	m := testDB(t)
	defer m.CloseMongo()

	w := testWallet("w1", "owner-mongo-test")
	if err := m.AddWallet(w); err != nil {
		t.Fatalf("err:%e", err)
	}
	// duplicates are rejected
	if err := m.AddWallet(w); err != store.ErrDuplicate {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	got, err := m.GetWalletByAddress(w.Owner, w.Blockchain, w.Address)
	if err != nil || got.ID != w.ID {
		t.Errorf("get by address: %v %+v", err, got)
	}

	w2 := testWallet("w2", "owner-mongo-test")
	if err = m.AddWallet(w2); err != nil {
		t.Fatalf("err:%e", err)
	}

	if err = m.SetPrimary(w.Owner, w.Blockchain, "w2"); err != nil {
		t.Errorf("err:%e", err)
	}

	ws, err := m.GetWallets(w.Owner)
	if err != nil || len(ws) != 2 {
		t.Fatalf("expected 2 wallets: %v %+v", err, ws)
	}

	for _, x := range ws {
		if x.ID == "w2" && !x.Primary || x.ID == "w1" && x.Primary {
			t.Errorf("primary flag wrong: %+v", x)
		}
	}
}

func TestBackups(t *testing.T) {
	m := testDB(t)
	defer m.CloseMongo()

	b := store.Backup{
		ID:        "b1",
		Owner:     "owner-mongo-test",
		State:     store.StateCollecting,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := m.AddBackup(b); err != nil {
		t.Fatalf("err:%e", err)
	}

	b.State = store.StatePersisted
	b.Checksum = "deadbeef"
	if err := m.UpdateBackup(b); err != nil {
		t.Errorf("err:%e", err)
	}

	got, err := m.GetBackup("b1")
	if err != nil || got.State != store.StatePersisted || got.Checksum != "deadbeef" {
		t.Errorf("get backup: %v %+v", err, got)
	}

	if err = m.DeleteBackup("b1"); err != nil {
		t.Errorf("err:%e", err)
	}

	if _, err = m.GetBackup("b1"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSchedules(t *testing.T) {
	m := testDB(t)
	defer m.CloseMongo()

	now := time.Now().UTC().Truncate(time.Millisecond)
	s := store.BackupSchedule{
		Owner:     "owner-mongo-test",
		Frequency: "daily",
		Retention: 5,
		Active:    true,
		NextRun:   now.Add(-time.Minute),
		UpdatedAt: now,
	}
	if err := m.UpsertSchedule(s); err != nil {
		t.Fatalf("err:%e", err)
	}

	due, err := m.DueSchedules(now)
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	var found bool

	for _, d := range due {
		if d.Owner == s.Owner {
			found = true
		}
	}

	if !found {
		t.Errorf("schedule not due: %+v", due)
	}
}
