package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/celora/custody/backup"
	"github.com/celora/custody/lib/chain"
	"github.com/celora/custody/lib/crypt"
	"github.com/celora/custody/lib/msg"
	"github.com/celora/custody/lib/store"
)

// memDB is an in-memory store.DB for service tests.
type memDB struct {
	mu        sync.Mutex
	wallets   map[string]store.Wallet
	txs       map[string]store.Transaction
	backups   map[string]store.Backup
	schedules map[string]store.BackupSchedule
}

func newMemDB() *memDB {
	return &memDB{
		wallets:   make(map[string]store.Wallet),
		txs:       make(map[string]store.Transaction),
		backups:   make(map[string]store.Backup),
		schedules: make(map[string]store.BackupSchedule),
	}
}

func (m *memDB) AddWallet(w store.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, x := range m.wallets {
		if x.Owner == w.Owner && x.Blockchain == w.Blockchain && x.Address == w.Address {
			return store.ErrDuplicate
		}
	}

	m.wallets[w.ID] = w

	return nil
}

func (m *memDB) GetWallet(id string) (store.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return store.Wallet{}, store.ErrNotFound
	}

	return w, nil
}

func (m *memDB) GetWalletByAddress(owner, blockchain, address string) (store.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.wallets {
		if w.Owner == owner && w.Blockchain == blockchain && w.Address == address {
			return w, nil
		}
	}

	return store.Wallet{}, store.ErrNotFound
}

func (m *memDB) GetWallets(owner string) ([]store.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws := []store.Wallet{}

	for _, w := range m.wallets {
		if w.Owner == owner {
			ws = append(ws, w)
		}
	}

	sort.Slice(ws, func(i, j int) bool { return ws[i].CreatedAt.Before(ws[j].CreatedAt) })

	return ws, nil
}

func (m *memDB) SetPrimary(owner, blockchain, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok || w.Owner != owner || w.Blockchain != blockchain {
		return store.ErrNotFound
	}

	for k, x := range m.wallets {
		if x.Owner == owner && x.Blockchain == blockchain {
			x.Primary = k == id
			m.wallets[k] = x
		}
	}

	return nil
}

func (m *memDB) MarkBackedUp(owner string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, w := range m.wallets {
		if w.Owner == owner {
			w.BackedUpAt = at
			m.wallets[k] = w
		}
	}

	return nil
}

func (m *memDB) AddTransactions(txs []store.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range txs {
		m.txs[tx.ID] = tx
	}

	return nil
}

func (m *memDB) GetTransactions(owner string, limit int) ([]store.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txs := []store.Transaction{}

	for _, tx := range m.txs {
		if tx.Owner == owner {
			txs = append(txs, tx)
		}
	}

	sort.Slice(txs, func(i, j int) bool { return txs[i].Timestamp.After(txs[j].Timestamp) })

	if limit > 0 && limit < len(txs) {
		txs = txs[:limit]
	}

	return txs, nil
}

func (m *memDB) AddBackup(b store.Backup) error {
	m.mu.Lock()
	m.backups[b.ID] = b
	m.mu.Unlock()

	return nil
}

func (m *memDB) UpdateBackup(b store.Backup) error {
	m.mu.Lock()
	m.backups[b.ID] = b
	m.mu.Unlock()

	return nil
}

func (m *memDB) GetBackup(id string) (store.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.backups[id]
	if !ok {
		return store.Backup{}, store.ErrNotFound
	}

	return b, nil
}

func (m *memDB) GetBackups(owner string) ([]store.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bs := []store.Backup{}

	for _, b := range m.backups {
		if b.Owner == owner {
			bs = append(bs, b)
		}
	}

	sort.Slice(bs, func(i, j int) bool { return bs[i].CreatedAt.After(bs[j].CreatedAt) })

	return bs, nil
}

func (m *memDB) DeleteBackup(id string) error {
	m.mu.Lock()
	delete(m.backups, id)
	m.mu.Unlock()

	return nil
}

func (m *memDB) UpsertSchedule(s store.BackupSchedule) error {
	m.mu.Lock()
	m.schedules[s.Owner] = s
	m.mu.Unlock()

	return nil
}

func (m *memDB) GetSchedule(owner string) (store.BackupSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[owner]
	if !ok {
		return store.BackupSchedule{}, store.ErrNotFound
	}

	return s, nil
}

func (m *memDB) DueSchedules(now time.Time) ([]store.BackupSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ss := []store.BackupSchedule{}

	for _, s := range m.schedules {
		if s.Active && !s.NextRun.After(now) {
			ss = append(ss, s)
		}
	}

	return ss, nil
}

// memBroker records published events.
type memBroker struct {
	mu     sync.Mutex
	events []msg.Event
}

func (b *memBroker) Setup(interface{}) error { return nil }
func (b *memBroker) Close() error            { return nil }

func (b *memBroker) SendEvent(e msg.Event) error {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()

	return nil
}

func (b *memBroker) GetEvents(string, *sync.Mutex) (<-chan msg.Event, <-chan error, error) {
	return nil, nil, nil
}

func (b *memBroker) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n int

	for _, e := range b.events {
		if e.Name == name {
			n++
		}
	}

	return n
}

var testParams = crypt.Params{Iterations: crypt.MinIterations}

func testService() (*Wallet, *memDB, *memBroker) {
	dbm := newMemDB()
	mb := &memBroker{}
	bk := backup.New(dbm, mb, testParams)

	return New("test", dbm, mb, chain.Init(), nil, bk, testParams, 8), dbm, mb
}

func addrsByChain(ws []store.Wallet) map[string]string {
	out := make(map[string]string)
	for _, w := range ws {
		out[w.Blockchain] = w.Address
	}

	return out
}

func TestGenerate(t *testing.T) {
	w, _, mb := testService()

	mnemonic, ws, err := w.Generate(context.Background(), "alice", "hunter2pass")
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	if n := len(strings.Fields(mnemonic)); n != 12 {
		t.Errorf("expected a 12 word mnemonic, got %d words", n)
	}

	if len(ws) != 3 {
		t.Fatalf("expected one wallet per blockchain, got %d", len(ws))
	}

	seen := make(map[string]bool)

	for _, x := range ws {
		if !x.Primary {
			t.Errorf("first wallet on %s not primary", x.Blockchain)
		}

		if x.Address == "" || x.Path == "" || len(x.PrivateKey.Ciphertext) == 0 || x.SeedPhrase == nil {
			t.Errorf("incomplete wallet record: %+v", x)
		}

		if seen[x.Blockchain] {
			t.Errorf("two wallets on %s", x.Blockchain)
		}

		seen[x.Blockchain] = true
	}

	if got := mb.count(msg.WalletCreated); got != 3 {
		t.Errorf("expected 3 created events, got %d", got)
	}
}

func TestGenerateWeakPassword(t *testing.T) {
	w, _, _ := testService()

	if _, _, err := w.Generate(context.Background(), "alice", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("expected ErrWeakPassword, got %v", err)
	}
}

// The exported phrase must land on the same addresses when imported again, whatever the new password is.
func TestExportImportRoundTrip(t *testing.T) {
	w, _, _ := testService()

	_, ws, err := w.Generate(context.Background(), "alice", "hunter2pass")
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	phrase, err := w.ExportSeedPhrase(context.Background(), "alice", ws[0].ID, "hunter2pass")
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	// sloppy casing and whitespace are normalized away
	ws2, err := w.ImportFromSeedPhrase(context.Background(), "bob", "  "+strings.ToUpper(phrase)+"  ", "another-password")
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	got, want := addrsByChain(ws2), addrsByChain(ws)
	for bc, addr := range want {
		if got[bc] != addr {
			t.Errorf("[%s] address %s, expected %s", bc, got[bc], addr)
		}
	}

	for _, x := range ws2 {
		if !x.Imported {
			t.Errorf("[%s] wallet not flagged imported", x.Blockchain)
		}
	}
}

func TestImportInvalidMnemonic(t *testing.T) {
	w, _, _ := testService()

	_, err := w.ImportFromSeedPhrase(context.Background(), "alice", "not a real seed phrase at all", "hunter2pass")
	if !errors.Is(err, ErrInvalidMnemonic) {
		t.Errorf("expected ErrInvalidMnemonic, got %v", err)
	}
}

func TestImportSamePhraseTwice(t *testing.T) {
	w, _, _ := testService()

	mnemonic, _, err := w.Generate(context.Background(), "alice", "hunter2pass")
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	// all addresses exist already, nothing new gets created
	if _, err = w.ImportFromSeedPhrase(context.Background(), "alice", mnemonic, "hunter2pass"); !errors.Is(err, ErrNoWallets) {
		t.Errorf("expected ErrNoWallets, got %v", err)
	}
}

func TestImportFromPrivateKey(t *testing.T) {
	w, _, _ := testService()

	// export a generated key, import it for another owner and land on the same address
	_, ws, err := w.Generate(context.Background(), "alice", "hunter2pass")
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	src := addrsByChain(ws)

	for _, x := range ws {
		key, errExp := w.ExportPrivateKey(context.Background(), "alice", x.ID, "hunter2pass")
		if errExp != nil {
			t.Fatalf("[%s] err:%e", x.Blockchain, errExp)
		}

		rec, errImp := w.ImportFromPrivateKey(context.Background(), "bob", x.Blockchain, key, "another-password")
		if errImp != nil {
			t.Fatalf("[%s] err:%e", x.Blockchain, errImp)
		}

		if rec.Address != src[x.Blockchain] {
			t.Errorf("[%s] address %s, expected %s", x.Blockchain, rec.Address, src[x.Blockchain])
		}

		if rec.SeedPhrase != nil {
			t.Errorf("[%s] key import must not carry a seed phrase", x.Blockchain)
		}

		// the same key again is a duplicate
		if _, errImp = w.ImportFromPrivateKey(context.Background(), "bob", x.Blockchain, key,
			"another-password"); !errors.Is(errImp, store.ErrDuplicate) {
			t.Errorf("[%s] expected ErrDuplicate, got %v", x.Blockchain, errImp)
		}
	}
}

func TestExportWrongPassword(t *testing.T) {
	w, _, _ := testService()

	_, ws, err := w.Generate(context.Background(), "alice", "hunter2pass")
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	if _, err = w.ExportSeedPhrase(context.Background(), "alice", ws[0].ID,
		"not-the-password"); !errors.Is(err, crypt.ErrAuthenticationFailed) {
		t.Errorf("expected ErrAuthenticationFailed, got %v", err)
	}

	// another owner cannot reach the wallet at all
	if _, err = w.ExportSeedPhrase(context.Background(), "mallory", ws[0].ID,
		"hunter2pass"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExportKeyAddressMismatch(t *testing.T) {
	w, dbm, _ := testService()

	_, ws, err := w.Generate(context.Background(), "alice", "hunter2pass")
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	// tamper with the stored address
	dbm.mu.Lock()
	rec := dbm.wallets[ws[0].ID]
	rec.Address = "tampered"
	dbm.wallets[ws[0].ID] = rec
	dbm.mu.Unlock()

	if _, err = w.ExportPrivateKey(context.Background(), "alice", ws[0].ID,
		"hunter2pass"); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("expected ErrKeyMismatch, got %v", err)
	}
}

func TestSetPrimary(t *testing.T) {
	w, _, _ := testService()

	_, ws, err := w.Generate(context.Background(), "alice", "hunter2pass")
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	_, ws2, err := w.Generate(context.Background(), "alice", "hunter2pass")
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	// second set is not primary
	for _, x := range ws2 {
		if x.Primary {
			t.Errorf("[%s] second wallet flagged primary", x.Blockchain)
		}
	}

	if err = w.SetPrimary(context.Background(), "alice", ws2[0].ID); err != nil {
		t.Fatalf("err:%e", err)
	}

	all, _ := w.Wallets(context.Background(), "alice")
	for _, x := range all {
		if x.Blockchain != ws2[0].Blockchain {
			continue
		}

		if x.ID == ws2[0].ID && !x.Primary || x.ID == ws[0].ID && x.Primary {
			t.Errorf("primary flag wrong on %s: %+v", x.ID, x)
		}
	}
}

// API tests against the route table. Export failures with a wrong password must come back as one generic message.
func TestAPI(t *testing.T) {
	w, _, _ := testService()

	srv := httptest.NewServer(w.router())
	defer srv.Close()

	post := func(uri string, obj interface{}) (int, Response) {
		t.Helper()

		pl, _ := json.Marshal(obj)

		resp, err := http.Post(srv.URL+uri, "application/json;charset=utf8", bytes.NewBuffer(pl))
		if err != nil {
			t.Fatalf("err:%e", err)
		}
		defer resp.Body.Close()

		var res Response
		if err = json.NewDecoder(resp.Body).Decode(&res); err != nil {
			t.Fatalf("err:%e", err)
		}

		return resp.StatusCode, res
	}

	// generate a set of wallets
	status, res := post("/wallets", map[string]interface{}{"owner": "alice", "password": "hunter2pass"})
	if status != http.StatusCreated || res.Error != "" {
		t.Fatalf("generate: %d %+v", status, res)
	}

	var created struct {
		SeedPhrase string       `json:"seedPhrase"`
		Wallets    []walletView `json:"wallets"`
	}

	if err := json.Unmarshal([]byte(res.Body), &created); err != nil {
		t.Fatalf("err:%e", err)
	}

	if len(created.Wallets) != 3 || created.SeedPhrase == "" {
		t.Fatalf("generate body: %+v", created)
	}

	// a wrong password on export maps to the generic message
	status, res = post("/wallets/"+created.Wallets[0].ID+"/phrase",
		map[string]interface{}{"owner": "alice", "password": "not-the-password"})
	if status != http.StatusForbidden || res.Error != errAccessDenied {
		t.Errorf("export: %d %+v", status, res)
	}

	// backups of the generated wallets round trip over the API
	status, res = post("/backups", map[string]interface{}{"owner": "alice", "password": "hunter2pass"})
	if status != http.StatusCreated || res.Error != "" {
		t.Fatalf("backup: %d %+v", status, res)
	}

	var b store.Backup
	if err := json.Unmarshal([]byte(res.Body), &b); err != nil {
		t.Fatalf("err:%e", err)
	}

	if b.State != store.StatePersisted || b.Wallets != 3 || len(b.Payload.Ciphertext) != 0 {
		t.Errorf("backup body: %+v", b)
	}

	status, res = post("/backups/"+b.ID+"/restore", map[string]interface{}{"password": "wrong-password"})
	if status != http.StatusForbidden || res.Error != errAccessDenied {
		t.Errorf("restore: %d %+v", status, res)
	}

	status, res = post("/backups/"+b.ID+"/restore", map[string]interface{}{"password": "hunter2pass"})
	if status != http.StatusOK || res.Error != "" {
		t.Errorf("restore: %d %+v", status, res)
	}

	// wallet listing never exposes key material
	resp, err := http.Get(srv.URL + "/wallets?owner=alice")
	if err != nil {
		t.Fatalf("err:%e", err)
	}
	defer resp.Body.Close()

	var listed Response
	if err = json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("err:%e", err)
	}

	if strings.Contains(listed.Body, "ciphertext") || strings.Contains(listed.Body, created.SeedPhrase) {
		t.Errorf("listing leaks key material: %s", listed.Body)
	}
}
