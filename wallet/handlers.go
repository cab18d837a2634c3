package wallet

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/celora/custody/backup"
	"github.com/celora/custody/lib/crypt"
	"github.com/celora/custody/lib/store"
)

// Response is the envelope for all API responses.
type Response struct {
	Body  string `json:"body,omitempty"`
	Error string `json:"error,omitempty"`
}

// errAccessDenied is the one message returned for any decryption or integrity failure. The API never tells a
// caller whether the password was wrong or the data was tampered with.
const errAccessDenied = "cannot access this data"

// ErrBadrequest is returned when the request body or query cannot be parsed.
var ErrBadrequest = errors.New("bad request")

// errStatus maps a service error to the http status code of the response.
func errStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, backup.ErrBackupInFlight):
		return http.StatusConflict
	case errors.Is(err, crypt.ErrAuthenticationFailed), errors.Is(err, backup.ErrIntegrity),
		errors.Is(err, ErrKeyMismatch):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// errMessage maps a service error to the error field of the response.
func errMessage(err error) string {
	if errors.Is(err, crypt.ErrAuthenticationFailed) || errors.Is(err, backup.ErrIntegrity) ||
		errors.Is(err, ErrKeyMismatch) {
		return errAccessDenied
	}

	return err.Error()
}

// reply finishes every handler: it logs the request, fills the envelope and writes the response.
func reply(rw http.ResponseWriter, r *http.Request, res *Response, status *int, err *error) {
	log.Printf("httpreq from %v %s %s err:%v", r.RemoteAddr, r.Method, r.URL, *err)

	rw.Header().Set("Content-Type", "application/json;charset=utf8")

	if *err != nil {
		res.Error = errMessage(*err)
		rw.WriteHeader(errStatus(*err))
	} else {
		rw.WriteHeader(*status)
	}

	if errEnc := json.NewEncoder(rw).Encode(res); errEnc != nil {
		log.Printf("[wallet] Error encoding response:%e", errEnc)
	}
}

// body fills the envelope body with the JSON encoding of v.
func (res *Response) body(v interface{}) error {
	p, err := json.Marshal(v)
	if err != nil {
		return err
	}

	res.Body = string(p)

	return nil
}

// walletView is a wallet record as returned by the API. Sealed key material never leaves the service through a
// listing, only through the explicit export operations.
type walletView struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	Blockchain    string    `json:"blockchain"`
	Network       string    `json:"network"`
	Address       string    `json:"address"`
	Path          string    `json:"path,omitempty"`
	Primary       bool      `json:"primary"`
	Imported      bool      `json:"imported"`
	HasSeedPhrase bool      `json:"hasSeedPhrase"`
	CreatedAt     time.Time `json:"createdAt"`
	BackedUpAt    time.Time `json:"backedUpAt,omitempty"`
}

func view(w store.Wallet) walletView {
	return walletView{
		ID:            w.ID,
		Owner:         w.Owner,
		Blockchain:    w.Blockchain,
		Network:       w.Network,
		Address:       w.Address,
		Path:          w.Path,
		Primary:       w.Primary,
		Imported:      w.Imported,
		HasSeedPhrase: w.SeedPhrase != nil,
		CreatedAt:     w.CreatedAt,
		BackedUpAt:    w.BackedUpAt,
	}
}

func views(ws []store.Wallet) []walletView {
	vs := make([]walletView, len(ws))
	for i, w := range ws {
		vs[i] = view(w)
	}

	return vs
}

// homeHandler greets the caller.
func (w *Wallet) homeHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusOK
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	res.Body = "Hello, this is your wallet custody service!"
}

// networksHandler returns the supported blockchains.
func (w *Wallet) networksHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusOK
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	err = res.body(w.blockchains())
}

// generateHandler creates a fresh set of wallets for the owner and returns the mnemonic exactly once.
func (w *Wallet) generateHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusCreated
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	var req struct {
		Owner    string `json:"owner"`
		Password string `json:"password"`
	}

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" {
		err = ErrBadrequest

		return
	}

	mnemonic, ws, errGen := w.Generate(r.Context(), req.Owner, req.Password)
	if errGen != nil {
		err = errGen

		return
	}

	err = res.body(struct {
		SeedPhrase string       `json:"seedPhrase"`
		Wallets    []walletView `json:"wallets"`
	}{mnemonic, views(ws)})
}

// importPhraseHandler recreates wallets from an existing mnemonic.
func (w *Wallet) importPhraseHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusCreated
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	var req struct {
		Owner      string `json:"owner"`
		SeedPhrase string `json:"seedPhrase"`
		Password   string `json:"password"`
	}

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" {
		err = ErrBadrequest

		return
	}

	ws, errImp := w.ImportFromSeedPhrase(r.Context(), req.Owner, req.SeedPhrase, req.Password)
	if errImp != nil {
		err = errImp

		return
	}

	err = res.body(views(ws))
}

// importKeyHandler stores a single wallet from a raw private key.
func (w *Wallet) importKeyHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusCreated
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	var req struct {
		Owner      string `json:"owner"`
		Blockchain string `json:"blockchain"`
		PrivateKey string `json:"privateKey"`
		Password   string `json:"password"`
	}

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" {
		err = ErrBadrequest

		return
	}

	ws, errImp := w.ImportFromPrivateKey(r.Context(), req.Owner, req.Blockchain, req.PrivateKey, req.Password)
	if errImp != nil {
		err = errImp

		return
	}

	err = res.body(view(ws))
}

// walletsHandler lists the owner's wallets.
func (w *Wallet) walletsHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusOK
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	owner := r.URL.Query().Get("owner")
	if owner == "" {
		err = ErrBadrequest

		return
	}

	ws, errGet := w.Wallets(r.Context(), owner)
	if errGet != nil {
		err = errGet

		return
	}

	err = res.body(views(ws))
}

// primaryHandler makes the wallet the owner's primary for its blockchain.
func (w *Wallet) primaryHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusOK
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	var req struct {
		Owner string `json:"owner"`
	}

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" {
		err = ErrBadrequest

		return
	}

	err = w.SetPrimary(r.Context(), req.Owner, mux.Vars(r)["id"])
}

// exportPhraseHandler returns the wallet's mnemonic after opening it with the password.
func (w *Wallet) exportPhraseHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusOK
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	var req struct {
		Owner    string `json:"owner"`
		Password string `json:"password"`
	}

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" {
		err = ErrBadrequest

		return
	}

	phrase, errExp := w.ExportSeedPhrase(r.Context(), req.Owner, mux.Vars(r)["id"], req.Password)
	if errExp != nil {
		err = errExp

		return
	}

	err = res.body(struct {
		SeedPhrase string `json:"seedPhrase"`
	}{phrase})
}

// exportKeyHandler returns the wallet's private key, hex encoded, after opening it with the password.
func (w *Wallet) exportKeyHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusOK
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	var req struct {
		Owner    string `json:"owner"`
		Password string `json:"password"`
	}

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" {
		err = ErrBadrequest

		return
	}

	key, errExp := w.ExportPrivateKey(r.Context(), req.Owner, mux.Vars(r)["id"], req.Password)
	if errExp != nil {
		err = errExp

		return
	}

	err = res.body(struct {
		PrivateKey string `json:"privateKey"`
	}{key})
}

// balanceHandler returns the wallet's on-chain balance.
func (w *Wallet) balanceHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusOK
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	owner := r.URL.Query().Get("owner")
	if owner == "" {
		err = ErrBadrequest

		return
	}

	bal, errBal := w.Balance(r.Context(), owner, mux.Vars(r)["id"])
	if errBal != nil {
		err = errBal

		return
	}

	err = res.body(struct {
		Balance string `json:"balance"`
	}{bal})
}

// transactionsHandler returns the wallet's recent transactions, newest first.
func (w *Wallet) transactionsHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusOK
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	owner := r.URL.Query().Get("owner")
	if owner == "" {
		err = ErrBadrequest

		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 10
	}

	txs, errTx := w.Transactions(r.Context(), owner, mux.Vars(r)["id"], limit)
	if errTx != nil {
		err = errTx

		return
	}

	err = res.body(txs)
}

// testEndpointHandler health-checks a user supplied endpoint before it is accepted into the configuration.
func (w *Wallet) testEndpointHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusOK
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	var req struct {
		Blockchain string `json:"blockchain"`
		URL        string `json:"url"`
	}

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		err = ErrBadrequest

		return
	}

	err = w.rm.TestConnection(r.Context(), req.Blockchain, req.URL)
}

// createBackupHandler runs a backup of the owner's custody data.
func (w *Wallet) createBackupHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusCreated
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	var req struct {
		Owner    string            `json:"owner"`
		Password string            `json:"password"`
		WithTxs  bool              `json:"withTransactions"`
		Metadata map[string]string `json:"metadata"`
	}

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" {
		err = ErrBadrequest

		return
	}

	if err = w.checkPassword(req.Password); err != nil {
		return
	}

	b, errBk := w.bk.Create(r.Context(), req.Owner, backup.Options{
		Password: req.Password,
		WithTxs:  req.WithTxs,
		Metadata: req.Metadata,
	})
	if errBk != nil {
		err = errBk

		return
	}

	b.Payload = crypt.Blob{}
	err = res.body(b)
}

// listBackupsHandler lists the owner's backups, newest first, without payloads.
func (w *Wallet) listBackupsHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusOK
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	q := r.URL.Query()

	owner := q.Get("owner")
	if owner == "" {
		err = ErrBadrequest

		return
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	bs, errList := w.bk.List(r.Context(), owner, limit, offset)
	if errList != nil {
		err = errList

		return
	}

	err = res.body(bs)
}

// restoreBackupHandler restores the wallets and transactions held in a backup.
func (w *Wallet) restoreBackupHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusOK
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	var req struct {
		Password string `json:"password"`
	}

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		err = ErrBadrequest

		return
	}

	out, errRst := w.bk.Restore(r.Context(), mux.Vars(r)["id"], req.Password)
	if errRst != nil {
		err = errRst

		return
	}

	err = res.body(out)
}

// cleanupBackupsHandler prunes the owner's backups down to the keep newest ones.
func (w *Wallet) cleanupBackupsHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusOK
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	q := r.URL.Query()

	owner := q.Get("owner")
	if owner == "" {
		err = ErrBadrequest

		return
	}

	keep, errKeep := strconv.Atoi(q.Get("keep"))
	if errKeep != nil || keep < 0 {
		err = ErrBadrequest

		return
	}

	deleted, errCln := w.bk.Cleanup(r.Context(), owner, keep)
	if errCln != nil {
		err = errCln

		return
	}

	err = res.body(struct {
		Deleted int `json:"deleted"`
	}{deleted})
}

// scheduleHandler configures or returns the owner's automatic backup schedule.
func (w *Wallet) scheduleHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		res    Response
		status = http.StatusOK
		err    error
	)
	defer reply(rw, r, &res, &status, &err)

	if r.Method == http.MethodGet {
		owner := r.URL.Query().Get("owner")
		if owner == "" {
			err = ErrBadrequest

			return
		}

		sched, errGet := w.bk.Schedule(r.Context(), owner)
		if errGet != nil {
			err = errGet

			return
		}

		err = res.body(sched)

		return
	}

	var req struct {
		Owner     string `json:"owner"`
		Frequency string `json:"frequency"`
		WithTxs   bool   `json:"withTransactions"`
		Retention int    `json:"retention"`
		Active    bool   `json:"active"`
	}

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" {
		err = ErrBadrequest

		return
	}

	sched, errCfg := w.bk.ConfigureAuto(r.Context(), req.Owner, req.Frequency, req.WithTxs, req.Retention, req.Active)
	if errCfg != nil {
		err = errCfg

		return
	}

	err = res.body(sched)
}
