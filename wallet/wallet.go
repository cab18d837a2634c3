// Package wallet implements the custody service: wallet generation and import across the configured blockchains,
// sealed key storage, the backup surface and the RESTful API exposing it all.
package wallet

import (
	"context"
	"log"
	"net/http"

	"github.com/celora/custody/backup"
	"github.com/celora/custody/lib/chain"
	"github.com/celora/custody/lib/crypt"
	"github.com/celora/custody/lib/msg"
	"github.com/celora/custody/lib/rpc"
	"github.com/celora/custody/lib/store"
	"github.com/celora/custody/lib/store/db"
)

// Wallet contains the components of the custody service.
type Wallet struct {
	dbtype      string                   // type of DB connection
	db          store.DB                 // database
	mb          msg.MsgBroker            // message broker
	ad          map[string]chain.Adapter // blockchain adapters
	rm          *rpc.Manager             // endpoint manager with failover
	bk          *backup.Service          // backup subsystem
	params      crypt.Params             // key derivation parameters for sealing
	minPassword int                      // minimum password length
	s           *http.Server             // http server
	ss          *http.Server             // https server
	sc          chan struct{}            // stop channel
}

// New returns a custody service ready to serve the API.
func New(dbtype string, dbc store.DB, mb msg.MsgBroker, ad map[string]chain.Adapter, rm *rpc.Manager,
	bk *backup.Service, params crypt.Params, minPassword int) *Wallet {
	return &Wallet{
		dbtype:      dbtype,
		db:          dbc,
		mb:          mb,
		ad:          ad,
		rm:          rm,
		bk:          bk,
		params:      params,
		minPassword: minPassword,
		sc:          make(chan struct{}),
	}
}

// Stop shuts the service down gracefully releasing all resources.
func (w *Wallet) Stop() {
	// stop the API servers
	if w.s != nil {
		if err := w.s.Shutdown(context.Background()); err != nil {
			log.Printf("[wallet] Error shutting http server down:%e", err)
		}
	}

	if w.ss != nil {
		if err := w.ss.Shutdown(context.Background()); err != nil {
			log.Printf("[wallet] Error shutting https server down:%e", err)
		}
	}

	close(w.sc)

	// close the message broker
	if w.mb != nil {
		if err := w.mb.Close(); err != nil {
			log.Printf("[wallet] Error closing message broker:%e", err)
		}
	}

	// close the database connection
	if w.db != nil {
		if err := db.Close(w.dbtype, w.db); err != nil {
			log.Printf("[wallet] Error closing db:%e", err)
		}
	}
}
