package wallet

import (
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// router builds the route table of the API.
func (w *Wallet) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", w.homeHandler)
	r.HandleFunc("/networks", w.networksHandler).Methods(http.MethodGet)

	r.HandleFunc("/wallets", w.generateHandler).Methods(http.MethodPost)
	r.HandleFunc("/wallets", w.walletsHandler).Methods(http.MethodGet)
	r.HandleFunc("/wallets/import/phrase", w.importPhraseHandler).Methods(http.MethodPost)
	r.HandleFunc("/wallets/import/key", w.importKeyHandler).Methods(http.MethodPost)
	r.HandleFunc("/wallets/{id}/primary", w.primaryHandler).Methods(http.MethodPut)
	r.HandleFunc("/wallets/{id}/phrase", w.exportPhraseHandler).Methods(http.MethodPost)
	r.HandleFunc("/wallets/{id}/key", w.exportKeyHandler).Methods(http.MethodPost)
	r.HandleFunc("/wallets/{id}/balance", w.balanceHandler).Methods(http.MethodGet)
	r.HandleFunc("/wallets/{id}/transactions", w.transactionsHandler).Methods(http.MethodGet)

	r.HandleFunc("/endpoints/test", w.testEndpointHandler).Methods(http.MethodPost)

	r.HandleFunc("/backups", w.createBackupHandler).Methods(http.MethodPost)
	r.HandleFunc("/backups", w.listBackupsHandler).Methods(http.MethodGet)
	r.HandleFunc("/backups", w.cleanupBackupsHandler).Methods(http.MethodDelete)
	r.HandleFunc("/backups/schedule", w.scheduleHandler).Methods(http.MethodGet, http.MethodPut)
	r.HandleFunc("/backups/{id}/restore", w.restoreBackupHandler).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// Init starts the RESTful API servers and blocks until Stop is called. A http server is started on port when
// given, a https server on sslPort when given together with the certificate files.
func (w *Wallet) Init(endpoint, port, sslPort, sslCert, sslKey string) error {
	r := w.router()

	// launch servers
	if port != "" {
		w.s = &http.Server{Addr: endpoint + ":" + port, Handler: r}

		go func() {
			log.Printf("[wallet] API server starting on %s", w.s.Addr)

			if err := w.s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[wallet] Error in http server:%e", err)
			}
		}()
	}

	if sslPort != "" && sslCert != "" && sslKey != "" {
		w.ss = &http.Server{Addr: endpoint + ":" + sslPort, Handler: r}

		go func() {
			log.Printf("[wallet] API TLS server starting on %s", w.ss.Addr)

			if err := w.ss.ListenAndServeTLS(sslCert, sslKey); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[wallet] Error in https server:%e", err)
			}
		}()
	}

	// block until service stop
	<-w.sc

	return nil
}
