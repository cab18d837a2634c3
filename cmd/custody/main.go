// Package main: wallet custody service.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/celora/custody/backup"
	"github.com/celora/custody/lib/chain"
	"github.com/celora/custody/lib/config"
	"github.com/celora/custody/lib/crypt"
	"github.com/celora/custody/lib/msg"
	"github.com/celora/custody/lib/msg/amqp"
	"github.com/celora/custody/lib/rpc"
	"github.com/celora/custody/lib/store"
	"github.com/celora/custody/lib/store/db"
	"github.com/celora/custody/wallet"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9100")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	// the scheduler passphrase stays out of the logs
	log.Printf("Configuration: db:%s endpoint:%s:%s endpoints:%d kdfIter:%d",
		conf.DBType, conf.RestfulEndpoint, conf.Port, len(conf.Endpoints), conf.KDFIter)

	// connect to database
	var dbConn store.DB

	if conf.DBConn != "" {
		if dbConn, err = db.New(conf.DBType, conf.DBConn); err != nil {
			panic(err)
		}

		log.Printf("Connected to %s database", conf.DBType)
	}

	// load blockchain adapters and the endpoint manager
	adapters := chain.Init()
	rm := rpc.New(adapters, conf.Endpoints, conf.RPCTimeoutMs)

	log.Print("Blockchain adapters loaded")

	// load Prometheus monitor
	if *monitor {
		go func() {
			log.Println("Serving metrics API")

			h := http.NewServeMux()

			h.Handle("/metrics", promhttp.Handler())
			http.ListenAndServe(":9100", h) //nolint:errcheck,gosec // metrics sidecar
		}()
	}

	// load message broker
	var mb msg.MsgBroker

	switch conf.MbType {
	case "amqp":
		if mb, err = amqp.New(conf.MbConn); err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect

			if mb, err = amqp.New(conf.MbConn); err != nil {
				panic(err)
			}
		}

		if err = mb.Setup(nil); err != nil {
			panic(err)
		}
	default:
		log.Printf("Unknown message broker type: %s\n", conf.MbType)
	}

	params := crypt.Params{Iterations: conf.KDFIter}

	// backup subsystem and its scheduler
	bk := backup.New(dbConn, mb, params)

	var sched *backup.Scheduler

	if conf.SchedSecret != "" {
		sched = backup.NewScheduler(bk, conf.SchedSecret, time.Duration(conf.SchedTickSecs)*time.Second)
		sched.Run()

		log.Printf("Backup scheduler running every %ds", conf.SchedTickSecs)
	} else {
		log.Print("No scheduler passphrase configured, automatic backups disabled")
	}

	// create custody service
	w := wallet.New(conf.DBType, dbConn, mb, adapters, rm, bk, params, conf.MinPassword)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan int)

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Println("Program killed !")
		// do last actions and wait for all write operations to end
		if sched != nil {
			sched.Stop()
		}

		w.Stop()
		close(finish)
	}()

	// init RESTful API, wait for its return and log response
	log.Printf("Custody: %v\n", w.Init(conf.RestfulEndpoint, conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey))

	<-finish
}
