// Command fdbsyncd runs the FdbSync warm-restart agent: it keeps the
// kernel bridge FDB, VXLAN_FDB/VXLAN_REMOTE_VNI, and the ASIC-learned
// FDB_TABLE in agreement, replaying a reconcile cache across a warm
// restart the same way the teacher's cmd/dplaned holds a daemon's state in
// SQLite across a process restart.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"switchsync/internal/adminapi"
	"switchsync/internal/fdbsync"
	"switchsync/internal/netlinkx"
	"switchsync/internal/statestore"
)

const (
	tableStateFdb = "FDB_TABLE"
	tableEvpnNvo  = "VXLAN_EVPN_NVO_TABLE"
)

func main() {
	dbPath := flag.String("db", "/var/run/switchsync/fdbsync.db", "state database path")
	listenAddr := flag.String("listen", "127.0.0.1:8081", "admin API listen address")
	reconcileTimer := flag.Duration("reconcile-timer", 30*time.Second, "warm-restart reconcile timer")
	flag.Parse()

	store, err := statestore.Open(*dbPath)
	if err != nil {
		log.Fatalf("[fdbsyncd] open store: %v", err)
	}
	defer store.Close()

	eng, err := fdbsync.New(store, *reconcileTimer)
	if err != nil {
		log.Fatalf("[fdbsyncd] new engine: %v", err)
	}

	if err := store.SetStatus("fdbsync", "INITIALIZED"); err != nil {
		log.Printf("[fdbsyncd] set status: %v", err)
	}
	if err := eng.Assist().ReadTablesToMap(); err != nil {
		log.Fatalf("[fdbsyncd] read tables to map: %v", err)
	}
	if err := store.SetStatus("fdbsync", "RESTORED"); err != nil {
		log.Printf("[fdbsyncd] set status: %v", err)
	}

	if err := eng.Bootstrap(); err != nil {
		log.Fatalf("[fdbsyncd] bootstrap link dump: %v", err)
	}

	events, err := netlinkx.Subscribe()
	if err != nil {
		log.Fatalf("[fdbsyncd] subscribe netlink: %v", err)
	}
	defer events.Close()

	stateFdbCh := store.Subscribe(tableStateFdb)
	defer store.Unsubscribe(tableStateFdb, stateFdbCh)
	evpnNvoCh := store.Subscribe(tableEvpnNvo)
	defer store.Unsubscribe(tableEvpnNvo, evpnNvoCh)

	admin := adminapi.New("fdbsync", eng.Assist(), store, nil, nil)
	admin.Run()
	go admin.WatchTable(tableStateFdb, nil)

	srv := &http.Server{
		Addr:         *listenAddr,
		Handler:      admin.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[fdbsyncd] admin server: %v", err)
		}
	}()

	reconcileFired := eng.Assist().StartReconcileTimer()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	log.Printf("[fdbsyncd] running, admin on %s", *listenAddr)
	for {
		select {
		case ev := <-events.Links:
			eng.OnLink(ev)
		case ev := <-events.Neighs:
			eng.OnNeigh(ev)
		case err := <-events.Err():
			log.Fatalf("[fdbsyncd] netlink event source failed: %v", err)
		case ev := <-stateFdbCh:
			eng.ProcessStateFdb([]statestore.Event{ev})
		case ev := <-evpnNvoCh:
			eng.ProcessEvpnNvo([]statestore.Event{ev})
		case <-reconcileFired:
			if err := eng.Assist().Reconcile(); err != nil {
				log.Printf("[fdbsyncd] reconcile: %v", err)
			} else if err := store.SetStatus("fdbsync", "RECONCILED"); err != nil {
				log.Printf("[fdbsyncd] set status: %v", err)
			}
		case <-stop:
			log.Printf("[fdbsyncd] shutting down")
			eng.Assist().StopReconcileTimer()
			srv.Close()
			return
		}
		if err := store.FlushPipeline(); err != nil {
			log.Printf("[fdbsyncd] flush pipeline: %v", err)
		}
	}
}
