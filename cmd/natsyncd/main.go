// Command natsyncd runs the NatSync warm-restart agent: it classifies
// conntrack NEW/DELETE notifications into NAT/NAPT/NAT_TWICE/NAPT_TWICE,
// gated on the orchestration agent's NAT restore marker, the same
// flag-driven, signal-shutdown shape as the teacher's cmd/dplaned.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"switchsync/internal/adminapi"
	"switchsync/internal/conntrackx"
	"switchsync/internal/natsync"
	"switchsync/internal/statestore"
)

func main() {
	dbPath := flag.String("db", "/var/run/switchsync/natsync.db", "state database path")
	listenAddr := flag.String("listen", "127.0.0.1:8082", "admin API listen address")
	reconcileTimer := flag.Duration("reconcile-timer", 30*time.Second, "warm-restart reconcile timer")
	flag.Parse()

	store, err := statestore.Open(*dbPath)
	if err != nil {
		log.Fatalf("[natsyncd] open store: %v", err)
	}
	defer store.Close()

	eng, err := natsync.New(store, *reconcileTimer)
	if err != nil {
		log.Fatalf("[natsyncd] new engine: %v", err)
	}

	if err := store.SetStatus("natsync", "INITIALIZED"); err != nil {
		log.Printf("[natsyncd] set status: %v", err)
	}
	if err := eng.Assist().ReadTablesToMap(); err != nil {
		log.Fatalf("[natsyncd] read tables to map: %v", err)
	}
	if err := store.SetStatus("natsync", "RESTORED"); err != nil {
		log.Printf("[natsyncd] set status: %v", err)
	}

	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), natsync.NatRestoreTimeout)
	err = eng.WaitForNatRestore(restoreCtx)
	cancelRestore()
	if err != nil {
		log.Fatalf("[natsyncd] waiting for NAT restore: %v", err)
	}

	events, err := conntrackx.Subscribe()
	if err != nil {
		log.Fatalf("[natsyncd] subscribe conntrack: %v", err)
	}
	defer events.Close()

	admin := adminapi.New("natsync", eng.Assist(), store, nil, nil)
	admin.Run()

	srv := &http.Server{
		Addr:         *listenAddr,
		Handler:      admin.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[natsyncd] admin server: %v", err)
		}
	}()

	reconcileFired := eng.Assist().StartReconcileTimer()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	log.Printf("[natsyncd] running, admin on %s", *listenAddr)
	for {
		select {
		case ev := <-events.Events:
			eng.OnEvent(ev)
		case err := <-events.Err():
			log.Fatalf("[natsyncd] conntrack event source failed: %v", err)
		case <-reconcileFired:
			if err := eng.Assist().Reconcile(); err != nil {
				log.Printf("[natsyncd] reconcile: %v", err)
			} else if err := store.SetStatus("natsync", "RECONCILED"); err != nil {
				log.Printf("[natsyncd] set status: %v", err)
			}
		case <-stop:
			log.Printf("[natsyncd] shutting down")
			eng.Assist().StopReconcileTimer()
			srv.Close()
			return
		}
		if err := store.FlushPipeline(); err != nil {
			log.Printf("[natsyncd] flush pipeline: %v", err)
		}
	}
}
