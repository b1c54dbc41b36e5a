// Command mclagsyncd runs the McLagSync agent: a small TCP server bound to
// an iccpd peer that relays kernel-learned FDB entries and orchestration
// config outward, and domain/interface/isolation configuration inward,
// following the teacher's flag-driven, signal-shutdown cmd/dplaned shape.
// McLagSync carries no warm-restart cache of its own — the peer is re-synced
// from scratch on every TCP reconnect (Server.Serve calls Engine.Resync) —
// so there is no reconcile timer here, unlike fdbsyncd/natsyncd.
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
	"switchsync/internal/mclagsync"
	"switchsync/internal/statestore"
)

func main() {
	dbPath := flag.String("db", "/var/run/switchsync/mclagsync.db", "state database path")
	bindAddr := flag.String("bind", "127.0.0.6:2626", "iccpd peer listen address")
	listenAddr := flag.String("listen", "127.0.0.1:8083", "admin API listen address")
	flag.Parse()

	store, err := statestore.Open(*dbPath)
	if err != nil {
		log.Fatalf("[mclagsyncd] open store: %v", err)
	}
	defer store.Close()

	eng := mclagsync.New(store)

	srvMclag, err := mclagsync.Listen(*bindAddr, eng)
	if err != nil {
		log.Fatalf("[mclagsyncd] listen %s: %v", *bindAddr, err)
	}
	defer srvMclag.Close()
	go func() {
		if err := srvMclag.Serve(); err != nil {
			log.Printf("[mclagsyncd] peer server stopped: %v", err)
		}
	}()

	admin := adminapi.New("mclagsync", nil, store, nil, eng)
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
			log.Printf("[mclagsyncd] admin server: %v", err)
		}
	}()

	fdbCh := store.Subscribe(mclagsync.TableFdb)
	defer store.Unsubscribe(mclagsync.TableFdb, fdbCh)
	domainCh := store.Subscribe(mclagsync.TableMclagDomain)
	defer store.Unsubscribe(mclagsync.TableMclagDomain, domainCh)
	ifaceCh := store.Subscribe(mclagsync.TableMclagIface)
	defer store.Unsubscribe(mclagsync.TableMclagIface, ifaceCh)
	vlanCh := store.Subscribe(mclagsync.TableVlanMember)
	defer store.Unsubscribe(mclagsync.TableVlanMember, vlanCh)
	uniqueIPCh := store.Subscribe(mclagsync.TableUniqueIP)
	defer store.Unsubscribe(mclagsync.TableUniqueIP, uniqueIPCh)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	log.Printf("[mclagsyncd] running, peer on %s, admin on %s", *bindAddr, *listenAddr)
	for {
		select {
		case ev := <-fdbCh:
			if err := eng.SendFdbEntries(keyOps(ev)); err != nil {
				log.Printf("[mclagsyncd] send fdb entries: %v", err)
			}
		case ev := <-domainCh:
			if err := eng.SendDomainCfg(keyOps(ev)); err != nil {
				log.Printf("[mclagsyncd] send domain cfg: %v", err)
			}
		case ev := <-ifaceCh:
			if err := eng.SendMclagIfaceCfg(keyOps(ev)); err != nil {
				log.Printf("[mclagsyncd] send interface cfg: %v", err)
			}
		case ev := <-vlanCh:
			if err := eng.SendVlanMbr(keyOps(ev)); err != nil {
				log.Printf("[mclagsyncd] send vlan member update: %v", err)
			}
		case ev := <-uniqueIPCh:
			if err := eng.SendMclagUniqueIpCfg(keyOps(ev)); err != nil {
				log.Printf("[mclagsyncd] send unique-ip cfg: %v", err)
			}
		case <-stop:
			log.Printf("[mclagsyncd] shutting down")
			srv.Close()
			return
		}
	}
}

func keyOps(ev statestore.Event) []mclagsync.KeyOp {
	op := "SET"
	if ev.Op == statestore.OpDel {
		op = "DEL"
	}
	return []mclagsync.KeyOp{{Key: ev.Key, Op: op, Fields: ev.Fields}}
}
