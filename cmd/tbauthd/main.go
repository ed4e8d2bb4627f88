//go:build linux && cgo

// Command tbauthd is the Thunderbolt authorization daemon: it watches
// udev for domain and device hot-plug events, drives the authorization
// state machine, and persists a manual-policy device to the identity
// store the first time it is authorized.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/boltauth/tbauthd/authengine"
	"github.com/boltauth/tbauthd/bus"
	"github.com/boltauth/tbauthd/config"
	"github.com/boltauth/tbauthd/journal"
	"github.com/boltauth/tbauthd/log"
	"github.com/boltauth/tbauthd/manager"
	"github.com/boltauth/tbauthd/store"
	"github.com/boltauth/tbauthd/udevsrc"
	"github.com/boltauth/tbauthd/utils"
	"github.com/boltauth/tbauthd/version"
)

const authWorkers = 4

var (
	configOverride = flag.String(`config`, `/etc/tbauthd.conf`, `path to the tbauthd config file`)
	printVer       = flag.Bool(`version`, false, `print version and exit`)
)

func main() {
	flag.Parse()
	if *printVer {
		version.PrintVersion(os.Stdout)
		return
	}

	cfg, err := config.Load(*configOverride)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *configOverride, err)
		os.Exit(1)
	}

	lg, err := cfg.GetLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log: %v\n", err)
		os.Exit(1)
	}
	defer lg.Close()

	lg.Info("tbauthd starting")
	lg.Info(log.PrintOSInfo())

	j, err := journal.Open(filepath.Join(cfg.Store_Root, `journal`), lg)
	if err != nil {
		lg.Critical("failed to open journal", log.KVErr(err))
		os.Exit(1)
	}
	defer j.Close()

	st, err := store.Open(cfg.Store_Root, j, lg)
	if err != nil {
		lg.Critical("failed to open store", log.KVErr(err))
		os.Exit(1)
	}

	eng := authengine.New(authWorkers, lg)
	defer eng.Close()

	src, err := udevsrc.Open(lg)
	if err != nil {
		lg.Critical("failed to open udev source", log.KVErr(err))
		os.Exit(1)
	}
	defer src.Close()

	var pub *bus.Publisher
	if pub, err = bus.Connect(cfg.Bus_Name, `/tbauthd`, lg); err != nil {
		lg.Warn("failed to connect to system bus, running without bus publisher", log.KVErr(err))
		pub = nil
	} else {
		defer pub.Close()
	}

	mgr := manager.New(cfg.Default_Policy, st, eng, src, pub, lg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()

	sig := utils.WaitForQuit()
	lg.Info("tbauthd shutting down", log.KV("signal", sig.String()))
	cancel()
	<-done
}
