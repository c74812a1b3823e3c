/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/agneevX/technitium-dns/dnssec"
)

var appVersion = "v0.9.0"

func mainloop(conf *dnssec.Config, cancel context.CancelFunc) {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	hupper := make(chan os.Signal, 1)
	signal.Notify(hupper, syscall.SIGHUP)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		for {
			select {
			case <-exit:
				log.Println("mainloop: Exit signal received. Cleaning up.")
				cancel()
				wg.Done()
			case <-hupper:
				log.Println("mainloop: SIGHUP received. Reloading zones from config.")
				if err := dnssec.ParseZones(conf); err != nil {
					log.Printf("mainloop: error reloading zones: %v", err)
				}
			case <-conf.Internal.APIStopCh:
				log.Println("mainloop: Stop command received. Cleaning up.")
				cancel()
				wg.Done()
			}
		}
	}()
	wg.Wait()

	fmt.Println("mainloop: leaving signal dispatcher")
}

func main() {
	var conf dnssec.Config

	conf.ServerBootTime = time.Now()
	conf.ServerConfigTime = time.Now()
	conf.AppVersion = appVersion
	conf.AppName = "technitium-dns-server"

	var cfgfile string
	flag.StringVar(&cfgfile, "config", "/etc/technitium-dns/server.yaml", "Config file")
	flag.BoolVarP(&dnssec.Globals.Debug, "debug", "d", false, "Debug mode")
	flag.BoolVarP(&dnssec.Globals.Verbose, "verbose", "v", false, "Verbose mode")
	flag.Parse()

	err := dnssec.ParseConfig(&conf, cfgfile)
	if err != nil {
		log.Fatalf("Error parsing config: %v", err)
	}

	logfile := viper.GetString("log.file")
	dnssec.SetupLogging(logfile)
	fmt.Printf("Logging to file: %s\n", logfile)

	fmt.Printf("%s version %s starting.\n", conf.AppName, appVersion)

	dnssec.RegisterPrivateRRtypes()

	kdb, err := dnssec.NewKeyDB(conf.Db.File)
	if err != nil {
		log.Fatalf("Error opening key store %s: %v", conf.Db.File, err)
	}
	conf.Internal.KeyDB = kdb

	if err := dnssec.ParseZones(&conf); err != nil {
		log.Fatalf("Error parsing zones: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	go dnssec.NotifierEngine(ctx, conf.Internal.NotifyQ)
	go dnssec.KeyLifecycleEngine(ctx, conf.Internal.ResignQ, kdb)

	if err := dnssec.DnsEngine(&conf); err != nil {
		log.Fatalf("Error starting DNS engine: %v", err)
	}

	go func() {
		if err := dnssec.APIdispatcher(&conf, ctx.Done()); err != nil {
			log.Printf("APIdispatcher: %v", err)
		}
	}()

	mainloop(&conf, cancel)

	kdb.Close()
}
