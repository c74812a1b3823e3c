/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnssec

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

func WalkRoutes(router *mux.Router, address string) {
	log.Printf("Defined API endpoints for router on: %s\n", address)

	walker := func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		path, _ := route.GetPathTemplate()
		methods, _ := route.GetMethods()
		for m := range methods {
			log.Printf("%-6s %s\n", methods[m], path)
		}
		return nil
	}
	if err := router.Walk(walker); err != nil {
		log.Panicf("Logging err: %s\n", err.Error())
	}
}

func SetupAPIRouter(conf *Config) (*mux.Router, error) {
	kdb := conf.Internal.KeyDB
	r := mux.NewRouter().StrictSlash(true)
	apikey := conf.ApiServer.ApiKey
	if apikey == "" {
		return nil, fmt.Errorf("apiserver.apikey is not set")
	}

	sr := r.PathPrefix("/api/v1").Headers("X-API-Key", apikey).Subrouter()

	sr.HandleFunc("/ping", APIping(conf)).Methods("POST")
	sr.HandleFunc("/command", APIcommand(conf, kdb)).Methods("POST")
	sr.HandleFunc("/zone", APIzone(conf)).Methods("POST")
	sr.HandleFunc("/keystore", APIkeystore(kdb)).Methods("POST")
	sr.HandleFunc("/debug", APIdebug()).Methods("POST")

	return r, nil
}

// APIdispatcher runs the admin API server until the stop channel fires.
func APIdispatcher(conf *Config, done <-chan struct{}) error {
	router, err := SetupAPIRouter(conf)
	if err != nil {
		return err
	}
	address := conf.ApiServer.Address
	WalkRoutes(router, address)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("APIdispatcher: serving admin API on %s", address)
	err = server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
