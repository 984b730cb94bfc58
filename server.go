package main

// server module
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/uptrace/bunrouter"
)

// metadata represents MetaData instance, nil when meta-data database is not
// configured
var metadata *MetaData

// registry represents served functions
var registry *Registry

// helper function to get base path
func basePath(s string) string {
	if Config.Base != "" {
		if strings.HasPrefix(s, "/") {
			s = strings.Replace(s, "/", "", 1)
		}
		if strings.HasPrefix(Config.Base, "/") {
			return fmt.Sprintf("%s/%s", Config.Base, s)
		}
		return fmt.Sprintf("/%s/%s", Config.Base, s)
	}
	return s
}

// bunrouter implementation of the compatible (with net/http) router handlers
func bunRouter() *bunrouter.CompatRouter {
	router := bunrouter.New(
		bunrouter.Use(bunrouterRequestIDMiddleware),
		bunrouter.Use(bunrouterLoggingMiddleware),
		bunrouter.Use(bunrouterRecoveryMiddleware),
		bunrouter.Use(bunrouterLimitMiddleware),
		bunrouter.Use(bunrouterGzipMiddleware),
		bunrouter.WithNotFoundHandler(NotFoundHandler),
		bunrouter.WithMethodNotAllowedHandler(MethodNotAllowedHandler),
	).Compat()
	base := strings.TrimSuffix(basePath("/"), "/")

	// function APIs
	router.POST(base+"/function/:name", FunctionHandler)
	router.POST(base+"/", RootHandler)

	// web APIs
	router.GET(base+"/status", StatusHandler)
	router.GET(base+"/models", ModelsHandler)
	router.GET(base+"/docs", DocsHandler)

	// probes
	router.GET(base+"/_/health", HealthHandler)
	router.GET(base+"/healthz", HealthHandler)
	router.GET(base+"/_/ready", ReadyHandler)
	return router
}

// helper function to initialize server state from configuration
func initServer(metrics *Metrics) error {
	// initialize server middleware
	initLimiter(Config.LimiterPeriod)

	// load model artifacts
	reg, err := loadRegistry(Config.Functions, metrics)
	if err != nil {
		return err
	}
	registry = reg

	// initialize metadata
	if Config.DBURI != "" {
		metadata = &MetaData{DBName: Config.DBName, DBColl: Config.DBColl}
		publishRecords(metadata, registry.Records())
	}
	return nil
}

// Server implements mlfaas server
func Server() {
	metrics := NewMetrics(Config.StatsdAddr)
	defer metrics.Close()
	if err := initServer(metrics); err != nil {
		log.Fatal(err)
	}

	// setup server router
	router := bunRouter()
	addr := fmt.Sprintf(":%d", Config.Port)

	// start HTTPs server
	if len(Config.DomainNames) > 0 {
		server := LetsEncryptServer(router, Config.DomainNames...)
		log.Println("Start HTTPs server with LetsEncrypt", Config.DomainNames)
		log.Fatal(server.ListenAndServeTLS("", ""))
	} else if Config.ServerCrt != "" && Config.ServerKey != "" {
		tlsConfig := &tls.Config{
			RootCAs: RootCAs(),
		}
		server := &http.Server{
			Addr:              addr,
			TLSConfig:         tlsConfig,
			Handler:           router,
			ReadHeaderTimeout: 30 * time.Second,
		}
		log.Printf("Start HTTPs server with %s and %s on %s", Config.ServerCrt, Config.ServerKey, addr)
		log.Fatal(server.ListenAndServeTLS(Config.ServerCrt, Config.ServerKey))
	} else {
		server := &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 30 * time.Second,
		}
		log.Printf("Start HTTP server on %s", addr)
		log.Fatal(server.ListenAndServe())
	}
}
