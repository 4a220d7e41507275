// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/frolic/jazz/covalue"
	"github.com/frolic/jazz/cryptoctx"
	"github.com/frolic/jazz/internal/config"
	"github.com/frolic/jazz/internal/logging"
	"github.com/frolic/jazz/internal/metrics"
	"github.com/frolic/jazz/peer"
	badgerstore "github.com/frolic/jazz/storage/badger"
	"github.com/frolic/jazz/sync"
	"github.com/frolic/jazz/transport/ws"
)

var (
	configPath  string
	storagePath string
	peerFlags   []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a node, syncing with any configured peers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (default: $COVALUE_CONFIG_PATH or ~/.covalue/config.yaml)")
	serveCmd.Flags().StringVar(&storagePath, "storage-path", "", "directory for the embedded BadgerDB (default: in-memory, not durable)")
	serveCmd.Flags().StringArrayVar(&peerFlags, "peer", nil, "a remote peer to dial, as ws://host:port/path@role (role one of server, client, storage); repeatable")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Level(), Service: "covaluenode"})

	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheus(reg)

	backend, err := openStorage(storagePath, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close()

	node := covalue.NewLocalNode(cryptoctx.Default(), sink, logger).
		WithStorage(backend).
		WithVerifySignatures(cfg.VerifySignatures)
	sm := sync.New(node, cfg.MaxInFlightLoads, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dialPeers(ctx, peerFlags, cfg, sink, logger, sm); err != nil {
		return err
	}

	router := newRouter(cfg, sink, logger, reg, sm)
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: router}

	go func() {
		logger.Info("listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	waitForSignal()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func openStorage(path string, logger *logging.Logger) (*badgerstore.DB, error) {
	if path == "" {
		logger.Warn("no --storage-path given; running with in-memory storage, verified content will not survive a restart")
		return badgerstore.Open(badgerstore.InMemoryConfig())
	}
	cfg := badgerstore.DefaultConfig()
	cfg.Path = path
	return badgerstore.Open(cfg)
}

// dialPeers connects to every peer named by --peer and starts the
// SyncManager serving its inbound stream in the background.
func dialPeers(ctx context.Context, specs []string, cfg config.Config, sink metrics.Sink, logger *logging.Logger, sm *sync.SyncManager) error {
	for _, spec := range specs {
		url, role, err := parsePeerFlag(spec)
		if err != nil {
			return err
		}
		wsCfg := ws.DefaultConfig()
		wsCfg.OutboundQueueHighWater = cfg.OutboundQueueHighWater
		p, err := ws.Dial(ctx, url, "", role, wsCfg, sink, logger)
		if err != nil {
			return fmt.Errorf("dial peer %s: %w", url, err)
		}
		logger.Info("dialed peer", "url", url, "role", role)
		go sm.Serve(ctx, p)
	}
	return nil
}

// parsePeerFlag splits "ws://host:port/path@role" into its URL and role.
func parsePeerFlag(spec string) (url string, role peer.Role, err error) {
	idx := strings.LastIndex(spec, "@")
	if idx < 0 {
		return "", "", fmt.Errorf("peer flag %q: expected ws://host:port/path@role", spec)
	}
	url, roleStr := spec[:idx], spec[idx+1:]
	switch peer.Role(roleStr) {
	case peer.RoleServer, peer.RoleClient, peer.RoleStorage:
		role = peer.Role(roleStr)
	default:
		return "", "", fmt.Errorf("peer flag %q: role must be one of server, client, storage, got %q", spec, roleStr)
	}
	return url, role, nil
}

func newRouter(cfg config.Config, sink metrics.Sink, logger *logging.Logger, reg *prometheus.Registry, sm *sync.SyncManager) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	wsCfg := ws.DefaultConfig()
	wsCfg.OutboundQueueHighWater = cfg.OutboundQueueHighWater
	router.GET("/sync", ws.Handler(wsCfg, peer.RoleServer, sink, logger, func(p *peer.PeerState) {
		go sm.Serve(context.Background(), p)
	}))
	return router
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
