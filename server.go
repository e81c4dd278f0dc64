package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// routes builds the node's handler with CORS and request logging applied.
func (n *Node) routes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /_openherd/outbox", n.handleOutbox)
	mux.HandleFunc("POST /_openherd/inbox", n.handleInbox)
	mux.HandleFunc("GET /_openherd/peers", n.handlePeers)
	mux.HandleFunc("POST /_openherd/sync", n.handleSync)

	mux.HandleFunc("PATCH /_openherd/karma/{code}/upvote", n.handleUpvote)
	mux.HandleFunc("PATCH /_openherd/karma/{code}/downvote", n.handleDownvote)
	mux.HandleFunc("DELETE /_openherd/karma/{code}", n.handleRevokeKarma)
	mux.HandleFunc("GET /_openherd/karma/{code}/{$}", n.handleKarmaMetadata)
	mux.HandleFunc("POST /_openherd/karma/lookup", n.handleKarmaLookup)

	mux.HandleFunc("POST /_openherd/moderation/lookup", n.handleModerationLookup)
	mux.HandleFunc("GET /_openherd/moderation/labels", n.handleModerationLabels)
	mux.HandleFunc("POST /_openherd/moderation/report", n.handleModerationReport)

	mux.HandleFunc("GET /_openherd/admin", n.handleAdminUI)
	mux.HandleFunc("POST /_openherd/admin/login", n.handleAdminLogin)
	mux.HandleFunc("POST /_openherd/admin/logout", n.handleAdminLogout)
	mux.HandleFunc("POST /_openherd/admin/reports", n.handleAdminReports)
	mux.HandleFunc("POST /_openherd/admin/accept", n.requireAdmin(n.handleAdminAccept))
	mux.HandleFunc("DELETE /_openherd/admin/delete/{id}", n.requireAdmin(n.handleAdminDeleteReport))
	mux.HandleFunc("POST /_openherd/admin/karma/codes", n.requireAdmin(n.handleAdminKarmaCodes))
	mux.HandleFunc("POST /_openherd/admin/karma/codes.txt", n.requireAdmin(n.handleAdminKarmaCodesText))
	mux.HandleFunc("POST /_openherd/admin/moderation/labels", n.requireAdmin(n.handleAdminAddLabel))
	mux.HandleFunc("DELETE /_openherd/admin/moderation/labels/{label}", n.requireAdmin(n.handleAdminDeleteLabel))

	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return corsMiddleware(n.log, loggingMiddleware(n.log, n.metrics, mux))
}

// Run opens the store, starts the HTTP server and the background workers, and
// blocks until ctx is cancelled or one of them fails.
func Run(ctx context.Context, cfg *Config, log *zap.Logger) error {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := OpenStore(cfg.Storage.DatabasePath(), deriveDataKey(cfg.Storage.DataKey))
	if err != nil {
		return fmt.Errorf("failed to initialize SQLite store: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	node, err := NewNode(cfg, store, log, reg)
	if err != nil {
		return err
	}
	if err := node.LoadPosts(ctx); err != nil {
		return err
	}
	if count, err := node.labels.Load(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Info("no label definitions yet", zap.String("path", cfg.Storage.LabelsPath))
		} else {
			log.Warn("load labels", zap.String("path", cfg.Storage.LabelsPath), zap.Error(err))
		}
	} else {
		log.Info("loaded label definitions", zap.Int("count", count))
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return node.Serve(ctx, ln, reg)
}

// Serve answers HTTP, or HTTPS when a certificate pair is configured, on ln
// alongside the peer monitor and label watcher. It returns once ctx is
// cancelled and in-flight requests have drained.
func (n *Node) Serve(ctx context.Context, ln net.Listener, gatherer prometheus.Gatherer) error {
	cfg, log := n.cfg, n.log
	srv := &http.Server{
		Handler:           n.routes(gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if cfg.Server.TLSEnabled() {
			log.Info("listening", zap.String("addr", "https://"+ln.Addr().String()))
			err = srv.ServeTLS(ln, cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			log.Info("listening", zap.String("addr", "http://"+ln.Addr().String()))
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		n.MonitorPeers(gctx, cfg.Peers.MonitorInterval)
		return nil
	})
	g.Go(func() error {
		if err := n.labels.Watch(gctx, log); err != nil {
			log.Warn("label hot reload disabled", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
