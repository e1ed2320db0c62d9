// Command chatd runs the chat backend: HTTP API, websocket push channel and
// the attachment sweep in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/mahaj/chatcore/pkg/account"
	"github.com/mahaj/chatcore/pkg/api"
	"github.com/mahaj/chatcore/pkg/attachment"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/chat"
	"github.com/mahaj/chatcore/pkg/config"
	"github.com/mahaj/chatcore/pkg/db"
	"github.com/mahaj/chatcore/pkg/delivery"
	"github.com/mahaj/chatcore/pkg/gateway"
	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
	"github.com/mahaj/chatcore/pkg/store/memory"
	"github.com/mahaj/chatcore/pkg/store/scylla"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadEffective(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Sink)

	if err := run(cfg); err != nil {
		logger.Error("chatd_exit", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config, ids *snowflake.Node) (store.Store, error) {
	if cfg.Storage.Backend != config.BackendScylla {
		logger.Info("store_memory")
		return memory.New(ids), nil
	}
	sc := cfg.Storage.Scylla
	opts := db.Options{
		Hosts:       sc.Hosts,
		Keyspace:    "system",
		Consistency: sc.Consistency,
		Timeout:     sc.Timeout.Duration(),
	}
	sys, err := db.NewSession(opts)
	if err != nil {
		return nil, fmt.Errorf("connect to scylla: %w", err)
	}
	err = db.CreateKeyspace(ctx, sys, sc.Keyspace, sc.ReplicationFactor)
	sys.Close()
	if err != nil {
		return nil, err
	}

	opts.Keyspace = sc.Keyspace
	session, err := db.NewSession(opts)
	if err != nil {
		return nil, fmt.Errorf("connect to keyspace %s: %w", sc.Keyspace, err)
	}
	if err := db.Migrate(ctx, session); err != nil {
		session.Close()
		return nil, err
	}
	logger.Info("store_scylla", "hosts", sc.Hosts, "keyspace", sc.Keyspace)
	return scylla.New(session, ids), nil
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ids, err := snowflake.NewNode(cfg.Server.NodeID)
	if err != nil {
		return err
	}
	m := metrics.New()

	st, err := openStore(ctx, cfg, ids)
	if err != nil {
		return err
	}
	defer st.Close()

	catalog, err := attachment.OpenCatalog(cfg.Uploads.CatalogPath, vfs.Default)
	if err != nil {
		return err
	}
	defer catalog.Close()
	files, err := attachment.NewLocal(cfg.Uploads.Dir, cfg.Uploads.MaxSize.Int64(), catalog)
	if err != nil {
		return err
	}
	attachment.NewSweeper(files, st, cfg.Uploads.SweepCron, cfg.Uploads.Grace.Duration(), m).Start(ctx)

	var (
		mirror presence.Mirror
		source chat.PresenceSource
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		rm := presence.NewRedisMirror(rdb)
		if err := rm.Reset(ctx); err != nil {
			logger.Warn("presence_mirror_reset_failed", "addr", cfg.Redis.Addr, "error", err)
		}
		mirror, source = rm, rm
		logger.Info("presence_mirror_enabled", "addr", cfg.Redis.Addr)
	}
	router := presence.NewRouter(mirror)

	var sink delivery.Sink
	if len(cfg.Kafka.Brokers) > 0 {
		ks := delivery.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer ks.Close()
		sink = ks
		logger.Info("event_sink_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	authn := auth.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL.Duration())
	svc := chat.NewService(chat.Deps{
		Store:    st,
		Files:    files,
		Fanout:   delivery.NewCoordinator(router, sink, m),
		Subs:     router,
		Presence: source,
		Metrics:  m,
	})
	ws := gateway.NewServer(svc, router, authn, m, gateway.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendBuffer:     cfg.Socket.SendBuffer,
		RateRPS:        cfg.Socket.RateRPS,
		RateBurst:      cfg.Socket.RateBurst,
	})
	handler := api.NewServer(svc, account.NewService(st, authn), authn, m, ws, api.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxUpload:      cfg.Uploads.MaxSize.Int64(),
	}).Handler()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chatd_listening", "addr", cfg.Server.Addr, "backend", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("chatd_shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
