// Command collabsync runs the collaborative document sync engine: a
// websocket front end over a CRDT merge pipeline, with Redis Pub/Sub
// fan-out across replicas and MongoDB persistence.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	flags "github.com/jessevdk/go-flags"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"collabsync/internal/auth"
	"collabsync/internal/bridge"
	"collabsync/internal/config"
	deliveryhttp "collabsync/internal/delivery/http"
	"collabsync/internal/logging"
	"collabsync/internal/persist"
	"collabsync/internal/registry"
	"collabsync/internal/session"
	"collabsync/internal/store"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Debug)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURL))
	cancel()
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = mongoClient.Ping(pingCtx, nil)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(ctx); err != nil {
			logger.Warn("Failed to disconnect from MongoDB", zap.Error(err))
		}
	}()
	db := mongoClient.Database(cfg.MongoDatabase)

	substrate, err := newSubstrate(cfg, logger)
	if err != nil {
		return err
	}

	reg := registry.New(logger)

	bridgeOpts := bridge.NewOptions()
	bridgeOpts.UnsubscribeLinger = cfg.UnsubscribeLinger
	br := bridge.New(substrate, reg, logger, bridgeOpts)
	br.Start()

	signer, err := auth.NewTokenSigner([]byte(cfg.JWTSecret))
	if err != nil {
		return err
	}
	metadata := store.NewMongoStore(db)

	handler := session.NewHandler(&session.Deps{
		Registry:    reg,
		Bridge:      br,
		Coordinator: persist.New(metadata, logger),
		Store:       metadata,
		Auth:        auth.NewService(signer, auth.NewMongoDirectory(db)),
		Logger:      logger,
		MaxPayload:  cfg.MaxPayload,
	})

	router := deliveryhttp.NewRouter(handler, br.Healthy, logger)
	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: router.Setup(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", zap.String("addr", cfg.Listen))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()

	// Stop accepting handshakes, then drain open sessions, then tear down
	// the fabric connection.
	if err := server.Shutdown(drainCtx); err != nil {
		logger.Warn("HTTP shutdown did not finish cleanly", zap.Error(err))
	}
	if err := handler.Shutdown(drainCtx); err != nil {
		logger.Warn("Timed out draining sessions", zap.Error(err))
	}
	if err := br.Stop(); err != nil {
		logger.Warn("Failed to close fabric connection", zap.Error(err))
	}
	return nil
}

// newSubstrate selects the Pub/Sub fabric. An empty Redis URL falls back to
// the in-process broker, which only serves single-replica deployments.
func newSubstrate(cfg *config.Config, logger *zap.Logger) (bridge.Substrate, error) {
	if cfg.RedisURL == "" {
		logger.Warn("No Redis URL configured, using in-process fabric")
		return bridge.NewMemoryBroker().Connect(), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return bridge.NewRedisSubstrate(redis.NewClient(opts))
}
