package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"taxdesk/internal/aggregate"
	"taxdesk/internal/documents"
	"taxdesk/internal/dualwrite"
	"taxdesk/internal/identity"
	"taxdesk/internal/reconcile"
	"taxdesk/internal/server"
	"taxdesk/internal/store"
	"taxdesk/pkg/types"

	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "Start the HTTP server",
	Action: serve,
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger
}

// core is the wiring shared by every command that touches records.
type core struct {
	store       store.RecordStore
	fetcher     *aggregate.Fetcher
	coordinator *dualwrite.Coordinator
	publisher   *reconcile.Publisher
	close       func()
}

func buildCore(ctx context.Context, config *types.Config, logger *logrus.Logger) (*core, error) {
	recordStore, closeStore, err := openStore(ctx, config, logger)
	if err != nil {
		return nil, err
	}

	c := &core{
		store:       recordStore,
		fetcher:     aggregate.New(recordStore, logger),
		coordinator: dualwrite.New(recordStore, logger),
		close:       closeStore,
	}

	if config.KafkaBrokers != "" {
		c.publisher = reconcile.NewPublisher(reconcile.SplitBrokers(config.KafkaBrokers), config.ReconcileTopic, logger)
		c.coordinator.WithFlagger(c.publisher)
		c.close = func() {
			if err := c.publisher.Close(); err != nil {
				logger.WithError(err).Warn("failed to close reconcile publisher")
			}
			closeStore()
		}
	}

	return c, nil
}

// newReconciler consumes the reconcile topic. Run closes the reader.
func (c *core) newReconciler(config *types.Config, logger *logrus.Logger) *reconcile.Reconciler {
	reader := reconcile.NewReader(reconcile.SplitBrokers(config.KafkaBrokers), config.ReconcileTopic, config.ReconcileGroupID)
	return reconcile.NewReconciler(reader, c.coordinator, logger).WithRetries(config.ReconcileRetries, time.Second)
}

type worker interface {
	Run(ctx context.Context) error
}

// startWorker runs w until ctx is done. wg is released only after Run
// returns.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, w worker, logger *logrus.Logger) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).WithField("worker", name).Error("background worker stopped")
		}
	}()
}

func serve(cCtx *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger()

	config, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	if err := requireServeConfig(config); err != nil {
		return err
	}

	awsConfig, err := loadAWSConfig(ctx)
	if err != nil {
		return err
	}

	cognitoClient := cognitoidentityprovider.NewFromConfig(awsConfig)

	c, err := buildCore(ctx, config, logger)
	if err != nil {
		return err
	}
	defer c.close()

	blobs, err := openBlobs(ctx, config)
	if err != nil {
		return err
	}

	docs := documents.New(c.store, c.coordinator, blobs, logger).
		WithPathPrefix(config.BlobPathPrefix).
		WithMaxBytes(config.MaxUploadBytes)

	accounts := identity.NewProvisioner(cognitoClient, c.store, config.CognitoUserPoolID, config.CognitoClientID, logger)

	jwkCache, err := jwk.NewCache(context.Background(), httprc.NewClient())
	if err != nil {
		return fmt.Errorf("failed to initialize jwk cache: %w", err)
	}

	jwksURL := fmt.Sprintf("%s/.well-known/jwks.json", config.CognitoIssuerURL)

	err = jwkCache.Register(context.Background(), jwksURL)
	if err != nil {
		return fmt.Errorf("failed to register cognito jwks with cache: %w", err)
	}

	srv, err := server.New(
		config,
		logger,
		c.store,
		c.fetcher,
		c.coordinator,
		docs,
		accounts,
		server.NewJWKSVerifier(jwkCache, jwksURL),
	)
	if err != nil {
		return err
	}

	// the reconciler writes through c.store, so it must be joined before the
	// deferred c.close runs
	var workers sync.WaitGroup
	if config.KafkaBrokers != "" {
		startWorker(ctx, &workers, "mirror reconciler", c.newReconciler(config, logger), logger)
	}

	go func() {
		logger.WithField("port", config.ServerPort).Infof("server starting http://localhost:%d", config.ServerPort)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = srv.Stop(shutdownCtx)
	workers.Wait()
	logger.Info("background workers stopped")

	return err
}
