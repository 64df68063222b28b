// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	nats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	errKey            = "error"
	defaultListenPort = "8080"
	// gracefulShutdownSeconds should be higher than NATS client
	// request timeout, and lower than the pod or liveness probe's
	// terminationGracePeriodSeconds.
	gracefulShutdownSeconds = 25
)

var (
	logger   *slog.Logger
	cfg      *Config
	natsConn *nats.Conn
)

// main parses optional flags and starts the sync loop and change consumer.
func main() {
	// Load configuration
	var err error
	cfg, err = LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	var debug = flag.Bool("d", false, "enable debug logging")
	var port = flag.String("p", cfg.Port, "health checks port")
	var bind = flag.String("bind", cfg.Bind, "interface to bind on")

	flag.Usage = func() {
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()

	logOptions := &slog.HandlerOptions{}

	// Optional debug logging.
	if cfg.Debug || *debug {
		logOptions.Level = slog.LevelDebug
		logOptions.AddSource = true
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, logOptions))
	slog.SetDefault(logger)

	// Support GET/POST monitoring "ping".
	http.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		// This always returns as long as the service is still running. As this
		// endpoint is expected to be used as a Kubernetes liveness check, this
		// service must likewise self-detect non-recoverable errors and
		// self-terminate.
		fmt.Fprintf(w, "OK\n")
	})

	// Basic health check.
	http.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if natsConn == nil {
			http.Error(w, "no NATS connection", http.StatusServiceUnavailable)
			return
		}
		if !natsConn.IsConnected() || natsConn.IsDraining() {
			http.Error(w, "NATS connection not ready", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "OK\n")
	})

	// Add an http listener for health checks. This server does NOT participate
	// in the graceful shutdown process; we want it to stay up until the process
	// is killed, to avoid liveness checks failing during the graceful shutdown.
	var addr string
	if *bind == "*" {
		addr = ":" + *port
	} else {
		addr = *bind + ":" + *port
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.With(errKey, err).Error("http listener error")
			os.Exit(1)
		}
	}()

	// Create a wait group which is used to wait while draining (gracefully
	// closing) a connection.
	gracefulCloseWG := sync.WaitGroup{}

	// Support graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	// Create NATS connection.
	gracefulCloseWG.Add(1)
	natsConn, err = nats.Connect(
		cfg.NATSURL,
		nats.DrainTimeout(gracefulShutdownSeconds*time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, s *nats.Subscription, err error) {
			if s != nil {
				logger.With(errKey, err, "subject", s.Subject, "queue", s.Queue).Error("async NATS error")
			} else {
				logger.With(errKey, err).Error("async NATS error outside subscription")
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if ctx.Err() != nil {
				// If our parent background context has already been canceled, this is
				// a graceful shutdown. Decrement the wait group but do not exit, to
				// allow other graceful shutdown steps to complete.
				gracefulCloseWG.Done()
				return
			}
			// Otherwise, this handler means that max reconnect attempts have been
			// exhausted.
			logger.Error("NATS max-reconnects exhausted; connection closed")
			// Send a synthetic interrupt and give any graceful-shutdown tasks 5
			// seconds to clean up.
			done <- os.Interrupt
			time.Sleep(5 * time.Second)
			// Exit with an error instead of decrementing the wait group.
			os.Exit(1)
		}),
	)
	if err != nil {
		logger.With(errKey, err).Error("error creating NATS client")
		os.Exit(1)
	}

	// Create JetStream context
	jsContext, err := jetstream.New(natsConn)
	if err != nil {
		logger.With(errKey, err).Error("error creating JetStream context")
		os.Exit(1)
	}

	// Create (or get) the KV bucket holding share mappings and locks.
	shareKV, err := jsContext.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.ShareBucket,
		Description: "meetsync share codes, memberships, and locks",
		Storage:     jetstream.FileStorage,
		History:     1,
	})
	if err != nil {
		logger.With(errKey, err, "bucket", cfg.ShareBucket).Error("error accessing share KV bucket")
		os.Exit(1)
	}

	// Load AWS configuration from the environment / instance profile.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.With(errKey, err).Error("error loading AWS config")
		os.Exit(1)
	}

	// If a role ARN is configured, assume it via STS for cross-account DynamoDB access.
	if cfg.AssumeRoleARN != "" {
		logger.With("role_arn", cfg.AssumeRoleARN).Info("assuming IAM role for DynamoDB access")
		stsClient := sts.NewFromConfig(awsCfg)
		awsCfg.Credentials = stscreds.NewAssumeRoleProvider(stsClient, cfg.AssumeRoleARN)
	}

	store := newDynamoRecordStore(dynamodb.NewFromConfig(awsCfg), cfg.OwnedTable, cfg.SharedTable)

	// Open the local cache.
	cache, err := openCache(cfg.CachePath)
	if err != nil {
		logger.With(errKey, err, "path", cfg.CachePath).Error("error opening local cache")
		os.Exit(1)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.With(errKey, err).Error("error closing local cache")
		}
	}()

	agent := newSyncAgent(cache, store, cfg.ActorID, cfg.UseMsgpack)
	loop := newApplyLoop(agent, cfg.SyncInterval)

	locker := newKVShareLocker(shareKV)
	shares := newShareManager(shareKV, locker, []byte(cfg.ShareSigningSecret), cfg.ActorID)

	// Optional profile directory mirror.
	var dir *profileDirectory
	if cfg.ProfileDirectoryURL != nil {
		creds := &clientcredentials.Config{
			ClientID:     cfg.ProfileClientID,
			ClientSecret: cfg.ProfileClientSecret,
			TokenURL:     cfg.ProfileTokenURL,
		}
		dir = newProfileDirectory(ctx, cfg.ProfileDirectoryURL, creds)
		// Keep the actor's own mirror warm alongside the sync cycles.
		go func() {
			ticker := time.NewTicker(profileCacheTTL)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					refreshErr := loop.call(ctx, func(c context.Context) {
						if err := agent.refreshProfile(c, dir, cfg.ActorID); err != nil {
							logger.With(errKey, err).Debug("profile refresh failed")
						}
					})
					if refreshErr != nil {
						return
					}
				}
			}
		}()
	}

	// Start the apply loop.
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.run(ctx)
	}()

	// Serve app-initiated commands over request/reply.
	api := newCommandAPI(agent, loop, shares, dir)
	cmdSub, err := api.subscribe(natsConn, cfg.ActorID)
	if err != nil {
		logger.With(errKey, err).Error("error subscribing to command subject")
		os.Exit(1)
	}
	logger.With("subject", cmdSub.Subject).Info("command surface ready")

	// Create or get the JetStream pull consumer for record change events.
	consumerName := "meetsync-agent-" + cfg.ActorID
	consumer, err := jsContext.CreateOrUpdateConsumer(ctx, cfg.ChangeStreamName, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: cfg.ChangeSubjectPrefix + ".>",
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
		MaxAckPending: 1000,
		Description:   "record change events for meetsync-agent",
	})
	if err != nil {
		logger.With(errKey, err, "consumer", consumerName, "stream", cfg.ChangeStreamName).Error("error creating JetStream pull consumer")
		os.Exit(1)
	}

	changes := newChangeConsumer(loop, cfg.OwnedTable, cfg.SharedTable)
	consumeCtx, err := consumer.Consume(changes.handleMsg, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		logger.With(errKey, err).Error("change consumer error encountered")
	}))
	if err != nil {
		logger.With(errKey, err, "consumer", consumerName).Error("error starting change consumer")
		os.Exit(1)
	}
	defer consumeCtx.Stop()

	// This next line blocks until SIGINT or SIGTERM is received, or NATS disconnects.
	<-done

	// Begin graceful shutdown process.
	logger.Debug("beginning graceful shutdown")

	// Drain the consumer first (non-blocking) to mitigate "nats: connection
	// closed" errors in the ConsumeErrHandler.
	consumeCtx.Drain()

	// Cancel the background context so the apply loop exits.
	cancel()
	<-loopDone

	// Drain the connection, which will drain all remaining subscriptions, then
	// close the connection when complete (including the consumer draining).
	if !natsConn.IsClosed() && !natsConn.IsDraining() {
		logger.Info("draining NATS connection")
		if err := natsConn.Drain(); err != nil {
			logger.With(errKey, err).Error("error draining NATS connection")
			os.Exit(1)
		}
	}

	// Wait for the graceful shutdown steps to complete.
	logger.Debug("waiting for graceful shutdown steps to complete")
	gracefulCloseWG.Wait()
	logger.Debug("graceful shutdown steps completed")

	// Immediately close the HTTP server after graceful shutdown has finished.
	if err = httpServer.Close(); err != nil {
		logger.With(errKey, err).Error("http listener error on close")
	}
}
