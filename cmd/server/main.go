package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/ocx/flowengine/internal/config"
	"github.com/ocx/flowengine/internal/domain"
	"github.com/ocx/flowengine/internal/events"
	"github.com/ocx/flowengine/internal/executor"
	"github.com/ocx/flowengine/internal/identity"
	"github.com/ocx/flowengine/internal/ingress"
	"github.com/ocx/flowengine/internal/joinstore"
	"github.com/ocx/flowengine/internal/lifecycle"
	"github.com/ocx/flowengine/internal/metrics"
	"github.com/ocx/flowengine/internal/middleware"
	"github.com/ocx/flowengine/internal/orchestrator"
	"github.com/ocx/flowengine/internal/orgkeys"
	"github.com/ocx/flowengine/internal/queue"
	"github.com/ocx/flowengine/internal/rediscache"
	"github.com/ocx/flowengine/internal/scheduler"
	"github.com/ocx/flowengine/internal/storage"
	"github.com/ocx/flowengine/internal/tokencache"
	"github.com/ocx/flowengine/internal/vault"
)

// vaultSecretReader adapts *vault.Vault's three-value ReadSecret onto
// tokencache.SecretReader's narrower two-value signature.
type vaultSecretReader struct{ v *vault.Vault }

func (r vaultSecretReader) ReadSecret(id string) (map[string]any, error) {
	payload, _, err := r.v.ReadSecret(id)
	return payload, err
}

func main() {
	log.Println("starting flow engine...")

	cfg := config.Get()

	gateway, err := storage.NewGateway()
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	vlt, err := vault.New(gateway, &cfg.Vault)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}

	// A Redis deployment can stand in for the Gateway's Postgres tables for
	// these two high-churn, TTL-shaped stores; Postgres remains the default.
	var tokenStore tokencache.Store = gateway
	var joinPersister joinstore.Persister = gateway
	if cfg.Redis.Enabled {
		redisClient, err := rediscache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("rediscache: %v", err)
		}
		defer redisClient.Close()
		tokenStore = redisClient
		joinPersister = redisClient
	}

	// A bare http.DefaultClient never times out on its own; the node-level
	// deadline applied per attempt in orchestrator.runNode bounds connector
	// calls, but token refreshes and inbound credential validation run
	// outside that path, so they get their own client-wide backstop.
	httpClient := &http.Client{Timeout: 30 * time.Second}

	refreshers := map[domain.GrantType]tokencache.Refresher{
		domain.GrantClientCredentials: tokencache.OAuth2ClientCredentials{HTTP: httpClient},
		domain.GrantRefreshToken:      tokencache.OAuth2RefreshToken{HTTP: httpClient, Decrypt: vlt.Decrypt},
		domain.GrantJWT:               tokencache.JWTMinter{},
		domain.GrantCookieSession:     tokencache.CookieSession{HTTP: httpClient},
	}
	tokenCache := tokencache.New(
		tokenStore,
		vaultSecretReader{v: vlt},
		vlt,
		refreshers,
		tokencache.WithRefreshSkew(cfg.RefreshSkew()),
		tokencache.WithStaleness(cfg.TokenStalenessThreshold()),
	)

	joinStore, err := joinstore.New(joinPersister, cfg.JoinDefaultTimeout(), time.Duration(cfg.Join.SweepIntervalSec)*time.Second)
	if err != nil {
		log.Fatalf("joinstore: %v", err)
	}

	q, err := queue.New(queue.Options{
		Backend:          cfg.Queue.Backend,
		MemoryBufferSize: cfg.Queue.MemoryBuffer,
		AMQPURL:          cfg.Queue.AMQPURL,
		KafkaBrokersCSV:  cfg.Queue.KafkaBrokers,
	})
	if err != nil {
		log.Fatalf("queue: %v", err)
	}

	registry := executor.NewDefaultRegistry(httpClient)
	apiKeys := orgkeys.New(gateway)

	var eventBus *events.EventBus
	var runEvents events.EventEmitter
	if cfg.PubSub.Enabled {
		pubsubBus, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			log.Fatalf("pubsub event bus: %v", err)
		}
		defer pubsubBus.Close()
		eventBus = pubsubBus.EventBus
		runEvents = pubsubBus
	} else {
		eventBus = events.NewEventBus()
		runEvents = eventBus
	}

	engineMetrics := metrics.New(prometheus.DefaultRegisterer)

	orch := orchestrator.New(orchestrator.Deps{
		Flows:    gateway,
		Runs:     gateway,
		Registry: registry,
		Tokens:   tokenCache,
		Joins:    joinStore,
		Queue:    q,
		Secrets:  vlt,
		Events:   runEvents,
		Metrics:  engineMetrics,
	})

	// joinStore and orch are mutually dependent: orch needs joinStore as its
	// JoinCoordinator, and joinStore needs orch as the Resumer it calls back
	// into when its sweeper times out a join with a run parked on it.
	joinStore.SetResumer(orch)
	joinStore.Start()
	defer joinStore.Stop()

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: cfg.Security.RateLimitPerMinute,
		BurstSize:         cfg.Security.RateLimitBurst,
	})

	notifier := lifecycle.NewNotifier()

	dispatcher := &ingress.Dispatcher{
		Flows:       gateway,
		Policies:    gateway,
		Validator:   ingress.CredentialValidator{Secrets: vlt, HTTP: httpClient, APIKeys: apiKeys},
		Queue:       q,
		Versions:    gateway,
		Events:      eventBus,
		RateLimiter: rateLimiter,
		Deploys:     notifier,
	}

	var lifecycleSrv *grpc.Server
	var workloadSource *identity.WorkloadSource
	if cfg.Lifecycle.Enabled {
		lis, err := net.Listen("tcp", ":"+cfg.Lifecycle.GRPCPort)
		if err != nil {
			log.Fatalf("lifecycle grpc listen: %v", err)
		}

		var srvOpts []grpc.ServerOption
		if cfg.Lifecycle.SPIFFESocketPath != "" {
			workloadSource, err = identity.NewWorkloadSource(cfg.Lifecycle.SPIFFESocketPath)
			if err != nil {
				log.Fatalf("lifecycle grpc: spiffe workload source: %v", err)
			}
			srvOpts = append(srvOpts, grpc.Creds(workloadSource.ServerCredentials()))
		} else {
			slog.Warn("lifecycle grpc: no spiffe_socket_path configured, serving plaintext")
		}

		lifecycleSrv = grpc.NewServer(srvOpts...)
		lifecycle.RegisterServiceServer(lifecycleSrv, notifier)
		go func() {
			log.Printf("lifecycle grpc listening on %s", lis.Addr())
			if err := lifecycleSrv.Serve(lis); err != nil {
				slog.Error("lifecycle grpc: stopped", "err", err)
			}
		}()
	}

	sched := scheduler.New(gateway, func(ctx context.Context, flowID, nodeID string) {
		seed := ingress.TriggerSeed{
			RunID:         uuid.NewString(),
			FlowID:        flowID,
			TraceID:       uuid.NewString(),
			TriggerNodeID: nodeID,
			TriggeredBy:   domain.TriggeredBySchedule,
		}
		if err := dispatcher.PublishSeed(ctx, seed); err != nil {
			slog.Error("scheduler: publish trigger failed", "flow_id", flowID, "node_id", nodeID, "err", err)
		}
	})
	schedCtx, cancelSched := context.WithCancel(context.Background())
	defer cancelSched()
	if err := sched.Start(schedCtx); err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	defer sched.Stop()

	worker := ingress.Worker{Queue: q, Orchestrator: orch}
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	go func() {
		if err := worker.Run(workerCtx); err != nil {
			slog.Error("worker: stopped", "err", err)
		}
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      dispatcher.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		log.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if lifecycleSrv != nil {
		lifecycleSrv.GracefulStop()
	}
	if workloadSource != nil {
		_ = workloadSource.Close()
	}
}
