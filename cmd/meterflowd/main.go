// Command meterflowd runs the workflow engine: the HTTP API, the tick
// scheduler entry point and the run event streams. Storage, streaming and
// model providers are selected from the environment; with no MONGO_URI and no
// REDIS_ADDR the process runs fully in memory, which is the development
// setup.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/meterflow/meterflow/api"
	"github.com/meterflow/meterflow/config"
	"github.com/meterflow/meterflow/engine/budget"
	"github.com/meterflow/meterflow/engine/event"
	"github.com/meterflow/meterflow/engine/executor"
	"github.com/meterflow/meterflow/engine/lifecycle"
	"github.com/meterflow/meterflow/engine/llm"
	"github.com/meterflow/meterflow/engine/planner"
	"github.com/meterflow/meterflow/engine/receipt"
	"github.com/meterflow/meterflow/engine/run"
	"github.com/meterflow/meterflow/engine/scheduler"
	"github.com/meterflow/meterflow/engine/step"
	"github.com/meterflow/meterflow/engine/stream"
	"github.com/meterflow/meterflow/engine/telemetry"
	"github.com/meterflow/meterflow/engine/tool"
	"github.com/meterflow/meterflow/engine/workspace"
	anthropicmodel "github.com/meterflow/meterflow/features/model/anthropic"
	bedrockmodel "github.com/meterflow/meterflow/features/model/bedrock"
	"github.com/meterflow/meterflow/features/model/middleware"
	openaimodel "github.com/meterflow/meterflow/features/model/openai"
	storememory "github.com/meterflow/meterflow/features/store/memory"
	storemongo "github.com/meterflow/meterflow/features/store/mongo"
	streampulse "github.com/meterflow/meterflow/features/stream/pulse"
	clientspulse "github.com/meterflow/meterflow/features/stream/pulse/clients/pulse"
	walletlocal "github.com/meterflow/meterflow/features/wallet/local"
	"github.com/meterflow/meterflow/x402"
)

// Development fallbacks, used (with a warning) when the environment omits the
// corresponding secret.
const (
	devWalletAddress = "0x000000000000000000000000000000000000dEaD"
	devWalletSecret  = "meterflow-dev-wallet"
	devCronSecret    = "dev-cron-secret"
	devAuthToken     = "dev-token"
	devUserID        = "dev-user"
)

func main() {
	var (
		addrF = flag.String("http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
		seedF = flag.String("seed", "", "Path to a YAML seed file with workspaces, tools and credentials")
		dbgF  = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if *addrF != "" {
		cfg.HTTPAddr = *addrF
	}
	if *dbgF {
		cfg.Debug = true
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	var (
		logger  = telemetry.NewClueLogger()
		metrics = telemetry.NewClueMetrics()
		tracer  = telemetry.NewClueTracer()
	)

	// Storage: MongoDB when configured, in-memory otherwise.
	var (
		runs        run.Store
		steps       step.Store
		events      event.Log
		receipts    receipt.Store
		workspaces  workspace.Store
		tools       tool.Store
		artifacts   step.ArtifactStore
		pingers     []health.Pinger
		mongoClient *mongodriver.Client
	)
	if cfg.MongoURI != "" {
		mongoClient, err = mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf(ctx, err, "connect to MongoDB")
		}
		base := storemongo.Options{Client: mongoClient, Database: cfg.MongoDatabase}
		runStore, err := storemongo.NewRunStore(base)
		if err != nil {
			log.Fatalf(ctx, err, "run store")
		}
		stepStore, err := storemongo.NewStepStore(base)
		if err != nil {
			log.Fatalf(ctx, err, "step store")
		}
		eventLog, err := storemongo.NewEventLog(base)
		if err != nil {
			log.Fatalf(ctx, err, "event log")
		}
		receiptStore, err := storemongo.NewReceiptStore(base)
		if err != nil {
			log.Fatalf(ctx, err, "receipt store")
		}
		workspaceStore, err := storemongo.NewWorkspaceStore(base)
		if err != nil {
			log.Fatalf(ctx, err, "workspace store")
		}
		toolStore, err := storemongo.NewToolStore(base)
		if err != nil {
			log.Fatalf(ctx, err, "tool store")
		}
		artifactStore, err := storemongo.NewArtifactStore(base)
		if err != nil {
			log.Fatalf(ctx, err, "artifact store")
		}
		runs, steps, events = runStore, stepStore, eventLog
		receipts, workspaces, tools, artifacts = receiptStore, workspaceStore, toolStore, artifactStore
		pingers = append(pingers, runStore)
		log.Printf(ctx, "storage: MongoDB (%s)", cfg.MongoDatabase)
	} else {
		runs = storememory.NewRunStore()
		steps = storememory.NewStepStore()
		events = storememory.NewEventLog()
		receipts = storememory.NewReceiptStore()
		workspaces = storememory.NewWorkspaceStore()
		tools = storememory.NewToolStore()
		artifacts = storememory.NewArtifactStore()
		log.Printf(ctx, "storage: in-memory (set MONGO_URI for durability)")
	}

	// Streaming: Pulse fan-out over Redis when configured, log polling
	// otherwise. The publisher decorates the durable log so every append is
	// also pushed.
	var (
		streamer    api.RunStreamer
		redisClient *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pulseClient, err := clientspulse.New(clientspulse.Options{Redis: redisClient})
		if err != nil {
			log.Fatalf(ctx, err, "pulse client")
		}
		publisher, err := streampulse.NewPublisher(streampulse.PublisherOptions{
			Log:    events,
			Client: pulseClient,
			Logger: logger,
		})
		if err != nil {
			log.Fatalf(ctx, err, "pulse publisher")
		}
		events = publisher
		subscriber, err := streampulse.NewSubscriber(streampulse.SubscriberOptions{Client: pulseClient})
		if err != nil {
			log.Fatalf(ctx, err, "pulse subscriber")
		}
		live, err := streampulse.NewLiveStreamer(streampulse.LiveStreamerOptions{
			Events:       events,
			Runs:         runs,
			Subscriber:   subscriber,
			Logger:       logger,
			PingInterval: cfg.PingInterval,
		})
		if err != nil {
			log.Fatalf(ctx, err, "live streamer")
		}
		streamer = live
		pingers = append(pingers, redisPinger{client: redisClient})
		log.Printf(ctx, "streaming: Pulse on Redis (%s)", cfg.RedisAddr)
	} else {
		polling, err := stream.NewStreamer(events, runs, logger, stream.Config{
			PollInterval: cfg.PollInterval,
			PingInterval: cfg.PingInterval,
		})
		if err != nil {
			log.Fatalf(ctx, err, "streamer")
		}
		streamer = polling
		log.Printf(ctx, "streaming: log polling (set REDIS_ADDR for push delivery)")
	}

	model, err := buildModel(ctx, cfg)
	if err != nil {
		log.Fatalf(ctx, err, "model provider %s", cfg.LLMProvider)
	}
	plan, err := planner.NewLLM(planner.LLMOptions{Client: model, Model: cfg.LLMModel})
	if err != nil {
		log.Fatalf(ctx, err, "planner")
	}

	walletAddress := cfg.WalletAddress
	if walletAddress == "" {
		walletAddress = devWalletAddress
		log.Printf(ctx, "WALLET_ADDRESS unset, using development wallet address")
	}
	walletSecret := cfg.WalletSecret
	if walletSecret == "" {
		walletSecret = devWalletSecret
		log.Printf(ctx, "WALLET_SECRET unset, using development wallet secret")
	}
	wallet, err := walletlocal.New(walletlocal.Options{Address: walletAddress, Secret: []byte(walletSecret)})
	if err != nil {
		log.Fatalf(ctx, err, "wallet")
	}
	cronSecret := cfg.CronSecret
	if cronSecret == "" {
		cronSecret = devCronSecret
		log.Printf(ctx, "CRON_SECRET unset, using development tick secret")
	}

	ledger := budget.NewLedger(runs, receipts, logger)
	payments, err := x402.New(x402.ClientOptions{
		Wallet:  wallet,
		Events:  events,
		Ledger:  ledger,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "payment client")
	}

	manager := lifecycle.NewManager(runs, steps, events, logger)
	exec, err := executor.New(executor.Options{
		Runs:       runs,
		Steps:      steps,
		Tools:      tools,
		Workspaces: workspaces,
		Events:     events,
		Ledger:     ledger,
		Payments:   payments,
		Model:      model,
		Lifecycle:  manager,
		Artifacts:  artifacts,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
		Config: executor.Config{
			DefaultRetryCap: cfg.DefaultRetryCap,
			Backoff: executor.Backoff{
				Base:   cfg.BackoffBase,
				Max:    cfg.BackoffMax,
				Jitter: cfg.JitterFraction,
			},
			DefaultPaymentMaxAtomic: cfg.DefaultPaymentMaxAtomic,
		},
	})
	if err != nil {
		log.Fatalf(ctx, err, "executor")
	}
	sched, err := scheduler.New(scheduler.Options{
		Steps:          steps,
		Executor:       exec,
		Events:         events,
		Logger:         logger,
		Metrics:        metrics,
		StallThreshold: cfg.StallThreshold,
		MaxSteps:       cfg.MaxStepsPerTick,
	})
	if err != nil {
		log.Fatalf(ctx, err, "scheduler")
	}

	// Identity: seeded credentials when a seed file is given, a single
	// development user otherwise.
	var (
		auth       api.Authenticator
		membership workspace.Membership
	)
	if *seedF != "" {
		seed, err := loadSeed(*seedF)
		if err != nil {
			log.Fatalf(ctx, err, "load seed file %s", *seedF)
		}
		if err := seed.apply(ctx, workspaces, tools); err != nil {
			log.Fatalf(ctx, err, "apply seed file %s", *seedF)
		}
		auth = seed.authenticator()
		membership = seed.membership()
		log.Printf(ctx, "seeded %d workspaces, %d tools, %d users",
			len(seed.Workspaces), len(seed.Tools), len(seed.Users))
	} else {
		auth = api.StaticAuthenticator{devAuthToken: devUserID}
		membership = workspace.MembershipFunc(func(context.Context, string, string) (bool, error) {
			return true, nil
		})
		log.Printf(ctx, "no seed file, using development credentials")
	}

	var healthHandler http.Handler
	if len(pingers) > 0 {
		healthHandler = health.Handler(health.NewChecker(pingers...))
	}
	server, err := api.New(api.Options{
		Runs:                   runs,
		Steps:                  steps,
		Events:                 events,
		Receipts:               receipts,
		Workspaces:             workspaces,
		Membership:             membership,
		Discovery:              &tool.StaticDiscovery{Tools: tools},
		Planner:                plan,
		Lifecycle:              manager,
		Ticker:                 sched,
		Streamer:               streamer,
		Auth:                   auth,
		Logger:                 logger,
		Health:                 healthHandler,
		CronSecret:             cronSecret,
		DefaultNetwork:         cfg.DefaultNetwork,
		DefaultBudgetMaxAtomic: cfg.DefaultPaymentMaxAtomic,
		MaxStepsPerTick:        cfg.MaxStepsPerTick,
		MaxConcurrency:         cfg.MaxConcurrency,
	})
	if err != nil {
		log.Fatalf(ctx, err, "api server")
	}

	// Mount debug and profiler endpoints in debug mode.
	outer := http.NewServeMux()
	if cfg.Debug {
		debug.MountPprofHandlers(outer)
		debug.MountDebugLogEnabler(outer)
	}
	outer.Handle("/", server.Handler())
	var handler http.Handler = outer
	if cfg.Debug {
		// Log query and response bodies if debug logs are enabled.
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", cfg.HTTPAddr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", cfg.HTTPAddr)
		sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Printf(ctx, "close redis: %v", err)
		}
	}
	if mongoClient != nil {
		dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := mongoClient.Disconnect(dctx); err != nil {
			log.Printf(ctx, "disconnect mongo: %v", err)
		}
		dcancel()
	}
	log.Printf(ctx, "exited")
}

// buildModel constructs the configured provider adapter wrapped in the shared
// rate limiter.
func buildModel(ctx context.Context, cfg config.Config) (llm.Client, error) {
	var (
		client llm.Client
		err    error
	)
	switch cfg.LLMProvider {
	case "openai":
		modelID := cfg.LLMModel
		if modelID == "" {
			modelID = "gpt-4o-mini"
		}
		client, err = openaimodel.NewFromAPIKey(cfg.OpenAIAPIKey, modelID)
	case "anthropic":
		modelID := cfg.LLMModel
		if modelID == "" {
			modelID = "claude-3-5-sonnet-latest"
		}
		client, err = anthropicmodel.NewFromAPIKey(cfg.AnthropicAPIKey, modelID)
	case "bedrock":
		modelID := cfg.LLMModel
		if modelID == "" {
			modelID = "anthropic.claude-3-5-sonnet-20240620-v1:0"
		}
		loaded, lerr := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if lerr != nil {
			return nil, lerr
		}
		client, err = bedrockmodel.New(bedrockmodel.Options{
			API:          bedrockruntime.NewFromConfig(loaded),
			DefaultModel: modelID,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.LLMProvider)
	}
	if err != nil {
		return nil, err
	}
	return middleware.NewRateLimited(middleware.RateLimitOptions{
		Client:            client,
		RequestsPerSecond: cfg.LLMRequestsPerSecond,
		Burst:             cfg.MaxConcurrency,
	})
}

// redisPinger adapts the Redis client to the health check contract.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
