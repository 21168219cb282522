package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mira-run/mira/internal/api"
	"github.com/mira-run/mira/internal/auth"
	mconfig "github.com/mira-run/mira/internal/config"
	"github.com/mira-run/mira/internal/continuum"
	"github.com/mira-run/mira/internal/eventbus"
	"github.com/mira-run/mira/internal/gateway"
	"github.com/mira-run/mira/internal/httpapi"
	"github.com/mira-run/mira/internal/ingest/blobstore"
	"github.com/mira-run/mira/internal/llm"
	"github.com/mira-run/mira/internal/ltmemory"
	ltmbatch "github.com/mira-run/mira/internal/ltmemory/batch"
	"github.com/mira-run/mira/internal/ltmemory/linking"
	"github.com/mira-run/mira/internal/ltmemory/llmadapter"
	"github.com/mira-run/mira/internal/ltmemory/maintenance"
	"github.com/mira-run/mira/internal/ltmemory/refinement"
	"github.com/mira-run/mira/internal/ltmemory/search"
	"github.com/mira-run/mira/internal/ltmemory/vectorops"
	"github.com/mira-run/mira/internal/mira"
	"github.com/mira-run/mira/internal/observability"
	"github.com/mira-run/mira/internal/promptdefense"
	"github.com/mira-run/mira/internal/scheduler"
	"github.com/mira-run/mira/internal/storage/postgres"
	"github.com/mira-run/mira/internal/tools"
	"github.com/mira-run/mira/internal/tools/ingestion"
	"github.com/mira-run/mira/internal/tools/memorysearch"
	"github.com/mira-run/mira/internal/tools/reminders"
	"github.com/mira-run/mira/internal/userdata"
	"github.com/mira-run/mira/internal/valkey"
	"github.com/mira-run/mira/internal/vault"
	"github.com/mira-run/mira/internal/workingmemory"
)

const defaultConfigPath = "mira.yaml"

// buildServeCmd creates the "serve" command that wires storage, the
// continuum engine, LT-Memory, the tool repository, and the HTTP surface
// together and runs them until a shutdown signal arrives.
func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the mira conversational core",
		Long: `Start mira's HTTP server and background scheduler.

Loads the bootstrap config, connects to Postgres (auto-migrating the
mira_memory database), Valkey, and optionally Vault, constructs the
continuum engine and LT-Memory services against an LLM provider, and
serves chat/actions/data/health over HTTP until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to bootstrap config YAML")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := mconfig.LoadBootstrap(configPath)
	if err != nil {
		return fmt.Errorf("load bootstrap config: %w", err)
	}

	miraCfg, miraWatcher, err := loadMiraConfig(ctx, cfg.MiraConfigPath)
	if err != nil {
		return fmt.Errorf("load mira config: %w", err)
	}
	if miraWatcher != nil {
		defer miraWatcher.Close()
	}

	slog.Info("configuration loaded",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"database", redactDSN(cfg.Database.DSN),
		"vault_enabled", cfg.Vault.Enabled,
	)

	pools := postgres.NewPoolManager(postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxConnections / 5,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	})
	db, err := pools.Pool(ctx, "mira_memory", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pools.ResetAll()

	messages := postgres.NewMessageRepo(pools, cfg.Database.DSN)
	memories := postgres.NewMemoryRepo(pools, cfg.Database.DSN)
	segments := postgres.NewSegmentStore(messages)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Valkey.Addr, Password: cfg.Valkey.Password, DB: cfg.Valkey.DB})
	defer rdb.Close()
	valkeyClient := valkey.New(rdb, slog.Default().With("component", "valkey"))
	valkeyClient.StartSubscriber(ctx)
	defer valkeyClient.Shutdown()

	anthropicKey := cfg.LLM.AnthropicAPIKey
	embeddingKey := cfg.LLM.EmbeddingAPIKey

	var vaultClient *vault.Client
	if cfg.Vault.Enabled {
		vaultClient, err = vault.New(ctx, vault.Config{
			Address:       cfg.Vault.Address,
			Token:         cfg.Vault.Token,
			RoleID:        cfg.Vault.RoleID,
			SecretID:      cfg.Vault.SecretID,
			KnownServices: []string{"anthropic", "openai"},
		})
		if err != nil {
			return fmt.Errorf("connect vault: %w", err)
		}
		if key, err := vaultClient.GetAPIKey(ctx, "anthropic"); err == nil {
			anthropicKey = key
		} else {
			slog.Warn("vault anthropic api key lookup failed, falling back to config", "error", err)
		}
		if key, err := vaultClient.GetAPIKey(ctx, "openai"); err == nil {
			embeddingKey = key
		}
	}

	var anthropicPath llm.Provider = llm.NewAnthropicProvider(anthropicKey, cfg.LLM.AnthropicModel)
	if cfg.LLM.BedrockRegion != "" {
		bedrock, err := llm.NewBedrockProvider(ctx, llm.BedrockConfig{
			Region:       cfg.LLM.BedrockRegion,
			DefaultModel: cfg.LLM.BedrockModel,
		})
		if err != nil {
			return fmt.Errorf("connect bedrock: %w", err)
		}
		anthropicPath = bedrock
		slog.Info("anthropic path served via bedrock", "region", cfg.LLM.BedrockRegion)
	}
	llmClient := llm.New(
		anthropicPath,
		llm.NewOpenAICompatProvider(cfg.LLM.OpenAICompatModel),
	)
	embeddingProvider := llm.NewEmbeddingProvider(embeddingKey, cfg.LLM.EmbeddingBaseURL, cfg.LLM.EmbeddingModel)

	defense := promptdefense.New(
		promptdefense.WithLLM(llmClient, cfg.LLM.AnthropicModel),
		promptdefense.WithLogger(slog.Default().With("component", "promptdefense")),
	)

	userDataRegistry := userdata.NewRegistry(cfg.UserData.BaseDir)
	defer userDataRegistry.CloseAll()

	toolRepo := tools.NewRepository()
	// The reranker slot stays nil: reranking (BGE) is an external
	// collaborator, and RerankMemories fails soft to the cosine order the
	// vector leg already produced.
	vectorOps := vectorops.New(embeddingProvider, memories, nil)
	entities := postgres.NewEntityRepo(pools, cfg.Database.DSN)
	searcher := search.New(memories, memories, search.NewDBEntityMatcher(entities, nil))
	toolRepo.Register(memorysearch.New(vectorOps, searcher))
	toolRepo.Register(reminders.NewSetTool(userDataRegistry))
	toolRepo.Register(reminders.NewListTool(userDataRegistry))
	toolRepo.Register(reminders.NewCancelTool(userDataRegistry))

	blobs, err := blobstore.NewLocalStore(filepath.Join(cfg.UserData.BaseDir, "blobs"))
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	toolRepo.Register(ingestion.New(blobs))

	bus := eventbus.New(slog.Default().With("component", "eventbus"))
	eventbus.Subscribe(bus, func(evt mira.SegmentCollapsedEvent) {
		if err := userDataRegistry.CloseUser(evt.UserID); err != nil {
			slog.Warn("close user data store failed", "user_id", evt.UserID, "error", err)
		}
	})
	metrics := observability.New(nil)

	workingMem := workingmemory.NewStore(valkeyClient, bus, slog.Default().With("component", "workingmemory"))
	workingMem.RegisterPersistence(workingMemoryPersister{registry: userDataRegistry})

	registry := continuum.NewRegistry(messages, nil)
	engine := continuum.NewEngine(registry, llmClient, toolRepo, defense, defaultSystemPrompt)
	engine.WorkingMem = workingMem

	summarizer := continuum.NewLLMSummarizer(llmClient, cfg.LLM.SummaryModel)

	// Collapse submits extraction through the async batch state machine:
	// the in-process provider runs the extraction LLM on a background
	// goroutine, and the batch-poll job below finalizes the persisted
	// batch rows as the provider reports progress.
	extraction := continuum.NewSyncExtractionSubmitter(llmClient, cfg.LLM.ExtractionModel, embeddingProvider, memories)
	batchStore := postgres.NewBatchStore(pools, cfg.Database.DSN)
	batchProvider := ltmbatch.NewInProcessProvider(slog.Default().With("component", "batch"))
	batchProvider.RegisterRunner(ltmemory.BatchKindExtraction, func(ctx context.Context, userID string, payload any) (ltmbatch.PollResult, error) {
		chunks, ok := payload.([]ltmemory.ProcessingChunk)
		if !ok {
			return ltmbatch.PollResult{}, fmt.Errorf("extraction payload has unexpected type %T", payload)
		}
		stored, err := extraction.ExtractAndStore(ctx, userID, chunks)
		if err != nil {
			return ltmbatch.PollResult{ItemsFailed: len(chunks)}, err
		}
		return ltmbatch.PollResult{ItemsCompleted: stored}, nil
	})
	extractionOrch := ltmbatch.New(batchProvider, batchStore)

	orchestrator, orchestratorSub := continuum.New(registry, segments, summarizer, embeddingProvider, extractionOrch, bus, slog.Default().With("component", "continuum"))
	orchestrator.Metrics = metrics
	defer bus.Unsubscribe(orchestratorSub)

	linkingService := linking.New(memories, llmadapter.NewClassifier(llmClient, cfg.LLM.LinkingModel), memories, linking.Config{
		SimilarityThresholdForLinking: 0.75,
		LinkConfidenceThreshold:       0.6,
		MaxLinkTraversalDepth:         3,
	})
	refinementService := refinement.New(memories, llmadapter.NewRefiner(llmClient, cfg.LLM.RefinementModel), llmadapter.NewConsolidator(llmClient, cfg.LLM.RefinementModel), refinement.DefaultConfig())
	maintenanceRunner := maintenance.NewRunner(memories, memories, linkingService, refinementService, slog.Default().With("component", "maintenance"))

	jwtService := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	actionRouter := api.NewActionRouter(registry, orchestrator, memories, userDataRegistry)
	dataReader := api.NewDataReader(messages, memories, registry)
	components := map[string]api.Pinger{
		"postgres": api.SQLPinger{DB: db},
		"valkey":   api.RedisPinger{Client: rdb},
	}
	if vaultClient != nil {
		components["vault"] = vaultClient
	}
	healthChecker := api.NewHealthChecker(components, nil)

	httpServer := httpapi.New(httpapi.Deps{
		Chat:   engine,
		Action: actionRouter,
		Data:   dataReader,
		Health: healthChecker,
		JWT:    jwtService,
		Log:    slog.Default().With("component", "httpapi"),
	})

	gw := gateway.New(chatStreamAdapter{engine: engine}, jwtService, slog.Default().With("component", "gateway"))
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chat/stream", gw.HandleChat)
	mux.Handle("/", httpServer)

	sched := scheduler.New(
		scheduler.WithLogger(slog.Default().With("component", "scheduler")),
		scheduler.WithEventBus(bus),
		scheduler.WithMetrics(metrics),
	)
	sched.Register(scheduler.NewSegmentTimeoutJob(activeSegmentAdapter{registry}, func() mconfig.SegmentTimeoutConfig { return miraCfg().SegmentTimeout }, bus), time.Minute)

	batchQueue := newPGBatchQueue(batchStore, extractionOrch)
	sched.Register(scheduler.NewBatchPollJob(batchQueue, batchQueue, 10, slog.Default().With("component", "batch_poll")), 30*time.Second)

	refinementJob, err := scheduler.NewDailyRefinementJob(maintenanceRunner, scheduler.NewMemoryExecutionStore(), "", nil)
	if err != nil {
		return fmt.Errorf("build refinement job: %w", err)
	}
	sched.Register(refinementJob, 10*time.Minute)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mira listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	slog.Info("shutdown signal received, draining")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Error("scheduler stop failed", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	slog.Info("mira stopped gracefully")
	return nil
}

// defaultSystemPrompt is the engine's system prompt when no workspace-level
// override is configured. MIRA has no teacher-style workspace markdown
// files (AGENTS.md/SOUL.md); a single constant is the pragmatic MVP until
// a per-deployment prompt template is wired.
const defaultSystemPrompt = "You are mira, a conversational assistant with persistent long-term memory. Use the search_memories tool to recall relevant context before answering when it would help."

func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	return "<redacted>"
}

// loadMiraConfig loads the hot-reloadable segment-timeout/search-intent
// config and starts watching it for changes. The returned func always
// reflects the watcher's current value.
func loadMiraConfig(ctx context.Context, path string) (func() mconfig.MiraConfig, *mconfig.MiraConfigWatcher, error) {
	watcher, err := mconfig.NewMiraConfigWatcher(path, slog.Default().With("component", "mira_config"))
	if err != nil {
		return nil, nil, err
	}
	if err := watcher.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("start mira config watcher: %w", err)
	}
	return watcher.Current, watcher, nil
}

// activeSegmentAdapter adapts *continuum.Registry's ActiveSegments to
// scheduler.ActiveSegmentSource. continuum and scheduler do not import
// each other, so the two packages each define their own ActiveSegment
// struct; this is the conversion edge between them.
type activeSegmentAdapter struct {
	registry *continuum.Registry
}

func (a activeSegmentAdapter) ActiveSegments(ctx context.Context) ([]scheduler.ActiveSegment, error) {
	segments, err := a.registry.ActiveSegments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]scheduler.ActiveSegment, len(segments))
	for i, s := range segments {
		out[i] = scheduler.ActiveSegment{
			ContinuumID: s.ContinuumID,
			UserID:      s.UserID,
			SegmentID:   s.SegmentID,
			IdleFor:     s.IdleFor,
			LocalHour:   s.LocalHour,
		}
	}
	return out, nil
}

// workingMemoryPersister flushes an expiring working-memory hash into the
// user's SQLite file, one row per continuum, replacing any prior snapshot.
type workingMemoryPersister struct {
	registry *userdata.Registry
}

func (p workingMemoryPersister) PersistWorkingMemory(ctx context.Context, userID, continuumID string, fields map[string]string) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode working memory: %w", err)
	}
	m := p.registry.For(userID)
	if _, err := m.JSONDelete(ctx, "working_memory", userdata.Row{"continuum_id": continuumID}); err != nil {
		return err
	}
	return m.JSONInsert(ctx, "working_memory", userdata.Row{
		"id":           uuid.NewString(),
		"continuum_id": continuumID,
		"fields":       string(payload),
	})
}

// chatStreamAdapter bridges the request/response chat engine onto the
// gateway's streaming contract. The engine's tool loop is synchronous, so
// the reply streams per-turn rather than per-token: one text delta with
// the full response, then the done frame.
type chatStreamAdapter struct {
	engine *continuum.Engine
}

func (a chatStreamAdapter) StreamMessage(ctx context.Context, userID, continuumID, message string) (<-chan gateway.Delta, error) {
	result, err := a.engine.SendMessage(ctx, userID, continuumID, message)
	if err != nil {
		return nil, err
	}
	ch := make(chan gateway.Delta, 2)
	ch <- gateway.Delta{Text: result.Response}
	ch <- gateway.Delta{Done: true, Response: result.Response, ToolsUsed: result.Metadata.ToolsUsed}
	close(ch)
	return ch, nil
}
