// Command gatewayd runs the intelligent MCP gateway: it connects to every
// upstream MCP server named in its configuration, indexes their tools for
// hybrid search, and exposes its own small meta-tool surface (search,
// execute, resume/abort/replan) over a newline-delimited JSON-RPC 2.0
// stdio transport, matching the framing upstream.Manager's own stdio
// client already speaks.
//
// # Sandbox re-exec
//
// gatewayd re-execs itself as a disposable code-execution worker: when
// MCPGATE_SANDBOX_WORKER=1 is set in its environment, main runs
// sandbox.RunWorker against stdio instead of starting the gateway, and
// exits once the single requested execution completes.
//
// # Configuration
//
// Environment variables:
//
//	GATEWAY_CONFIG         - path to a YAML config file (default: none, built-in defaults apply)
//	OPENAI_API_KEY         - enables OpenAI embeddings for tool/capability search
//	ANTHROPIC_API_KEY      - enables DAG synthesis from natural-language intent
//	ANTHROPIC_MODEL        - model id for synthesis (default: claude-sonnet-4-5)
//	VECTOR_STORE           - "memory" (default), "pgvector", or "mongo"
//	VECTOR_STORE_DSN       - Postgres DSN when VECTOR_STORE=pgvector
//	MONGO_URI              - Mongo connection string when VECTOR_STORE=mongo
//	MONGO_DATABASE         - Mongo database name when VECTOR_STORE=mongo
//	MONGO_COLLECTION       - Mongo collection name when VECTOR_STORE=mongo
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mcpgate/gateway/config"
	"github.com/mcpgate/gateway/dag"
	"github.com/mcpgate/gateway/graph"
	"github.com/mcpgate/gateway/metatool"
	"github.com/mcpgate/gateway/registry"
	"github.com/mcpgate/gateway/sandbox"
	"github.com/mcpgate/gateway/telemetry"
	"github.com/mcpgate/gateway/trace"
	"github.com/mcpgate/gateway/upstream"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

func main() {
	if os.Getenv(sandbox.WorkerEnvVar) == "1" {
		if err := sandbox.RunWorker(os.Stdin, os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	obs := telemetry.New(telemetry.NewClueLogger(), telemetry.NewClueMetrics(), telemetry.NewClueTracer())

	g := graph.New()
	go decayGraphPeriodically(ctx, g, cfg.GraphDecayLambda)

	manager := upstream.NewManager(upstream.WithObservability(obs))
	for _, r := range manager.Start(ctx, cfg) {
		if r.Err != nil {
			obs.LogOperation(ctx, "upstream start failed", r.Err, "server", r.ServerID)
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			obs.LogOperation(shutdownCtx, "upstream shutdown", err)
		}
	}()

	embedder, err := buildEmbedder()
	if err != nil {
		return fmt.Errorf("build embedder: %w", err)
	}
	vectors, err := buildVectorStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build vector store: %w", err)
	}

	catalog := registry.NewCatalog(manager, embedder, vectors, g)
	if err := catalog.Refresh(ctx); err != nil {
		obs.LogOperation(ctx, "initial catalog refresh", err)
	}
	searcher := registry.NewHybridSearcher(catalog, embedder, vectors, g, cfg.Search)
	capabilities := registry.NewCapabilityStore(embedder, registry.NewMemoryVectorStore(), g)

	sink := trace.NewMemorySink(1000)
	pending := dag.NewPendingStore()
	pending.StartSweeper(0)
	defer pending.Stop()

	sb := sandbox.New(manager, searcher, cfg.Sandbox, cfg.Cache, sink)

	engine := dag.NewEngine(dag.EngineOptions{
		ToolCaller:         manager,
		CodeExecutor:       sb,
		CapabilityExpander: capabilities,
		Graph:              g,
		TraceSink:          sink,
		Pending:            pending,
		MaxConcurrency:     cfg.MaxConcurrency,
		Obs:                obs,
	})

	suggester := buildSuggester(searcher, capabilities)

	handler := metatool.New(manager, searcher, capabilities, engine, suggester, sb, pending)

	log.Printf("gatewayd: %d upstream server(s) configured, serving meta-tools over stdio", len(cfg.UpstreamServers))
	srv := newJSONRPCServer(handler, os.Stdin, os.Stdout)
	return srv.serve(ctx)
}

func buildEmbedder() (registry.Embedder, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, nil
	}
	return registry.NewOpenAIEmbedder(apiKey, "")
}

func buildVectorStore(ctx context.Context, cfg config.Config) (registry.VectorStore, error) {
	switch os.Getenv("VECTOR_STORE") {
	case "pgvector":
		dsn := os.Getenv("VECTOR_STORE_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("VECTOR_STORE=pgvector requires VECTOR_STORE_DSN")
		}
		return registry.NewPgVectorStore(ctx, dsn, 1536)
	case "mongo":
		uri := os.Getenv("MONGO_URI")
		if uri == "" {
			return nil, fmt.Errorf("VECTOR_STORE=mongo requires MONGO_URI")
		}
		client, err := mongo.Connect(mongooptions.Client().ApplyURI(uri))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		dbName := envOr("MONGO_DATABASE", "mcpgate")
		collName := envOr("MONGO_COLLECTION", "tool_embeddings")
		coll := client.Database(dbName).Collection(collName)
		return registry.NewMongoVectorStore(registry.MongoVectorStoreOptions{Collection: coll})
	default:
		return registry.NewMemoryVectorStore(), nil
	}
}

func buildSuggester(searcher *registry.HybridSearcher, capabilities *registry.CapabilityStore) *dag.Suggester {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	model := envOr("ANTHROPIC_MODEL", defaultAnthropicModel)
	return dag.NewSuggester(searcher, capabilities, &client.Messages, model)
}

func decayGraphPeriodically(ctx context.Context, g *graph.Graph, lambda float64) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Decay(lambda, 0.05)
		}
	}
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
