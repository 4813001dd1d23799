package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mikeboe/deep-research/pkg/clients"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/embeddings"
	"github.com/mikeboe/deep-research/pkg/knowledge"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/search"
	"github.com/mikeboe/deep-research/pkg/server"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database Connection
	db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("Failed to connect to database", err)
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		fatal("Failed to initialize schema", err)
	}

	model, err := clients.New(ctx, cfg)
	if err != nil {
		fatal("Failed to initialize model", err)
	}
	provider, err := search.FromConfig(cfg)
	if err != nil {
		fatal("Failed to initialize search provider", err)
	}

	newSession := func(logger *slog.Logger) *research.Session {
		return research.New(cfg, model, provider, logger)
	}

	var index server.Indexer
	var tools server.ToolProvider
	if toolset, err := newToolset(ctx, cfg, db); err != nil {
		slog.Warn("Learnings index disabled", "error", err)
	} else {
		index, tools = toolset, toolset
	}

	// Initialize Service & Handler
	svc := server.NewService(db, newSession, index)
	handler := server.NewHandler(svc, tools)

	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Length", "Mcp-Session-Id"},
		AllowCredentials: false,
	}))
	handler.RegisterRoutes(r)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		slog.Info("Server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("Failed to start server", err)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down, cancelling running jobs")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
	svc.Shutdown()
}

// newToolset wires the pgvector learnings collection. It needs a Google API
// key for embeddings.
func newToolset(ctx context.Context, cfg *config.Config, db *database.PostgresDB) (*knowledge.Toolset, error) {
	embedder, err := embeddings.NewGoogleEmbedder(ctx, cfg.EmbeddingModel, cfg.GoogleApiKey,
		embeddings.WithDimension(cfg.EmbeddingDimension))
	if err != nil {
		return nil, err
	}

	if err := db.EnsureVectorExtension(ctx); err != nil {
		return nil, err
	}
	if err := db.CreateLearningsTable(ctx, cfg.CollectionName, embedder.Dimension()); err != nil {
		return nil, err
	}

	store, err := vectorstore.NewPGVectorStore(db.Pool, cfg.CollectionName)
	if err != nil {
		return nil, err
	}
	return knowledge.NewToolset(store, embedder, slog.Default()), nil
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
