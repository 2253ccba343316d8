package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jiazeyu1987/patentforge/internal/api"
	"github.com/jiazeyu1987/patentforge/internal/config"
	"github.com/jiazeyu1987/patentforge/internal/iteration"
	"github.com/jiazeyu1987/patentforge/internal/llm"
	"github.com/jiazeyu1987/patentforge/internal/prompt"
	"github.com/jiazeyu1987/patentforge/internal/queue"
	"github.com/jiazeyu1987/patentforge/internal/store"
)

const cleanupInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	st, err := store.NewSQLiteStore(cfg.ConversationsDBPath)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	gateway := llm.New(llm.Config{
		APIKey:        cfg.AnthropicAPIKey,
		Model:         cfg.AnthropicModel,
		MaxTokens:     cfg.AnthropicMaxTokens,
		CallTimeout:   cfg.LLMTimeout,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
		MaxOutputLen:  cfg.MaxOutputLength,
	})

	templates, err := prompt.NewTemplateRegistry(cfg.PromptsDir, func(msg string, args ...any) {
		log.Printf(msg, args...)
	})
	if err != nil {
		log.Fatalf("templates: %v", err)
	}
	userPrompts, err := prompt.NewUserPromptStore(cfg.UserPromptsPath)
	if err != nil {
		log.Fatalf("user prompts: %v", err)
	}
	promptEngine := prompt.NewEngine(templates, userPrompts, cfg.MaxInputLength)

	engine := iteration.New(gateway, promptEngine, st, cfg.OutputDir)
	manager := queue.New(cfg, st, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Recovery(ctx); err != nil {
		log.Fatalf("recovery: %v", err)
	}
	manager.Start(ctx)
	manager.StartCleanup(ctx, cfg.JobTTLHours, cleanupInterval)

	mux := http.NewServeMux()
	h := api.NewHandler(st, manager, templates, userPrompts)
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.RequestIDMiddleware,
		api.LoggingMiddleware,
		api.RateLimit(10),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("shutting down...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	log.Printf("patentforge listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
