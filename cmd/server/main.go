package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Simplereally/rapid-chat/internal/ai"
	"github.com/Simplereally/rapid-chat/internal/ai/gemini"
	"github.com/Simplereally/rapid-chat/internal/ai/openai"
	"github.com/Simplereally/rapid-chat/internal/api"
	"github.com/Simplereally/rapid-chat/internal/approval"
	"github.com/Simplereally/rapid-chat/internal/bus"
	"github.com/Simplereally/rapid-chat/internal/chat"
	"github.com/Simplereally/rapid-chat/internal/config"
	"github.com/Simplereally/rapid-chat/internal/session"
	"github.com/Simplereally/rapid-chat/internal/storage/sqlite"
	"github.com/Simplereally/rapid-chat/internal/stream"
	"github.com/Simplereally/rapid-chat/internal/tabsync"
	"github.com/Simplereally/rapid-chat/internal/websocket"
	"github.com/Simplereally/rapid-chat/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Rapid Chat server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	// Create SQLite conversation storage
	dbDir := filepath.Dir(cfg.Storage.SQLitePath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		log.Error("Failed to create database directory", logger.Error(err), logger.String("path", dbDir))
		os.Exit(1)
	}

	conversationStorage, err := sqlite.NewConversationStorage(cfg.Storage.SQLitePath, log)
	if err != nil {
		log.Error("Failed to create SQLite storage", logger.Error(err))
		os.Exit(1)
	}
	defer conversationStorage.Close()
	log.Info("Using SQLite storage", logger.String("path", cfg.Storage.SQLitePath))

	// Create the session store and its reaper
	store := session.NewStore(log)
	reaper := session.NewReaper(store, session.ReaperConfig{
		Interval:  cfg.Session.SweepInterval(),
		MaxAge:    cfg.Session.MaxAge(),
		KickDelay: cfg.Session.SweepKickDelay(),
	}, log)

	// Create the AI provider
	var provider ai.StreamProvider
	switch cfg.AI.Provider {
	case "gemini":
		provider = gemini.NewClient(cfg.AI.APIKey, cfg.AI.Model, log)
	default:
		client := openai.NewClient(cfg.AI.APIKey, cfg.AI.Model, log, cfg.AI.BaseURL)
		if cfg.AI.APIKeyEnv != "" {
			client.SetHeaderSupplier(openai.EnvKeySupplier(cfg.AI.APIKeyEnv))
		}
		provider = client
	}
	log.Info("Using AI provider",
		logger.String("provider", cfg.AI.Provider),
		logger.String("model", cfg.AI.Model))

	// Create the tool registry
	registry := approval.NewDefaultRegistry(cfg.Tools.WorkDir)

	// Create the producer manager. Completed turns are handed to durable
	// storage and then the reaper gets a kick.
	manager := stream.NewManager(store, stream.Config{
		Provider:     provider,
		Tools:        registry.Definitions(),
		SystemPrompt: cfg.AI.SystemPrompt,
		RunTool:      registry.Run,
		OnFinish: func(sessionID string, messages []chat.Message) {
			if err := conversationStorage.StoreTurn(sessionID, messages); err != nil {
				log.Error("Failed to persist completed turn",
					logger.String("session_id", sessionID),
					logger.Error(err))
			}
		},
		AfterTurn: func(sessionID string) {
			reaper.Kick()
		},
	}, log)

	// Create the approval coordinator
	coordinator := approval.NewCoordinator(store, registry, log)

	// Create the sync bus and this runtime's synchronizer
	syncBus := bus.NewMemoryBus(log)
	synchronizer := tabsync.NewSynchronizer(store, syncBus, coordinator, log)
	coordinator.SetDecisionPublisher(synchronizer.PublishDecision)
	synchronizer.Start()
	defer synchronizer.Stop()

	// Create WebSocket server
	wsServer := websocket.NewServer(log)
	go wsServer.Run()

	wsHandler := api.NewWSHandler(manager, coordinator, log)
	wsServer.SetMessageHandler(wsHandler)

	// Relay sync envelopes to attached websocket clients
	wsBridge := api.NewWSBridge(syncBus, wsServer, log)
	wsBridge.Start()
	defer wsBridge.Stop()

	// Start the reaper
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reaper.Start(ctx)

	// Create API router
	router := api.NewRouter(store, manager, coordinator, conversationStorage, cfg, log, wsServer)

	// --- Setup for multiple HTTP servers ---
	var servers []*http.Server
	allPorts := []int{cfg.Server.Port}       // Start with the primary port
	if len(cfg.Server.AdditionalPorts) > 0 { // Only append if there are additional ports
		allPorts = append(allPorts, cfg.Server.AdditionalPorts...)
	}

	log.Info("Configured listener ports", logger.Any("ports", allPorts))

	// Start a server for each configured port
	for _, port := range allPorts {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)
		server := &http.Server{
			Addr:         addr,
			Handler:      router, // All servers use the same main router
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
			IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
		}
		servers = append(servers, server)

		go func(s *http.Server) {
			log.Info("Starting HTTP server", logger.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("HTTP server error on startup", logger.String("addr", s.Addr), logger.Error(err))
			}
		}(server)
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	// Stop background services first
	log.Info("Stopping session reaper...")
	reaper.Stop()
	log.Info("Session reaper stopped.")

	// Cancel the main context
	cancel()

	// Shutdown all HTTP servers
	log.Info("Shutting down HTTP servers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			log.Info("Attempting to shutdown HTTP server", logger.String("addr", srv.Addr))
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("HTTP server shutdown error", logger.String("addr", srv.Addr), logger.Error(err))
			} else {
				log.Info("HTTP server shutdown complete", logger.String("addr", srv.Addr))
			}
		}(s)
	}
	wg.Wait() // Wait for all server shutdowns to complete

	log.Info("All HTTP servers shutdown.")

	// Close the sync bus last so in-flight envelopes drain
	syncBus.Close()

	log.Info("Server fully stopped")
}
