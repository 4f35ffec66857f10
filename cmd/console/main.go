package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/ops-console/terminal/api/handlers"
	"github.com/ops-console/terminal/internal/config"
	"github.com/ops-console/terminal/internal/conn"
	"github.com/ops-console/terminal/internal/db"
	"github.com/ops-console/terminal/internal/history"
	"github.com/ops-console/terminal/internal/tabs"
	"github.com/ops-console/terminal/internal/transport"
	"github.com/ops-console/terminal/internal/ws"
)

func main() {
	config.Load()
	cfg := config.Cfg

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	// Initialize database and history store
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.CloseDB()

	store := history.NewStore(database, history.Config{
		CommandCap: cfg.CommandCap,
	})

	// One shared channel to the backend bridge, reconnecting with a
	// bounded budget. All tab sessions multiplex over it.
	channel := transport.NewChannel(transport.Config{
		URL:         cfg.BridgeURL,
		MaxAttempts: cfg.ReconnectAttempts,
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxDelay:    cfg.ReconnectMaxDelay,
	})
	defer channel.Disconnect()

	credentials := transport.Credentials{Token: cfg.AuthToken}
	factory := func(sessionID string, cb conn.Callbacks) tabs.Conn {
		return conn.NewMachine(sessionID, channel, conn.Config{
			Credentials:      credentials,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ResizeDebounce:   cfg.ResizeDebounce,
		}, cb)
	}

	// WebSocket fan-out and the tab multiplexer
	wsService := ws.NewService()
	defer wsService.Close()

	if cfg.AllowedOrigin != "" {
		ws.SetCheckOrigin(func(r *http.Request) bool {
			return r.Header.Get("Origin") == cfg.AllowedOrigin
		})
	}

	mux := tabs.NewMultiplexer(tabs.Config{
		Capacity: cfg.TabCapacity,
		RingSize: cfg.CommandRing,
	}, factory, store, wsService.Callbacks())
	wsService.Bind(mux)

	// Restore the previous tab layout; sessions reconnect on demand.
	snapshot := tabs.NewSnapshotStore(cfg.SnapshotPath)
	if err := mux.Restore(snapshot); err != nil {
		log.Printf("Failed to restore tab snapshot: %v", err)
	}

	// Scheduled history retention cleanup
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.CleanupSchedule, func() {
		removed, err := store.Cleanup(context.Background(), cfg.HistoryMaxAge)
		if err != nil {
			log.Printf("History cleanup failed: %v", err)
			return
		}
		log.Printf("History cleanup removed %d expired records", removed)
	}); err != nil {
		log.Fatalf("Invalid cleanup schedule %q: %v", cfg.CleanupSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Initialize handlers
	tabHandler := handlers.NewTabHandler(mux)
	historyHandler := handlers.NewHistoryHandler(store, mux, cfg.HistoryMaxAge)
	wsHandler := handlers.NewWebSocketHandler(mux, wsService.Handler())

	// Initialize Gin router
	r := gin.Default()

	// Enable CORS for development
	r.Use(corsMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
			"bridge": string(channel.State().State),
		})
	})

	// API routes
	api := r.Group("/api")
	{
		tabHandler.RegisterRoutes(api)
		historyHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down server...")
		scheduler.Stop()
		if err := mux.Persist(snapshot); err != nil {
			log.Printf("Failed to persist tab snapshot: %v", err)
		}
		mux.Close()
		wsService.Close()
		channel.Disconnect()
		db.CloseDB()
		os.Exit(0)
	}()

	// Start server
	log.Printf("Starting console on %s (bridge %s)", cfg.ListenAddr, cfg.BridgeURL)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
