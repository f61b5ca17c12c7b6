package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agent-bridge/backend/api/handlers"
	"github.com/agent-bridge/backend/internal/agent"
	"github.com/agent-bridge/backend/internal/db"
	"github.com/agent-bridge/backend/internal/eventbus"
	"github.com/agent-bridge/backend/internal/repository"
	"github.com/agent-bridge/backend/internal/worker"
	"github.com/agent-bridge/backend/internal/ws"
)

func main() {
	// Get configuration from environment
	port := getEnv("PORT", "8080")
	dbPath := getEnv("DB_PATH", "data/sessions.db")
	workerCmd := getEnv("WORKER_CMD", "python3 -m agent.runner")
	initTimeout := getDurationEnv("AGENT_INIT_TIMEOUT", agent.DefaultInitTimeout)
	toolTimeout := getDurationEnv("TOOL_TIMEOUT", worker.DefaultToolTimeout)

	// Ensure the data directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	// Initialize database
	database, err := db.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	// Initialize repository
	sessionRepo := repository.NewSessionRepository(database)

	// Initialize event bus
	bus := eventbus.New()

	// Initialize worker launcher
	launcher := worker.NewStdioLauncher(strings.Fields(workerCmd))

	// Initialize agent manager
	manager := agent.NewManager(sessionRepo, bus, launcher, agent.Config{
		InitTimeout: initTimeout,
		ToolTimeout: toolTimeout,
	})
	defer manager.Close()

	// Initialize WebSocket handler
	wsHandler := ws.NewHandler(bus, manager)

	// Initialize HTTP handlers
	sessionHandler := handlers.NewSessionHandler(manager)
	eventsHandler := handlers.NewEventsHandler(manager, bus)
	webSocketHandler := handlers.NewWebSocketHandler(wsHandler)

	// Initialize Gin router
	r := gin.Default()

	// Enable CORS for development
	r.Use(corsMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})

	// API routes
	api := r.Group("/api")
	{
		sessionHandler.RegisterRoutes(api)
		eventsHandler.RegisterRoutes(api)
		webSocketHandler.RegisterRoutes(api)
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down server...")
		manager.Close()
		database.Close()
		os.Exit(0)
	}()

	// Start server
	log.Printf("Starting server on port %s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv returns a duration environment variable or a default value.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Invalid %s %q, using default %v", key, value, defaultValue)
		return defaultValue
	}
	return d
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
