package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/stakeduel/backend/internal/database"
	"github.com/stakeduel/backend/internal/game"
	"github.com/stakeduel/backend/internal/handlers"
	"github.com/stakeduel/backend/internal/matchmaking"
	mW "github.com/stakeduel/backend/internal/middleware"
	"github.com/stakeduel/backend/internal/presence"
	"github.com/stakeduel/backend/internal/relay"
	"github.com/stakeduel/backend/internal/services"
)

// @title StakeDuel Backend API
// @version 1.0
// @description API for real-money head-to-head mini-games
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	// Set environment variable prefix
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")

	viper.BindEnv("wallet.signup_bonus", "WALLET_SIGNUP_BONUS")
	viper.BindEnv("wallet.currency", "WALLET_CURRENCY")

	viper.BindEnv("game.treat_bot_as_user", "GAME_TREAT_BOT_AS_USER")
	viper.BindEnv("game.betting_timeout", "GAME_BETTING_TIMEOUT")
	viper.BindEnv("game.bot_move_delay", "GAME_BOT_MOVE_DELAY")

	viper.BindEnv("matchmaking.queue_timeout", "MATCHMAKING_QUEUE_TIMEOUT")
	viper.BindEnv("matchmaking.lobby_ttl", "MATCHMAKING_LOBBY_TTL")
	viper.BindEnv("matchmaking.invite_base_url", "MATCHMAKING_INVITE_BASE_URL")

	viper.BindEnv("relay.max_attempts", "RELAY_MAX_ATTEMPTS")
	viper.BindEnv("relay.backoff_base", "RELAY_BACKOFF_BASE")

	viper.BindEnv("maintenance.stale_hold_threshold", "MAINTENANCE_STALE_HOLD_THRESHOLD")
	viper.BindEnv("maintenance.sweep_schedule", "MAINTENANCE_SWEEP_SCHEDULE")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	serverID := uuid.New().String()

	// Initialize infrastructure
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	defer redisClient.Close()

	// Background work stops when this context is cancelled at shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wallet ledger and its async operations
	walletService := services.NewWalletService(db, &services.LogNotifier{})
	jobRelay := relay.New(redisClient)

	walletWorker := relay.NewWorker(jobRelay, relay.QueueWalletOperations, 4)
	services.RegisterWalletHandlers(walletWorker, jobRelay, walletService)

	// Match state machine
	matchStore := game.NewStore(redisClient)
	manager := game.NewManager(matchStore, jobRelay)
	manager.RegisterEngine("dice", game.NewDiceEngine())

	gameWorker := relay.NewWorker(jobRelay, relay.QueueGameJobs, 4)
	timeoutWorker := relay.NewWorker(jobRelay, relay.QueueMatchTimeout, 2)
	game.RegisterGameHandlers(gameWorker, manager)
	game.RegisterGameHandlers(timeoutWorker, manager)

	// Matchmaking
	queue := matchmaking.NewQueue(redisClient, jobRelay, manager)
	matchmaking.RegisterTimeoutHandler(timeoutWorker, queue)

	presenceService := presence.NewService(redisClient)
	lobbyService := matchmaking.NewLobbyService(redisClient, walletService, presenceService, manager)
	botService := matchmaking.NewBotService(manager)

	// Stale escrow sweep
	maintenanceService := services.NewMaintenanceService(walletService)
	if err := maintenanceService.Start(); err != nil {
		log.Fatalf("Failed to start maintenance schedule: %v", err)
	}
	defer maintenanceService.Stop()

	go walletWorker.Run(ctx)
	go gameWorker.Run(ctx)
	go timeoutWorker.Run(ctx)
	go manager.ListenWalletEvents(ctx)
	go queue.Run(ctx)

	walletHandler := handlers.NewWalletHandler(walletService, jobRelay)
	matchHandler := handlers.NewMatchHandler(manager, queue, lobbyService, botService, presenceService, serverID)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			// Wallet endpoints
			r.Post("/wallet", walletHandler.CreateWallet)
			r.Get("/wallet/balance", walletHandler.GetBalance)
			r.Post("/wallet/deposit", walletHandler.Deposit)
			r.Post("/wallet/withdraw", walletHandler.Withdraw)
			r.Get("/wallet/transactions", walletHandler.GetTransactions)
			r.Get("/wallet/transactions/{txId}", walletHandler.GetTransaction)
			r.Get("/wallet/escrows", walletHandler.GetEscrows)
			r.Get("/wallet/escrows/{escrowId}", walletHandler.GetEscrow)
			r.Post("/wallet/revert/{gameId}", walletHandler.RevertGame)

			// Matchmaking endpoints
			r.Post("/matchmaking/queue", matchHandler.JoinQueue)
			r.Post("/matchmaking/lobby", matchHandler.CreateLobby)
			r.Post("/matchmaking/lobby/{code}/join", matchHandler.JoinLobby)
			r.Get("/matchmaking/lobby/{code}/qr", matchHandler.LobbyInviteQR)
			r.Post("/matchmaking/bot", matchHandler.PlayBot)

			// Match endpoints
			r.Get("/matches/{matchId}", matchHandler.GetMatch)
			r.Post("/matches/{matchId}/ready", matchHandler.Ready)
			r.Post("/matches/{matchId}/move", matchHandler.Move)

			// Presence endpoints
			r.Post("/presence/heartbeat", matchHandler.Heartbeat)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server %s starting on :%s", serverID, port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
