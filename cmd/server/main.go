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
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/khayapay/backend/docs"
	"github.com/khayapay/backend/internal/database"
	mW "github.com/khayapay/backend/internal/middleware"
	"github.com/khayapay/backend/internal/notify"
	"github.com/khayapay/backend/internal/oracle"
	"github.com/khayapay/backend/internal/paynet"
	"github.com/khayapay/backend/internal/reconciler"
	"github.com/khayapay/backend/internal/services"
	"github.com/khayapay/backend/internal/solana"
)

// @title Khaya Wallet API
// @version 1.0
// @description Custodial ZARP wallet backend
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

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

	viper.BindEnv("solana.rpc_url", "SOLANA_RPC_URL")
	viper.BindEnv("paynet.base_url", "PAYNET_BASE_URL")
	viper.BindEnv("paynet.api_key", "PAYNET_API_KEY")
	viper.BindEnv("oracle.base_url", "ORACLE_BASE_URL")

	viper.BindEnv("smtp.host", "SMTP_HOST")
	viper.BindEnv("smtp.port", "SMTP_PORT")
	viper.BindEnv("smtp.username", "SMTP_USERNAME")
	viper.BindEnv("smtp.password", "SMTP_PASSWORD")
	viper.BindEnv("smtp.from", "SMTP_FROM")
	viper.BindEnv("smtp.ops_address", "SMTP_OPS_ADDRESS")

	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Khaya Wallet API"
	docs.SwaggerInfo.Description = "Custodial ZARP wallet backend"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	chainClient := solana.NewClient()
	paynetClient := paynet.NewClient()
	oracleClient := oracle.NewClient()
	mailer := notify.NewMailer()

	sessionService := services.NewSessionService(db, redisClient)
	tokens := sessionService.Tokens()
	guard := sessionService.Guard()

	ledger := services.NewLedgerService(db, guard, paynetClient, oracleClient)
	paymentService := services.NewPaymentService(ledger, paynetClient, oracleClient, mailer)
	bridgeService := services.NewBridgeService(db, tokens, guard, chainClient)
	depositScanner := reconciler.New(db, chainClient)

	// Background jobs: deposit scan every two minutes, broadcast sweep
	// every ten.
	scheduler := cron.New()
	scheduler.AddFunc("@every 2m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()
		if err := depositScanner.Run(ctx); err != nil {
			log.Printf("[RECON] Scheduled scan finished with errors: %v", err)
		}
	})
	scheduler.AddFunc("@every 10m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := bridgeService.Sweep(ctx); err != nil {
			log.Printf("[BRIDGE] Sweep failed: %v", err)
		}
	})
	scheduler.Start()
	defer scheduler.Stop()

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
		// Public endpoints (no auth required)
		r.Post("/auth/challenge", sessionService.Challenge)
		r.Post("/auth/login", sessionService.Login)

		// Guarded endpoints carry their own signed authorization in the
		// request body.
		r.Post("/auth/logout", sessionService.Logout)
		r.Post("/wallet/transfer", paymentService.Transfer)
		r.Post("/wallet/withdraw", paymentService.Withdraw)
		r.Post("/wallet/swap", paymentService.Swap)
		r.Post("/wallet/balance", paymentService.Balance)
		r.Post("/wallet/history", paymentService.History)
		r.Post("/wallet/send-onchain", bridgeService.SendOnchain)

		// Bearer-token endpoints (read only)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware(tokens))

			r.Get("/auth/token", sessionService.CheckToken)
			r.Get("/wallet/deposit-address", bridgeService.DepositAddress)
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
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
