// Command reconciler runs one deposit scan and one broadcast sweep, then
// exits. Useful for operators and for cron outside the server process.
package main

import (
	"context"
	"log"
	"time"

	"github.com/spf13/viper"

	"github.com/khayapay/backend/internal/database"
	"github.com/khayapay/backend/internal/reconciler"
	"github.com/khayapay/backend/internal/services"
	"github.com/khayapay/backend/internal/solana"
)

func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	viper.BindEnv("solana.rpc_url", "SOLANA_RPC_URL")
	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	db := database.InitDatabase()
	defer db.Close()

	chainClient := solana.NewClient()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := reconciler.New(db, chainClient).Run(ctx); err != nil {
		log.Printf("[RECON] Scan finished with errors: %v", err)
	}

	tokens := services.NewTokenStore(db, nil)
	bridge := services.NewBridgeService(db, tokens, services.NewReplayGuard(tokens), chainClient)
	if err := bridge.Sweep(ctx); err != nil {
		log.Fatalf("[BRIDGE] Sweep failed: %v", err)
	}
}
