package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/tradehive/exchange/internal/api"
	"github.com/tradehive/exchange/internal/auth"
	"github.com/tradehive/exchange/internal/config"
	"github.com/tradehive/exchange/internal/db"
	"github.com/tradehive/exchange/internal/engine"
	"github.com/tradehive/exchange/internal/ws"
)

// Main entry point: sets up database, matching engine, and HTTP server
func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)
	database.SetLockTimeout(cfg.LockTimeout)

	// Websocket hub doubles as the trade event sink
	hub := ws.NewHub(log)

	eng := engine.New(database, hub, log)

	authService := auth.NewAuthService(database, cfg.JWTSecret)
	handler := api.NewHandler(database, authService, log)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket endpoint: every committed trade is broadcast here
	r.Get("/ws", hub.HandleWS)

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/orderbook", handler.GetOrderBook)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Get("/trades", handler.GetUserTrades)
		r.Get("/balances", handler.GetBalances)
	})

	// The scheduler: invoke a matching pass on a fixed cadence. The
	// engine's own single-flight guard handles a pass outliving the tick.
	go func() {
		ticker := time.NewTicker(cfg.MatchInterval)
		defer ticker.Stop()
		for range ticker.C {
			passCtx, cancel := context.WithTimeout(ctx, cfg.PassTimeout)
			if err := eng.RunPass(passCtx); err != nil {
				log.WithError(err).Error("matching pass failed")
			}
			cancel()
		}
	}()

	log.Infof("Starting server on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
