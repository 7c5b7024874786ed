package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/shopspring/decimal"

	"github.com/tradehive/exchange/internal/config"
	"github.com/tradehive/exchange/internal/db"
	"github.com/tradehive/exchange/internal/models"
)

// Seed the database with demo currencies, users, wallets and open orders
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	// Apply schema
	migration, err := os.ReadFile("migrations/001_init.sql")
	if err != nil {
		log.Fatalf("Failed to read migration: %v", err)
	}
	if _, err := database.Pool.Exec(ctx, string(migration)); err != nil {
		log.Fatalf("Failed to apply migration: %v", err)
	}

	// Skip if orders already exist
	var orderCount int
	if err := database.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM orders").Scan(&orderCount); err != nil {
		log.Fatalf("Failed to check orders: %v", err)
	}
	if orderCount > 0 {
		fmt.Printf("Database already has %d orders. No need to seed.\n", orderCount)
		os.Exit(0)
	}

	currencies := map[string]string{
		"KRW": "Korean Won",
		"BTC": "Bitcoin",
		"ETH": "Ethereum",
	}
	ids := make(map[string]int)
	for symbol, name := range currencies {
		var id int
		err := database.Pool.QueryRow(ctx, `
			INSERT INTO currencies (symbol, name) VALUES ($1, $2)
			ON CONFLICT (symbol) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, symbol, name).Scan(&id)
		if err != nil {
			log.Fatalf("Failed to create currency %s: %v", symbol, err)
		}
		ids[symbol] = id
	}

	for _, pair := range [][2]string{{"BTC", "KRW"}, {"ETH", "KRW"}} {
		_, err := database.Pool.Exec(ctx, `
			INSERT INTO trading_pairs (base_id, quote_id) VALUES ($1, $2)
			ON CONFLICT (base_id, quote_id) DO NOTHING
		`, ids[pair[0]], ids[pair[1]])
		if err != nil {
			log.Fatalf("Failed to create pair %s/%s: %v", pair[0], pair[1], err)
		}
	}

	// bcrypt hash of "password"
	const demoHash = "$2a$10$XLhV7TU4dIvHO1d9UKgoT.Kt1XCYIbLV4LkQqmXGtN6VBnsmgS.G."
	userIDs := make(map[string]int)
	for _, name := range []string{"trader1", "trader2"} {
		var id int
		err := database.Pool.QueryRow(ctx, `
			INSERT INTO users (username, password_hash) VALUES ($1, $2)
			ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash
			RETURNING id
		`, name, demoHash).Scan(&id)
		if err != nil {
			log.Fatalf("Failed to create user %s: %v", name, err)
		}
		userIDs[name] = id
	}

	// Fund the wallets: trader1 holds quote, trader2 holds base
	deposits := []struct {
		user     string
		currency string
		amount   string
	}{
		{"trader1", "KRW", "100000000"},
		{"trader1", "BTC", "1"},
		{"trader2", "KRW", "5000000"},
		{"trader2", "BTC", "10"},
		{"trader2", "ETH", "50"},
	}
	for _, d := range deposits {
		amount, err := decimal.NewFromString(d.amount)
		if err != nil {
			log.Fatalf("Bad deposit amount %q: %v", d.amount, err)
		}
		if err := database.Deposit(ctx, userIDs[d.user], ids[d.currency], amount); err != nil {
			log.Fatalf("Failed to fund %s with %s %s: %v", d.user, d.amount, d.currency, err)
		}
	}

	// A resting book with a crossable spread so the first few passes trade
	orders := []struct {
		user   string
		side   string
		base   string
		quote  string
		price  string
		amount string
	}{
		{"trader1", "buy", "BTC", "KRW", "30000", "0.1"},
		{"trader1", "buy", "BTC", "KRW", "31000", "0.2"},
		{"trader1", "buy", "BTC", "KRW", "32000", "0.15"},
		{"trader2", "sell", "BTC", "KRW", "31000", "0.1"},
		{"trader2", "sell", "BTC", "KRW", "33000", "0.2"},
		{"trader2", "sell", "BTC", "KRW", "34000", "0.15"},
	}
	for i, o := range orders {
		price, err := decimal.NewFromString(o.price)
		if err != nil {
			log.Fatalf("Bad price %q: %v", o.price, err)
		}
		amount, err := decimal.NewFromString(o.amount)
		if err != nil {
			log.Fatalf("Bad amount %q: %v", o.amount, err)
		}
		order := models.Order{
			UserID:  userIDs[o.user],
			Type:    models.TypeLimit,
			Side:    o.side,
			BaseID:  ids[o.base],
			QuoteID: ids[o.quote],
			Price:   decimal.NewNullDecimal(price),
			Amount:  amount,
		}
		if _, err := database.CreateOrder(ctx, &order); err != nil {
			log.Fatalf("Failed to create order %d: %v", i+1, err)
		}
	}

	fmt.Println("Successfully seeded the database!")
}
