package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tradehive/exchange/internal/auth"
	"github.com/tradehive/exchange/internal/book"
	"github.com/tradehive/exchange/internal/db"
	"github.com/tradehive/exchange/internal/models"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	AuthService *auth.AuthService
	Log         *logrus.Logger
}

// NewHandler creates a new handler
func NewHandler(db *db.DB, authService *auth.AuthService, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{DB: db, AuthService: authService, Log: log}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) (int, bool) {
	id, ok := r.Context().Value(userIDKey).(int)
	return id, ok
}

type placeOrderRequest struct {
	Type          string          `json:"type"`
	Side          string          `json:"side"`
	BaseCurrency  string          `json:"base_currency"`
	QuoteCurrency string          `json:"quote_currency"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
}

// PlaceOrder admits a new order into the book. Matching happens later,
// on the engine's own cadence; intake only validates the request and
// checks the wallet can cover it.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Side != models.SideBuy && req.Side != models.SideSell {
		writeError(w, http.StatusBadRequest, "Side must be 'buy' or 'sell'")
		return
	}
	if req.Type != models.TypeLimit && req.Type != models.TypeMarket {
		writeError(w, http.StatusBadRequest, "Type must be 'limit' or 'market'")
		return
	}
	if req.Type == models.TypeLimit && req.Price.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "Limit orders must include a positive price")
		return
	}
	if req.Type == models.TypeMarket && req.Price.Sign() != 0 {
		writeError(w, http.StatusBadRequest, "Market orders should not include a price")
		return
	}
	if req.Amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "Amount must be positive")
		return
	}
	if req.BaseCurrency == req.QuoteCurrency {
		writeError(w, http.StatusBadRequest, "Base and quote currency must be different")
		return
	}

	base, err := h.DB.GetCurrencyBySymbol(r.Context(), req.BaseCurrency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown base currency")
		return
	}
	quote, err := h.DB.GetCurrencyBySymbol(r.Context(), req.QuoteCurrency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown quote currency")
		return
	}

	// Only listed, active pairs take orders
	if _, err := h.DB.GetTradingPair(r.Context(), base.ID, quote.ID); err != nil {
		writeError(w, http.StatusBadRequest, "Unknown trading pair")
		return
	}

	// Balance sufficiency check at admission time. Settlement re-checks
	// ledger non-negativity, so this is a UX gate, not the safety net.
	if req.Side == models.SideBuy {
		required := req.Amount
		if req.Type == models.TypeLimit {
			required = required.Mul(req.Price)
		}
		balance, err := h.DB.GetBalance(r.Context(), uid, quote.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to check balance")
			return
		}
		if balance.LessThan(required) {
			writeError(w, http.StatusBadRequest, "Not enough balance to buy")
			return
		}
	} else {
		balance, err := h.DB.GetBalance(r.Context(), uid, base.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to check balance")
			return
		}
		if balance.LessThan(req.Amount) {
			writeError(w, http.StatusBadRequest, "Not enough balance to sell")
			return
		}
	}

	order := models.Order{
		UserID:  uid,
		Type:    req.Type,
		Side:    req.Side,
		BaseID:  base.ID,
		QuoteID: quote.ID,
		Amount:  req.Amount,
	}
	if req.Type == models.TypeLimit {
		order.Price = decimal.NewNullDecimal(req.Price)
	}

	dbOrder, err := h.DB.CreateOrder(r.Context(), &order)
	if err != nil {
		h.Log.WithError(err).Error("failed to create order")
		writeError(w, http.StatusInternalServerError, "Failed to create order")
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":  "Order placed",
		"order_id": dbOrder.ID,
	})
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orders, err := h.DB.GetUserOrders(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve orders")
		return
	}

	json.NewEncoder(w).Encode(ordersJSON(orders))
}

// GetOrderBook retrieves one pair's order book, both sides in price-time
// priority order. symbol is BASE/QUOTE, e.g. BTC/KRW.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 {
		writeError(w, http.StatusBadRequest, "symbol must be BASE/QUOTE")
		return
	}

	base, err := h.DB.GetCurrencyBySymbol(r.Context(), parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown base currency")
		return
	}
	quote, err := h.DB.GetCurrencyBySymbol(r.Context(), parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown quote currency")
		return
	}

	orders, err := h.DB.GetPairOrderBook(r.Context(), base.ID, quote.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve order book")
		return
	}

	books := book.Select(orders)
	var buys, sells []models.Order
	if len(books) > 0 {
		buys, sells = books[0].Buys, books[0].Sells
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"buy_orders":  ordersJSON(buys),
		"sell_orders": ordersJSON(sells),
	})
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	trades, err := h.DB.GetUserTrades(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve trades")
		return
	}

	if trades == nil {
		trades = []models.Trade{}
	}
	json.NewEncoder(w).Encode(trades)
}

// GetBalances retrieves a user's wallet balances
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	balances, err := h.DB.GetBalances(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve balances")
		return
	}

	if balances == nil {
		balances = []models.WalletBalance{}
	}
	json.NewEncoder(w).Encode(balances)
}

type orderJSON struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	Side      string `json:"side"`
	Price     string `json:"price,omitempty"`
	Amount    string `json:"amount"`
	Remaining string `json:"remaining"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func ordersJSON(orders []models.Order) []orderJSON {
	out := make([]orderJSON, 0, len(orders))
	for _, o := range orders {
		j := orderJSON{
			ID:        o.ID,
			Type:      o.Type,
			Side:      o.Side,
			Amount:    o.Amount.String(),
			Remaining: o.Remaining.String(),
			Status:    o.Status,
			CreatedAt: o.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		}
		if o.Price.Valid {
			j.Price = o.Price.Decimal.String()
		}
		out = append(out, j)
	}
	return out
}
