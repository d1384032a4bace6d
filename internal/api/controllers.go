package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"signal-core/internal/monitor"
	"signal-core/internal/strategy"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
)

type listOrdersQuery struct {
	AccountID string `form:"account_id"`
	Status    string `form:"status"`
	Limit     int    `form:"limit"`
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	q.Status = strings.ToUpper(q.Status)
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

type createAccountRequest struct {
	ID           string `json:"id"`
	ExchangeKind string `json:"exchange_kind" binding:"required"`
	Sandbox      bool   `json:"sandbox"`
	StrategyID   string `json:"strategy_id"`
	APIKey       string `json:"api_key"`
	APISecret    string `json:"api_secret"`
	Passphrase   string `json:"passphrase"`
}

func (r createAccountRequest) validate() error {
	switch r.ExchangeKind {
	case db.ExchangePaper:
		return nil
	case db.ExchangeBinanceUSDT:
	case db.ExchangeOKXSwap:
		if r.Passphrase == "" {
			return errors.New("passphrase is required for okx")
		}
	default:
		return fmt.Errorf("unsupported exchange_kind %q", r.ExchangeKind)
	}
	if r.APIKey == "" || r.APISecret == "" {
		return errors.New("api_key and api_secret are required")
	}
	return nil
}

// createAccount seals the credential bundle and stores the account. The
// plaintext never reaches the store or the response.
func (s *Server) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	req.ExchangeKind = strings.ToLower(strings.TrimSpace(req.ExchangeKind))
	if err := req.validate(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ACCOUNT", err.Error())
		return
	}

	ctx := c.Request.Context()
	if req.StrategyID != "" {
		if _, err := s.cfg.Store.GetStrategy(ctx, req.StrategyID); err != nil {
			respondError(c, http.StatusBadRequest, "UNKNOWN_STRATEGY", "strategy not found")
			return
		}
	}

	acct := db.Account{
		ID:           req.ID,
		ExchangeKind: req.ExchangeKind,
		Sandbox:      req.Sandbox,
		Active:       true,
		StrategyID:   req.StrategyID,
		CreatedAt:    time.Now().UTC(),
	}
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if req.APIKey != "" {
		creds := crypto.Credentials{APIKey: req.APIKey, APISecret: []byte(req.APISecret)}
		if req.Passphrase != "" {
			creds.Passphrase = []byte(req.Passphrase)
		}
		sealed, err := crypto.SealCredentials(s.cfg.Vault, creds)
		creds.Wipe()
		if err != nil {
			respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to seal credentials")
			return
		}
		acct.CredentialsEncrypted = sealed
	}

	if err := s.cfg.Store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			respondError(c, http.StatusConflict, "ACCOUNT_EXISTS", "account already exists")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	s.log.WithField("account_id", acct.ID).WithField("exchange", acct.ExchangeKind).Info("Account created")
	c.JSON(http.StatusCreated, acct)
}

func (s *Server) listAccounts(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.DefaultQuery("active", "false"))
	accounts, err := s.cfg.Store.ListAccounts(c.Request.Context(), activeOnly)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if accounts == nil {
		accounts = []db.Account{}
	}
	c.JSON(http.StatusOK, accounts)
}

// deleteAccount soft-deletes the account and drops its pooled adapter.
func (s *Server) deleteAccount(c *gin.Context) {
	id := c.Param("id")
	if err := s.cfg.Store.SoftDeleteAccount(c.Request.Context(), id, time.Now().UTC()); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "account not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if s.cfg.Pool != nil {
		s.cfg.Pool.Invalidate(id)
	}
	s.log.WithField("account_id", id).Info("Account deleted")
	c.Status(http.StatusNoContent)
}

// createWebhook issues a webhook and its signing secret. The secret is
// returned once and stored sealed.
func (s *Server) createWebhook(c *gin.Context) {
	var req struct {
		AccountID string `json:"account_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "account_id is required")
		return
	}

	ctx := c.Request.Context()
	acct, err := s.cfg.Store.GetAccount(ctx, req.AccountID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && (!acct.Active || acct.DeletedAt != nil)) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "active account not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to generate secret")
		return
	}
	secret := hex.EncodeToString(raw)
	crypto.WipeBytes(raw)
	sealed, err := s.cfg.Vault.EncryptBytes([]byte(secret))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to seal secret")
		return
	}

	hook := db.Webhook{
		ID:              uuid.NewString(),
		AccountID:       acct.ID,
		SecretEncrypted: sealed,
		Active:          true,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.cfg.Store.CreateWebhook(ctx, hook); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         hook.ID,
		"account_id": hook.AccountID,
		"secret":     secret,
		"path":       "/webhook/" + hook.ID,
	})
}

func (s *Server) listStrategies(c *gin.Context) {
	recs, err := s.cfg.Store.ListStrategies(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]strategy.Config, 0, len(recs))
	for _, rec := range recs {
		cfg, err := strategy.FromRecord(rec)
		if err != nil {
			s.log.WithError(err).WithField("strategy_id", rec.ID).Warn("Stored strategy is invalid")
			continue
		}
		out = append(out, cfg)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getStrategy(c *gin.Context) {
	cfg, err := strategy.Lookup(c.Request.Context(), s.cfg.Store, c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "strategy not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// putStrategy replaces a strategy. Invalid configs are refused, never
// normalized.
func (s *Server) putStrategy(c *gin.Context) {
	var cfg strategy.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	cfg.ID = c.Param("id")
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_STRATEGY", err.Error())
		return
	}
	rec, err := cfg.ToRecord(time.Now().UTC())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if err := s.cfg.Store.UpsertStrategies(c.Request.Context(), []db.StrategyRecord{rec}); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// getOrders returns recent orders, newest first.
func (s *Server) getOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	orders, err := s.cfg.Store.ListOrders(c.Request.Context(), db.OrderFilter{AccountID: q.AccountID, Status: q.Status, Limit: q.Limit})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if orders == nil {
		orders = []db.Order{}
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, orders)
}

// getPositions returns open positions, optionally for one account.
func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.cfg.Store.ListOpenPositions(c.Request.Context(), c.Query("account_id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if positions == nil {
		positions = []db.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	entries, err := s.cfg.Store.ListAudit(c.Request.Context(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) snapshot() monitor.MetricsSnapshot {
	if s.cfg.Pool != nil {
		s.cfg.Metrics.SetGatewayPoolStats(s.cfg.Pool.Stats())
	}
	return s.cfg.Metrics.GetSnapshot()
}

// getMetrics returns system performance metrics.
func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.snapshot())
}

// getPromMetrics returns a minimal Prometheus text exposition of key metrics.
func (s *Server) getPromMetrics(c *gin.Context) {
	snapshot := s.snapshot()

	var b strings.Builder
	names := make([]string, 0, len(snapshot.Counters))
	for name := range snapshot.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "signal_core_%s_total %d\n", name, snapshot.Counters[name])
	}

	writeLatency := func(prefix string, ls monitor.LatencyStats) {
		if ls.Count == 0 {
			return
		}
		fmt.Fprintf(&b, "signal_core_%s_latency_ms_avg %f\n", prefix, ls.Avg)
		fmt.Fprintf(&b, "signal_core_%s_latency_ms_p50 %f\n", prefix, ls.P50)
		fmt.Fprintf(&b, "signal_core_%s_latency_ms_p95 %f\n", prefix, ls.P95)
		fmt.Fprintf(&b, "signal_core_%s_latency_ms_p99 %f\n", prefix, ls.P99)
	}
	writeLatency("pipeline", snapshot.PipelineLatency)
	writeLatency("source", snapshot.SourceLatency)
	writeLatency("order", snapshot.OrderLatency)
	writeLatency("api", snapshot.APILatency)

	fmt.Fprintf(&b, "signal_core_adapters_total %d\n", snapshot.GatewayPool.TotalAdapters)
	fmt.Fprintf(&b, "signal_core_adapters_max %d\n", snapshot.GatewayPool.MaxSize)
	fmt.Fprintf(&b, "signal_core_open_circuits %d\n", snapshot.GatewayPool.OpenCircuits)
	for kind, count := range snapshot.GatewayPool.ByExchangeKind {
		fmt.Fprintf(&b, "signal_core_adapters_by_exchange{kind=%q} %d\n", kind, count)
	}
	fmt.Fprintf(&b, "signal_core_queue_depth %d\n", snapshot.QueueDepth)
	fmt.Fprintf(&b, "signal_core_bus_dropped_total %d\n", snapshot.BusDropped)
	fmt.Fprintf(&b, "signal_core_goroutines %d\n", snapshot.GoroutineCount)
	fmt.Fprintf(&b, "signal_core_heap_alloc_bytes %d\n", snapshot.HeapAlloc)

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, b.String())
}
