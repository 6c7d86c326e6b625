package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-signals/internal/archive"
	"github.com/ksred/klear-signals/internal/auth"
	"github.com/ksred/klear-signals/internal/database"
	"github.com/ksred/klear-signals/internal/dispatcher"
	"github.com/ksred/klear-signals/internal/report"
	"github.com/ksred/klear-signals/internal/risk"
	"github.com/ksred/klear-signals/internal/setting"
	"github.com/ksred/klear-signals/internal/signal"
	"github.com/ksred/klear-signals/internal/timing"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewDatabase(database.Config{Driver: "sqlite", DSN: "file:routes?mode=memory&cache=shared"})
	require.NoError(t, err)

	settingsDB := setting.NewDatabase(db, setting.Defaults{BaseAmount: 10, DailyProfitTarget: 100, MaxLossPercent: 10, BalanceReference: 1000})
	signals := signal.NewService(db, settingsDB, timing.SystemClock{}, 3)
	breaker := risk.NewBreaker(signals.GetDB(), settingsDB)
	authService := auth.NewService("routes-secret")
	authService.RegisterOperator("operator", "s3cret")

	router := gin.New()
	setupRoutes(router, handlers{
		auth:     auth.NewGinHandlers(authService),
		signals:  signal.NewGinHandlers(signals),
		results:  archive.NewGinHandlers(archive.NewService(db, nil)),
		settings: setting.NewGinHandlers(setting.NewService(settingsDB)),
		risk:     risk.NewGinHandlers(breaker, time.Now),
		workers:  dispatcher.NewGinHandlers(dispatcher.NewRegistry([]string{"Profile 1"})),
		reports:  report.NewGinHandlers(report.NewBuilder(signals.GetDB(), breaker), time.Now),
		tokens:   authService,
	})
	return router
}

func TestPublicRoutes(t *testing.T) {
	router := newTestRouter(t)

	for _, path := range []string{"/health", "/metrics"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token",
		bytes.NewBufferString(`{"api_key":"operator","api_secret":"s3cret"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var body struct {
		Data auth.TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	for _, path := range []string{"/api/v1/workers", "/api/v1/settings", "/api/v1/settings/trading-status", "/api/v1/signals/today", "/api/v1/results", "/api/v1/reports/today"} {
		w = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+body.Data.Token)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}
