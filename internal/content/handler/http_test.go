package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/umanagarjuna/content-cache/internal/content/cache"
	"github.com/umanagarjuna/content-cache/internal/content/domain"
	"github.com/umanagarjuna/content-cache/internal/content/repository"
	"github.com/umanagarjuna/content-cache/internal/content/retry"
	"github.com/umanagarjuna/content-cache/internal/content/service"
	"github.com/umanagarjuna/content-cache/internal/content/throttle"
	"github.com/umanagarjuna/content-cache/internal/content/warmup"
	"github.com/umanagarjuna/content-cache/pkg/contentid"
)

const testToken = "s3cret"

func id(n int) string {
	return fmt.Sprintf("%032x", n)
}

type stubAPI struct {
	mu       sync.Mutex
	failures map[string]error
}

func (s *stubAPI) fail(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[key]
}

func (s *stubAPI) GetItem(_ context.Context, itemID string) (*domain.Item, error) {
	if err := s.fail(itemID); err != nil {
		return nil, err
	}
	return &domain.Item{ID: itemID, Title: "title " + itemID}, nil
}

func (s *stubAPI) GetChildren(_ context.Context, itemID string) (*domain.Children, error) {
	return &domain.Children{ParentID: itemID}, nil
}

func (s *stubAPI) Search(_ context.Context, query string) (*domain.SearchResult, error) {
	return &domain.SearchResult{Query: query}, nil
}

type fixture struct {
	router *gin.Engine
	ledger *repository.MemoryRepository
	cache  *cache.Tiered
}

func newFixture(t *testing.T, api domain.ContentAPI, cfg Config) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	local, err := cache.NewLocalCache(100, 0)
	require.NoError(t, err)
	c := cache.NewTiered(local, nil, cache.Options{DefaultTTL: time.Hour}, zap.NewNop(), nil)

	svc := service.NewContentService(
		api,
		c,
		throttle.New(throttle.Config{MaxConcurrency: 2}, nil),
		retry.New(retry.Config{MaxAttempts: 1, BaseDelay: time.Millisecond}, zap.NewNop(), nil),
		contentid.NewDefaultValidator(),
		nil,
		zap.NewNop(),
		service.Config{ItemTTL: time.Hour, SearchTTL: time.Minute, MaxTreeItems: 50},
	)

	ledger := repository.NewMemoryRepository()
	tracker := warmup.NewTracker(svc, ledger, nil, nil, zap.NewNop(), warmup.Config{BatchSize: 2})
	t.Cleanup(func() { _ = tracker.Shutdown(context.Background()) })

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})

	router := gin.New()
	NewHTTPHandler(svc, tracker, ledger, metrics, cfg, zap.NewNop()).RegisterRoutes(router)
	return &fixture{router: router, ledger: ledger, cache: c}
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestAuthFailsClosedWithoutToken(t *testing.T) {
	f := newFixture(t, &stubAPI{}, Config{})

	code, body := f.do(t, http.MethodPost, "/cache/clear", "", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "unauthorized", body["code"])

	code, _ = f.do(t, http.MethodPost, "/cache/clear", "anything", nil)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestAuthAllowUnauthenticated(t *testing.T) {
	f := newFixture(t, &stubAPI{}, Config{Auth: AuthConfig{AllowUnauthenticated: true}})

	code, body := f.do(t, http.MethodPost, "/cache/clear", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "All caches cleared", body["message"])
}

func TestAuthRequiresExactToken(t *testing.T) {
	f := newFixture(t, &stubAPI{}, Config{Auth: AuthConfig{Token: testToken}})

	code, _ := f.do(t, http.MethodPost, "/cache/clear", "wrong", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = f.do(t, http.MethodPost, "/cache/clear", testToken+" ", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodPost, "/cache/clear", testToken, nil)
	require.Equal(t, http.StatusOK, code)

	// reads stay open
	code, _ = f.do(t, http.MethodGet, "/cache/stats", "", nil)
	require.Equal(t, http.StatusOK, code)
}

func TestClearReportsBeforeAndAfter(t *testing.T) {
	f := newFixture(t, &stubAPI{}, Config{Auth: AuthConfig{Token: testToken}})

	code, _ := f.do(t, http.MethodGet, "/content/items/"+id(1), "", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodGet, "/content/search?query=go", "", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := f.do(t, http.MethodPost, "/cache/clear", testToken, map[string]string{"type": "items"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), body["removed"])

	stats := body["stats"].(map[string]interface{})
	before := stats["before"].(map[string]interface{})["local"].(map[string]interface{})
	after := stats["after"].(map[string]interface{})["local"].(map[string]interface{})
	require.Equal(t, float64(2), before["count"])
	require.Equal(t, float64(1), after["count"])

	code, body = f.do(t, http.MethodPost, "/cache/clear", testToken, map[string]string{"type": "nope"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_request", body["code"])
}

func TestStatsIncludesAllSections(t *testing.T) {
	f := newFixture(t, &stubAPI{}, Config{})

	code, body := f.do(t, http.MethodGet, "/cache/stats", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "local")
	require.Contains(t, body, "distributed")
	require.Equal(t, float64(2), body["limiter"].(map[string]interface{})["maxConcurrency"])
}

func TestWarmupLifecycle(t *testing.T) {
	api := &stubAPI{failures: map[string]error{
		id(3): domain.NewPermanentError("get_item", 404, domain.ErrNotFound),
	}}
	f := newFixture(t, api, Config{BaseURL: "http://cache.local", Auth: AuthConfig{Token: testToken}})

	code, _ := f.do(t, http.MethodPost, "/cache/warmup", "", map[string]interface{}{"contentIds": []string{id(1)}})
	require.Equal(t, http.StatusUnauthorized, code)

	code, body := f.do(t, http.MethodPost, "/cache/warmup", testToken,
		map[string]interface{}{"contentIds": []string{id(1), id(2), id(3), id(1)}})
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, float64(3), body["total"])

	jobID := body["jobId"].(string)
	require.Equal(t, "http://cache.local/cache/warmup/status?jobId="+jobID, body["statusUrl"])

	var status map[string]interface{}
	require.Eventually(t, func() bool {
		_, status = f.do(t, http.MethodGet, "/cache/warmup/status?jobId="+jobID, "", nil)
		return status["status"] == string(domain.JobCompleted)
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, float64(3), status["processed"])
	require.Equal(t, float64(2), status["succeeded"])
	require.Equal(t, float64(1), status["failed"])
	require.Equal(t, float64(2), status["totalBatches"])
	require.Equal(t, float64(100), status["progress"])
	require.Equal(t, map[string]interface{}{"not_found": float64(1)}, status["errorSummary"])

	code, body = f.do(t, http.MethodGet, "/cache/warmup/jobs", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), body["count"])

	code, body = f.do(t, http.MethodGet, "/cache/warmup/failed", testToken, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), body["count"])

	code, body = f.do(t, http.MethodDelete, "/cache/warmup/failed", testToken, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), body["removed"])

	code, body = f.do(t, http.MethodDelete, "/cache/warmup/"+jobID, testToken, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_request", body["code"])
}

func TestWarmupWithoutIDsOrRoot(t *testing.T) {
	f := newFixture(t, &stubAPI{}, Config{Auth: AuthConfig{Token: testToken}})

	code, body := f.do(t, http.MethodPost, "/cache/warmup", testToken, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_request", body["code"])
}

func TestWarmupFromRootCollectsInsideJob(t *testing.T) {
	f := newFixture(t, &stubAPI{}, Config{Auth: AuthConfig{Token: testToken}})

	code, body := f.do(t, http.MethodPost, "/cache/warmup", testToken, map[string]string{"rootId": "bad"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_request", body["code"])

	code, body = f.do(t, http.MethodPost, "/cache/warmup", testToken, map[string]string{"rootId": id(7)})
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, float64(0), body["total"])

	jobID := body["jobId"].(string)
	var status map[string]interface{}
	require.Eventually(t, func() bool {
		_, status = f.do(t, http.MethodGet, "/cache/warmup/status?jobId="+jobID, "", nil)
		return status["status"] == string(domain.JobCompleted)
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, float64(1), status["total"])
	require.Equal(t, float64(1), status["succeeded"])
}

func TestWarmupStatusErrors(t *testing.T) {
	f := newFixture(t, &stubAPI{}, Config{Auth: AuthConfig{Token: testToken}})

	code, body := f.do(t, http.MethodGet, "/cache/warmup/status", "", nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_request", body["code"])

	code, body = f.do(t, http.MethodGet, "/cache/warmup/status?jobId=missing", "", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", body["code"])

	code, _ = f.do(t, http.MethodDelete, "/cache/warmup/missing", testToken, nil)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/cache/warmup/failed?limit=abc", testToken, nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestContentErrorsMapToStatus(t *testing.T) {
	api := &stubAPI{failures: map[string]error{
		id(4): domain.NewPermanentError("get_item", 404, domain.ErrNotFound),
		id(5): domain.NewTransientError("get_item", 503, 0, domain.ErrUnavailable),
		id(6): domain.NewPermanentError("get_item", 403, domain.ErrForbidden),
	}}
	f := newFixture(t, api, Config{})

	cases := []struct {
		path   string
		status int
		code   string
	}{
		{"/content/items/not-an-id", http.StatusBadRequest, "invalid_request"},
		{"/content/items/" + id(4), http.StatusNotFound, "not_found"},
		{"/content/items/" + id(5), http.StatusServiceUnavailable, "upstream_transient"},
		{"/content/items/" + id(6), http.StatusBadGateway, "upstream_permanent"},
		{"/content/search?query=%20", http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			code, body := f.do(t, http.MethodGet, tc.path, "", nil)
			require.Equal(t, tc.status, code)
			require.Equal(t, tc.code, body["code"])
		})
	}

	code, body := f.do(t, http.MethodGet, "/content/items/"+id(1)+"/children", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, id(1), body["parent_id"])
}

func TestWebhook(t *testing.T) {
	f := newFixture(t, &stubAPI{}, Config{Auth: AuthConfig{Token: testToken}})
	ctx := context.Background()

	code, body := f.do(t, http.MethodPost, "/cache/webhook", testToken,
		map[string]string{"type": "url_verification", "challenge": "abc"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "abc", body["challenge"])

	code, _ = f.do(t, http.MethodGet, "/content/items/"+id(1), "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, f.cache.Stats(ctx).Local.Count)

	code, body = f.do(t, http.MethodPost, "/cache/webhook", testToken, map[string]interface{}{
		"type": "item.updated",
		"data": map[string]string{"id": id(1)},
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["success"])
	require.Zero(t, f.cache.Stats(ctx).Local.Count)

	code, _ = f.do(t, http.MethodPost, "/cache/webhook", testToken, map[string]string{})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/cache/webhook", "", map[string]string{"type": "item.updated"})
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestWebhookRateLimit(t *testing.T) {
	f := newFixture(t, &stubAPI{}, Config{
		Auth:         AuthConfig{Token: testToken},
		WebhookRate:  0.001,
		WebhookBurst: 1,
	})
	event := map[string]string{"type": "workspace.renamed"}

	code, _ := f.do(t, http.MethodPost, "/cache/webhook", testToken, event)
	require.Equal(t, http.StatusOK, code)

	code, body := f.do(t, http.MethodPost, "/cache/webhook", testToken, event)
	require.Equal(t, http.StatusTooManyRequests, code)
	require.Equal(t, "rate_limited", body["code"])
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, &stubAPI{}, Config{})

	code, body := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "# metrics")
}
