package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cmc-scraper/internal/database"
	"cmc-scraper/internal/services/backfill"
	"cmc-scraper/internal/services/ingest"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// blockingBackfiller runs until released or cancelled and reports one
// progress step per date it is told about.
type blockingBackfiller struct {
	mu      sync.Mutex
	from    time.Time
	step    int
	resume  time.Time
	release chan struct{}
	started chan struct{}
}

func newBlockingBackfiller() *blockingBackfiller {
	return &blockingBackfiller{release: make(chan struct{}), started: make(chan struct{}, 1)}
}

func (b *blockingBackfiller) PopulateHistory(ctx context.Context, from time.Time, step int, progress func(backfill.Progress)) (*backfill.HistoryResult, error) {
	b.mu.Lock()
	b.from, b.step = from, step
	b.mu.Unlock()

	progress(backfill.Progress{Date: from, Done: 1, Total: 3, Succeeded: 1})
	b.started <- struct{}{}

	select {
	case <-b.release:
		return &backfill.HistoryResult{Dates: 3, Succeeded: 2, Failed: 1}, nil
	case <-ctx.Done():
		return &backfill.HistoryResult{Dates: 1, Succeeded: 1, Stopped: true}, ctx.Err()
	}
}

func (b *blockingBackfiller) ResumeFrom(context.Context, int) (time.Time, error) {
	if !b.resume.IsZero() {
		return b.resume, nil
	}
	return time.Date(2015, 1, 4, 0, 0, 0, 0, time.UTC), nil
}

const btc = `{"id":1,"name":"Bitcoin","symbol":"BTC","slug":"bitcoin","cmc_rank":1,
	"tags":["mineable"],"last_updated":"2020-01-05T23:59:00Z",
	"quote":{"USD":{"price":7411.31,"last_updated":"2020-01-05T23:59:00Z"},
		"BTC":{"price":1,"last_updated":"2020-01-05T23:59:00Z"}}}`

const eth = `{"id":1027,"name":"Ethereum","symbol":"ETH","slug":"ethereum","cmc_rank":2,
	"last_updated":"2020-01-05T23:59:00Z",
	"quote":{"USD":{"price":136.28,"last_updated":"2020-01-05T23:59:00Z"}}}`

func setupRouter(t *testing.T, bf Backfiller) (*gin.Engine, *APIHandler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := database.NewStore(db)
	_, err = ingest.New(store, nil, nil).Ingest(context.Background(),
		time.Date(2020, 1, 5, 0, 0, 0, 0, time.UTC),
		[]json.RawMessage{json.RawMessage(btc), json.RawMessage(eth)})
	require.NoError(t, err)

	r := gin.New()
	h := SetupRoutes(r.Group("/api/v1"), store, bf, zap.NewNop(), 7)
	h.pushInterval = 10 * time.Millisecond
	return r, h
}

func doJSON(t *testing.T, r http.Handler, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func TestListCoins(t *testing.T) {
	r, _ := setupRouter(t, newBlockingBackfiller())

	code, body := doJSON(t, r, http.MethodGet, "/api/v1/coins?page=1&page_size=1", "")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["total"])
	items := data["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "bitcoin", items[0].(map[string]interface{})["slug"])

	code, body = doJSON(t, r, http.MethodGet, "/api/v1/coins?search=ETH", "")
	require.Equal(t, http.StatusOK, code)
	data = body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["total"])
}

func TestGetCoin(t *testing.T) {
	r, _ := setupRouter(t, newBlockingBackfiller())

	code, body := doJSON(t, r, http.MethodGet, "/api/v1/coins/1", "")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "btc", data["symbol"])
	assert.Equal(t, []interface{}{"mineable"}, data["tag_names"])

	code, _ = doJSON(t, r, http.MethodGet, "/api/v1/coins/999", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = doJSON(t, r, http.MethodGet, "/api/v1/coins/abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCoinQuotesAndMarkets(t *testing.T) {
	r, _ := setupRouter(t, newBlockingBackfiller())

	code, body := doJSON(t, r, http.MethodGet, "/api/v1/coins/1/quotes?currency=usd", "")
	require.Equal(t, http.StatusOK, code)
	quotes := body["data"].([]interface{})
	require.Len(t, quotes, 1)
	assert.Equal(t, "USD", quotes[0].(map[string]interface{})["currency"])

	code, body = doJSON(t, r, http.MethodGet, "/api/v1/coins/1027/markets", "")
	require.Equal(t, http.StatusOK, code)
	markets := body["data"].([]interface{})
	require.Len(t, markets, 1)
	assert.Equal(t, float64(2), markets[0].(map[string]interface{})["cmc_rank"])
}

func TestExport(t *testing.T) {
	r, _ := setupRouter(t, newBlockingBackfiller())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/export?date=05/01/2020", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "cmc-2020-01-05.xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("snapshots")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	code, _ := doJSON(t, r, http.MethodGet, "/api/v1/export?date=2020-01-06", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = doJSON(t, r, http.MethodGet, "/api/v1/export?date=tomorrow", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBackfillJobLifecycle(t *testing.T) {
	bf := newBlockingBackfiller()
	r, h := setupRouter(t, bf)

	code, body := doJSON(t, r, http.MethodGet, "/api/v1/backfill/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["status"].(map[string]interface{})["running"])

	code, _ = doJSON(t, r, http.MethodPost, "/api/v1/backfill/start", `{"from":"2013-05-05","step_days":14}`)
	require.Equal(t, http.StatusOK, code)
	<-bf.started

	code, _ = doJSON(t, r, http.MethodPost, "/api/v1/backfill/start", `{}`)
	assert.Equal(t, http.StatusConflict, code, "one job at a time")

	code, body = doJSON(t, r, http.MethodGet, "/api/v1/backfill/status", "")
	require.Equal(t, http.StatusOK, code)
	st := body["status"].(map[string]interface{})
	assert.Equal(t, true, st["running"])
	assert.Equal(t, "2013-05-05", st["current_date"])
	assert.Equal(t, float64(3), st["total"])

	bf.mu.Lock()
	assert.Equal(t, 14, bf.step)
	bf.mu.Unlock()

	code, _ = doJSON(t, r, http.MethodPost, "/api/v1/backfill/stop", "")
	require.Equal(t, http.StatusOK, code)

	require.Eventually(t, func() bool {
		st, ok := h.jobStatus()
		return ok && !st.Running
	}, 2*time.Second, 10*time.Millisecond)

	st2, _ := h.jobStatus()
	assert.True(t, st2.Stopping)
	assert.Empty(t, st2.Error, "a requested stop is not an error")
	assert.NotNil(t, st2.FinishedAt)
}

func TestBackfillStartResumeAndValidation(t *testing.T) {
	bf := newBlockingBackfiller()
	r, h := setupRouter(t, bf)

	code, _ := doJSON(t, r, http.MethodPost, "/api/v1/backfill/start", `{"from":"2010-01-01"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doJSON(t, r, http.MethodPost, "/api/v1/backfill/start", `{"from": "2020-01-05", "step_days": "7"`)
	assert.Equal(t, http.StatusBadRequest, code, "truncated body")
	code, _ = doJSON(t, r, http.MethodPost, "/api/v1/backfill/start", `{"from": "2020-01-05", "step_days": "7"}`)
	assert.Equal(t, http.StatusBadRequest, code, "step_days must be a number")
	_, ok := h.jobStatus()
	assert.False(t, ok, "rejected requests start no job")

	code, _ = doJSON(t, r, http.MethodPost, "/api/v1/backfill/start", `{"resume":true}`)
	require.Equal(t, http.StatusOK, code)
	<-bf.started
	close(bf.release)

	require.Eventually(t, func() bool {
		st, ok := h.jobStatus()
		return ok && !st.Running
	}, 2*time.Second, 10*time.Millisecond)

	st, _ := h.jobStatus()
	assert.Equal(t, "2015-01-04", st.From)
	assert.Equal(t, 7, st.StepDays)
	assert.Equal(t, 3, st.Done)
	assert.Equal(t, 1, st.Failed)
}

func TestBackfillResumeUpToDate(t *testing.T) {
	bf := newBlockingBackfiller()
	bf.resume = time.Now().UTC().AddDate(0, 0, 7)
	r, h := setupRouter(t, bf)

	code, body := doJSON(t, r, http.MethodPost, "/api/v1/backfill/start", `{"resume":true}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "nothing to resume", body["msg"])

	_, ok := h.jobStatus()
	assert.False(t, ok)
}

func TestBackfillStream(t *testing.T) {
	bf := newBlockingBackfiller()
	r, _ := setupRouter(t, bf)
	srv := httptest.NewServer(r)
	defer srv.Close()

	code, _ := doJSON(t, r, http.MethodPost, "/api/v1/backfill/start", `{}`)
	require.Equal(t, http.StatusOK, code)
	<-bf.started

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/backfill/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first map[string]interface{}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, true, first["running"])
	assert.Equal(t, "2013-04-28", first["from"])

	close(bf.release)

	var last map[string]interface{}
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		last = msg
	}
	require.NotNil(t, last)
	assert.Equal(t, false, last["running"])
	assert.Equal(t, float64(3), last["done"])
}
