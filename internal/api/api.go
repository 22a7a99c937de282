package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"cmc-scraper/internal/database"
	"cmc-scraper/internal/models"
	"cmc-scraper/internal/services/backfill"
	"cmc-scraper/internal/services/export"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Reader is the read side of the store used by the handlers.
type Reader interface {
	ListCoins(ctx context.Context, search string, page, pageSize int) ([]models.Coin, int64, error)
	GetCoin(ctx context.Context, id int64) (*database.CoinDetail, error)
	ListQuotes(ctx context.Context, coinID int64, currency string, limit int) ([]models.Quote, error)
	ListMarkets(ctx context.Context, coinID int64, limit int) ([]models.Market, error)
	ListRuns(ctx context.Context, limit int) ([]models.IngestionRun, error)
	Snapshot(ctx context.Context, date time.Time) ([]database.SnapshotRow, error)
}

// Backfiller runs history backfills for the job endpoints.
type Backfiller interface {
	PopulateHistory(ctx context.Context, from time.Time, stepDays int, progress func(backfill.Progress)) (*backfill.HistoryResult, error)
	ResumeFrom(ctx context.Context, stepDays int) (time.Time, error)
}

type APIHandler struct {
	store    Reader
	backfill Backfiller
	log      *zap.Logger
	stepDays int

	// backfill job state
	jobMu sync.Mutex
	job   *backfillJob

	upgrader     websocket.Upgrader
	pushInterval time.Duration
}

func SetupRoutes(r *gin.RouterGroup, store Reader, populator Backfiller, log *zap.Logger, stepDays int) *APIHandler {
	handler := &APIHandler{
		store:        store,
		backfill:     populator,
		log:          log,
		stepDays:     stepDays,
		pushInterval: time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	coins := r.Group("/coins")
	{
		coins.GET("", handler.ListCoins)
		coins.GET("/:id", handler.GetCoin)
		coins.GET("/:id/quotes", handler.ListQuotes)
		coins.GET("/:id/markets", handler.ListMarkets)
	}

	r.GET("/runs", handler.ListRuns)
	r.GET("/export", handler.Export)

	// History backfill job
	bf := r.Group("/backfill")
	{
		bf.POST("/start", handler.StartBackfill)
		bf.GET("/status", handler.BackfillStatus)
		bf.POST("/stop", handler.StopBackfill)
		bf.GET("/ws", handler.BackfillStream)
	}

	return handler
}

func queryInt(c *gin.Context, key string, def, max int) int {
	v, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(def)))
	if err != nil || v <= 0 || v > max {
		return def
	}
	return v
}

func coinID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid coin id"})
		return 0, false
	}
	return id, true
}

func (h *APIHandler) internalError(c *gin.Context, msg string, err error) {
	h.log.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

// ListCoins: GET /api/v1/coins?search=&page=1&page_size=20
func (h *APIHandler) ListCoins(c *gin.Context) {
	search := strings.TrimSpace(c.Query("search"))
	page := queryInt(c, "page", 1, 1<<20)
	pageSize := queryInt(c, "page_size", 20, 200)

	coins, total, err := h.store.ListCoins(c.Request.Context(), search, page, pageSize)
	if err != nil {
		h.internalError(c, "failed to list coins", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code": 200,
		"msg":  "ok",
		"data": gin.H{
			"items":     coins,
			"page":      page,
			"page_size": pageSize,
			"total":     total,
		},
	})
}

// GetCoin: GET /api/v1/coins/:id
func (h *APIHandler) GetCoin(c *gin.Context) {
	id, ok := coinID(c)
	if !ok {
		return
	}
	detail, err := h.store.GetCoin(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "coin not found"})
		return
	}
	if err != nil {
		h.internalError(c, "failed to read coin", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "msg": "ok", "data": detail})
}

// ListQuotes: GET /api/v1/coins/:id/quotes?currency=USD&limit=100
func (h *APIHandler) ListQuotes(c *gin.Context) {
	id, ok := coinID(c)
	if !ok {
		return
	}
	quotes, err := h.store.ListQuotes(c.Request.Context(), id, strings.TrimSpace(c.Query("currency")), queryInt(c, "limit", 100, 1000))
	if err != nil {
		h.internalError(c, "failed to list quotes", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "msg": "ok", "data": quotes})
}

// ListMarkets: GET /api/v1/coins/:id/markets?limit=100
func (h *APIHandler) ListMarkets(c *gin.Context) {
	id, ok := coinID(c)
	if !ok {
		return
	}
	markets, err := h.store.ListMarkets(c.Request.Context(), id, queryInt(c, "limit", 100, 1000))
	if err != nil {
		h.internalError(c, "failed to list market stats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "msg": "ok", "data": markets})
}

// ListRuns: GET /api/v1/runs?limit=50
func (h *APIHandler) ListRuns(c *gin.Context) {
	runs, err := h.store.ListRuns(c.Request.Context(), queryInt(c, "limit", 50, 500))
	if err != nil {
		h.internalError(c, "failed to list runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "msg": "ok", "data": runs})
}

// Export: GET /api/v1/export?date=2020-01-05 -> XLSX of everything observed that day
func (h *APIHandler) Export(c *gin.Context) {
	date, err := backfill.ParseDate(c.Query("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rows, err := h.store.Snapshot(c.Request.Context(), date)
	if err != nil {
		h.internalError(c, "failed to read snapshot", err)
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no data for " + date.Format(time.DateOnly)})
		return
	}

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="cmc-%s.xlsx"`, date.Format(time.DateOnly)))
	c.Status(http.StatusOK)
	if err := export.WriteWorkbook(c.Writer, rows); err != nil {
		h.log.Error("Failed to write workbook", zap.Error(err))
	}
}
