package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"cmc-scraper/internal/services/backfill"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type backfillJob struct {
	Running     bool       `json:"running"`
	Stopping    bool       `json:"stopping"`
	From        string     `json:"from"`
	StepDays    int        `json:"step_days"`
	CurrentDate string     `json:"current_date"`
	Done        int        `json:"done"`
	Total       int        `json:"total"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	Error       string     `json:"error"`

	cancel context.CancelFunc
}

// StartBackfill: POST /api/v1/backfill/start {"from":"2013-04-28","step_days":7,"resume":false}
func (h *APIHandler) StartBackfill(c *gin.Context) {
	var req struct {
		From     string `json:"from"`
		StepDays int    `json:"step_days"`
		Resume   bool   `json:"resume"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.StepDays <= 0 {
		req.StepDays = h.stepDays
	}

	from := backfill.Epoch
	switch {
	case req.From != "":
		d, err := backfill.ParseDate(req.From)
		if err == nil {
			_, err = backfill.ValidateDate(d, time.Now())
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		from = d
	case req.Resume:
		d, err := h.backfill.ResumeFrom(c.Request.Context(), req.StepDays)
		if err != nil {
			h.internalError(c, "failed to find resume date", err)
			return
		}
		if d.After(time.Now()) {
			c.JSON(http.StatusOK, gin.H{"code": 200, "msg": "nothing to resume", "next_date": d.Format(time.DateOnly)})
			return
		}
		from = d
	}

	h.jobMu.Lock()
	if h.job != nil && h.job.Running {
		st := *h.job
		h.jobMu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "job already running", "status": st})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	job := &backfillJob{
		Running:   true,
		From:      from.Format(time.DateOnly),
		StepDays:  req.StepDays,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	h.job = job
	st := *job
	h.jobMu.Unlock()

	go h.runBackfillJob(ctx, job, from)
	c.JSON(http.StatusOK, gin.H{"code": 200, "msg": "started", "status": st})
}

func (h *APIHandler) StopBackfill(c *gin.Context) {
	h.jobMu.Lock()
	defer h.jobMu.Unlock()
	if h.job == nil || !h.job.Running {
		c.JSON(http.StatusOK, gin.H{"code": 200, "msg": "no running job"})
		return
	}
	h.job.Stopping = true
	h.job.cancel()
	c.JSON(http.StatusOK, gin.H{"code": 200, "msg": "stopping"})
}

func (h *APIHandler) BackfillStatus(c *gin.Context) {
	st, ok := h.jobStatus()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"code": 200, "status": gin.H{"running": false}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "status": st})
}

// BackfillStream: GET /api/v1/backfill/ws pushes the job status until the job
// ends or the client goes away.
func (h *APIHandler) BackfillStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pushInterval)
	defer ticker.Stop()
	for {
		st, ok := h.jobStatus()
		var payload interface{} = st
		if !ok {
			payload = gin.H{"running": false}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(payload); err != nil {
			return
		}
		if !ok || !st.Running {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
			return
		}

		select {
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}

func (h *APIHandler) jobStatus() (backfillJob, bool) {
	h.jobMu.Lock()
	defer h.jobMu.Unlock()
	if h.job == nil {
		return backfillJob{}, false
	}
	return *h.job, true
}

func (h *APIHandler) runBackfillJob(ctx context.Context, job *backfillJob, from time.Time) {
	defer job.cancel()

	result, err := h.backfill.PopulateHistory(ctx, from, job.StepDays, func(p backfill.Progress) {
		h.jobMu.Lock()
		job.CurrentDate = p.Date.Format(time.DateOnly)
		job.Done = p.Done
		job.Total = p.Total
		job.Succeeded = p.Succeeded
		job.Failed = p.Failed
		h.jobMu.Unlock()
	})

	h.jobMu.Lock()
	defer h.jobMu.Unlock()
	job.Running = false
	now := time.Now()
	job.FinishedAt = &now
	if err != nil && !errors.Is(err, context.Canceled) {
		job.Error = err.Error()
	}
	if result != nil {
		job.Done = result.Dates
		job.Succeeded = result.Succeeded
		job.Failed = result.Failed
	}
	h.log.Info("Backfill job ended",
		zap.String("from", job.From),
		zap.Int("done", job.Done),
		zap.Int("failed", job.Failed),
		zap.Bool("stopped", job.Stopping))
}
