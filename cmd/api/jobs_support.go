package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/site-forge/internal/analysis"
	"github.com/yourusername/site-forge/internal/auth"
	"github.com/yourusername/site-forge/internal/config"
	"github.com/yourusername/site-forge/internal/content"
	"github.com/yourusername/site-forge/internal/credits"
	"github.com/yourusername/site-forge/internal/jobs"
	"github.com/yourusername/site-forge/internal/llm"
	"github.com/yourusername/site-forge/internal/storage"
)

// リクエスト本文の上限。ジョブ入力は小さなJSONのみを想定しています。
const maxEnqueueBodyBytes = 64 << 10

// setupJobs はジョブ基盤（ストア・イベントバス・台帳・各パイプライン・
// マネージャー）を構築します。接続は起動時に一度だけ作られ、以後は
// 参照渡しで共有されます。
func setupJobs(cfg *config.Config, logger *log.Logger) (*jobs.Manager, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(opt)

	ttlMinutes := cfg.JobExpireMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	store := jobs.NewRedisStore(redisClient, time.Duration(ttlMinutes)*time.Minute)
	bus := jobs.NewRedisBus(redisClient, logger)
	ledger := credits.NewRedisLedger(redisClient, cfg.InitialCredits)

	artifacts, err := storage.NewLocal(cfg.ArtifactDir)
	if err != nil {
		return nil, err
	}

	fetcher := analysis.NewHTTPFetcher(time.Duration(cfg.ScrapeTimeoutSeconds) * time.Second)
	analysisService := analysis.NewService(fetcher, cfg.MaxAnalysisPages, logger)

	llmClient := llm.NewHTTPClient(cfg.LLMAPIBase, cfg.LLMAPIKey, cfg.LLMModel)
	contentService := content.NewService(llmClient, ledger, artifacts, logger)

	return jobs.NewManager(cfg, store, bus, analysisService, contentService, logger)
}

// ownerFromContext は認証ミドルウェアが載せた呼び出し元情報を組み立てます。
func ownerFromContext(c *gin.Context) jobs.Owner {
	owner := jobs.Owner{
		TenantID: c.GetHeader("X-Tenant-ID"),
	}
	if user, ok := c.Get(auth.ContextUserKey); ok {
		owner.UserID, _ = user.(string)
	}
	if session, ok := c.Get(auth.ContextSessionKey); ok {
		owner.SessionID, _ = session.(string)
	}
	return owner
}

// enqueueHandler は指定種別のジョブを投入するハンドラーを返します。
// 入力不正は同期的に 400 で返し、ジョブレコードは作成されません。
func enqueueHandler(manager *jobs.Manager, jobType jobs.Type) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEnqueueBodyBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "リクエスト本文を読み取れませんでした。",
			})
			return
		}

		record, err := manager.Enqueue(c.Request.Context(), jobType, json.RawMessage(body), ownerFromContext(c))
		if err != nil {
			var validationErr *jobs.ValidationError
			if errors.As(err, &validationErr) {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": validationErr.Message,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブの投入に失敗しました。",
			})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"jobId":  record.JobID,
			"type":   record.Type,
			"status": record.Status,
		})
	}
}

// jobStatusHandler は GET /api/jobs/:id のハンドラーを返します。
// イベント配信は揮発性のため、確定した状態はこのエンドポイントが正です。
func jobStatusHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := manager.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		payload := gin.H{
			"jobId":     record.JobID,
			"type":      record.Type,
			"status":    record.Status,
			"progress":  record.Progress,
			"cancelled": record.Cancelled,
			"createdAt": record.CreatedAt,
			"updatedAt": record.UpdatedAt,
		}
		if record.Result != nil {
			payload["result"] = record.Result
		}
		if record.Error != nil {
			payload["error"] = record.Error
		}

		c.JSON(http.StatusOK, payload)
	}
}

// jobCancelHandler は POST /api/jobs/:id/cancel のハンドラーを返します。
// キャンセルは協調的で、実行中のパイプラインが次のチェックポイントで
// 検出するまでジョブは走り続けることがあります。
func jobCancelHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		err := manager.Cancel(c.Request.Context(), jobID)
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
		case errors.Is(err, jobs.ErrJobFinished):
			c.JSON(http.StatusConflict, gin.H{
				"code":    "JOB_FINISHED",
				"message": "ジョブは既に終了しています。",
			})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "キャンセル要求に失敗しました。",
			})
		default:
			c.JSON(http.StatusAccepted, gin.H{
				"jobId":     jobID,
				"cancelled": true,
			})
		}
	}
}

// jobEventsHandler は GET /api/jobs/:id/events のハンドラーを返します。
// Server-Sent Events でジョブの進捗イベントを中継します。配信は
// ベストエフォートで、接続前のイベントは再送されません。
func jobEventsHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := manager.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		events, cancel := manager.Subscribe(c.Request.Context(), jobID)
		defer cancel()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-store")
		c.Header("X-Accel-Buffering", "no")

		// 接続直後に現在状態を1回送る。以降はバスからのイベントを中継する。
		c.SSEvent(jobs.EventProgressUpdate, record.Progress)
		c.Writer.Flush()

		// ジョブが既に終端ならストリームを開いたままにしない
		if record.Terminal() {
			return
		}

		clientGone := c.Request.Context().Done()
		for {
			select {
			case <-clientGone:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				c.SSEvent(ev.Event, ev.Data)
				c.Writer.Flush()
				if ev.Event == jobs.EventComplete || ev.Event == jobs.EventFailed {
					return
				}
			}
		}
	}
}
