package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Nithin1729S/Kannada-ABC/internal/classifier"
	"github.com/Nithin1729S/Kannada-ABC/internal/imaging"
	"github.com/Nithin1729S/Kannada-ABC/internal/repository"
	"github.com/Nithin1729S/Kannada-ABC/internal/usecase"
)

// MaxBodySize caps the recognize payload; a base64 data URL for a canvas
// snapshot stays far below this.
const MaxBodySize = 10 << 20

type bestScoreRequest struct {
	Email string  `json:"email"`
	Field string  `json:"field"`
	Score float64 `json:"score"`
}

type traceScoreRequest struct {
	Email  string  `json:"email"`
	Letter int     `json:"letterdata"`
	Score  float64 `json:"score"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Every request
// runs under requestTimeout; a partial score update committed before expiry
// is not rolled back.
func RegisterRoutes(router *gin.Engine, uc *usecase.RecognitionUseCase, logger *zap.Logger, requestTimeout time.Duration) {
	router.GET("/health", func(c *gin.Context) {
		model := "loading"
		if uc.Ready() {
			model = "loaded"
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "model": model})
	})

	router.POST("/api/recognize", func(c *gin.Context) {
		ctx, cancel := requestContext(c, requestTimeout)
		defer cancel()

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodySize)

		var req usecase.RecognitionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}

		result, err := uc.Recognize(ctx, req)
		if err != nil {
			writeError(c, logger, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"prediction": result.Prediction,
			"request_id": result.RequestID,
		})
	})

	router.GET("/api/recognize/:id", func(c *gin.Context) {
		ctx, cancel := requestContext(c, requestTimeout)
		defer cancel()

		entry, err := uc.GetResult(ctx, c.Param("id"))
		if err != nil {
			writeError(c, logger, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id": entry.RequestID,
			"email":      entry.Email,
			"letter":     entry.Letter,
			"prediction": entry.Predicted,
			"correct":    entry.Correct,
			"created_at": entry.CreatedAt,
		})
	})

	router.GET("/api/scores", func(c *gin.Context) {
		ctx, cancel := requestContext(c, requestTimeout)
		defer cancel()

		entries, err := uc.ScoreCard(ctx, c.Query("email"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"scores": entries})
	})

	router.GET("/api/next-letter", func(c *gin.Context) {
		ctx, cancel := requestContext(c, requestTimeout)
		defer cancel()

		ignore := 0
		if raw := c.Query("ignore"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "ignore must be a letter number"})
				return
			}
			ignore = parsed
		}

		letter, err := uc.NextLetter(ctx, c.Query("email"), ignore)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"letter": letter})
	})

	router.GET("/api/best-score", func(c *gin.Context) {
		ctx, cancel := requestContext(c, requestTimeout)
		defer cancel()

		score, err := uc.BestScore(ctx, c.Query("email"), c.Query("field"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"score": score})
	})

	router.POST("/api/best-score", func(c *gin.Context) {
		ctx, cancel := requestContext(c, requestTimeout)
		defer cancel()

		var req bestScoreRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}

		if err := uc.SetBestScore(ctx, req.Email, req.Field, req.Score); err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	router.POST("/api/trace-score", func(c *gin.Context) {
		ctx, cancel := requestContext(c, requestTimeout)
		defer cancel()

		var req traceScoreRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}

		updated, err := uc.RecordTraceScore(ctx, req.Email, req.Letter, req.Score)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"score": updated})
	})
}

func requestContext(c *gin.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return c.Request.Context(), func() {}
	}
	return context.WithTimeout(c.Request.Context(), timeout)
}

// writeError maps the error taxonomy onto HTTP status classes. Internal
// detail is logged here and never returned to the caller.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	status, message := statusFromError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		logger.Warn("request rejected", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": message})
}

func statusFromError(err error) (int, string) {
	switch {
	case errors.Is(err, usecase.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, imaging.ErrInvalidImage):
		return http.StatusBadRequest, "invalid image data"
	case errors.Is(err, repository.ErrUserNotFound):
		return http.StatusNotFound, "user not found"
	case errors.Is(err, repository.ErrLogNotFound):
		return http.StatusNotFound, "result not found"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	case errors.Is(err, classifier.ErrInference):
		return http.StatusInternalServerError, "prediction failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
