package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kenji11/adforge/internal/data/jobrepo"
	"github.com/kenji11/adforge/internal/platform/dbctx"
	"github.com/kenji11/adforge/internal/platform/logger"
)

// RequestLog logs one line per request with latency and status, mirroring
// the teacher's request-logging middleware.
func RequestLog(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}

func CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins:  false,
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Owner-Id"},
		AllowCredentials: true,
	})
}

// RequireOwner reads the caller identity the upstream front door attached
// to the request (out of scope here; see spec.md's front-door boundary)
// and makes it available to handlers. A request with no identity is
// rejected outright, since every mutating endpoint requires one.
func RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-Owner-Id")
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorEnvelope{Error: APIError{Message: "missing caller identity", Code: "unauthorized"}})
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorEnvelope{Error: APIError{Message: "invalid caller identity", Code: "unauthorized"}})
			return
		}
		c.Set("owner_user_id", id)
		c.Next()
	}
}

// RequireJobOwner enforces that the caller's identity matches the job's
// owner before a mutating request reaches its handler (spec.md §6: "the
// caller's identity must match the job's owner").
func RequireJobOwner(jobs jobrepo.Repo) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, err := uuid.Parse(c.Param("job"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorEnvelope{Error: APIError{Message: "invalid job id", Code: "validation"}})
			return
		}
		caller := ownerFromContext(c)
		rows, err := jobs.GetByIDs(dbctx.Context{Ctx: c.Request.Context()}, []uuid.UUID{jobID})
		if err != nil || len(rows) == 0 {
			c.AbortWithStatusJSON(http.StatusNotFound, ErrorEnvelope{Error: APIError{Message: "job not found", Code: "not_found"}})
			return
		}
		if rows[0].OwnerUserID != caller {
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorEnvelope{Error: APIError{Message: "forbidden", Code: "forbidden"}})
			return
		}
		c.Next()
	}
}
