package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/kenji11/adforge/internal/data/jobrepo"
	"github.com/kenji11/adforge/internal/platform/logger"
)

// NewRouter wires the HTTP surface in spec.md §6 onto gin, following the
// teacher's RouterConfig/NewRouter shape: a health check, then a
// caller-identity gate, then per-job ownership enforcement on every
// /video/:job route. The /status/:job routes pass only the caller-identity
// gate; they do not check job ownership.
func NewRouter(log *logger.Logger, jobs jobrepo.Repo, h *JobsHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLog(log))
	r.Use(CORS())

	r.GET("/healthz", func(c *gin.Context) { c.Status(200) })

	api := r.Group("/")
	api.Use(RequireOwner())

	api.POST("/generate", h.Generate)
	api.GET("/status/:job", h.Status)
	api.GET("/status/:job/stream", h.Stream)

	owned := RequireJobOwner(jobs)
	job := api.Group("/video/:job")
	{
		job.GET("", owned, h.VideoDetails)
		job.DELETE("", owned, h.DeleteVideo)
		job.POST("/continue", owned, h.Continue)
		job.GET("/checkpoints", owned, h.ListCheckpoints)
		job.GET("/checkpoints/current", owned, h.CurrentCheckpoint)
		job.GET("/checkpoints/tree", owned, h.CheckpointTree)
		job.GET("/checkpoints/:cp", owned, h.CheckpointDetail)
		job.GET("/branches", owned, h.ListBranches)
		job.PATCH("/checkpoints/:cp/spec", owned, h.EditSpec)
		job.POST("/checkpoints/:cp/upload-image", owned, h.UploadImage)
		job.POST("/checkpoints/:cp/regenerate-beat", owned, h.RegenerateBeat)
		job.POST("/checkpoints/:cp/regenerate-chunk", owned, h.RegenerateChunk)
	}

	return r
}
