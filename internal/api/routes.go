package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/batchyard/internal/batches"
	"github.com/zulandar/batchyard/internal/batchspec"
	"github.com/zulandar/batchyard/internal/bulk"
	"github.com/zulandar/batchyard/internal/models"
	"github.com/zulandar/batchyard/internal/reconciler"
	"github.com/zulandar/batchyard/internal/scheduler"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, svc *batches.Service) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")

	// Batch specs.
	api.POST("/batch-specs", handleCreateBatchSpec(svc))
	api.GET("/batch-specs/:id", handleGetBatchSpec(svc))
	api.POST("/batch-specs/:id/execute", handleExecuteBatchSpec(svc))
	api.POST("/batch-specs/:id/cancel", handleCancelBatchSpec(svc))
	api.GET("/batch-specs/:id/workspaces", handleWorkspaces(svc))
	api.GET("/batch-specs/:id/preview", handlePreview(svc))
	api.POST("/batch-specs/:id/apply", handleApply(svc))
	api.POST("/workspaces/:id/retry", handleRetryWorkspace(svc))

	// Batch changes and changesets.
	api.GET("/batch-changes/:id", handleGetBatchChange(svc))
	api.POST("/batch-changes/:id/close", handleCloseBatchChange(svc))
	api.GET("/batch-changes/:id/changesets", handleChangesets(svc))
	api.POST("/changesets/:id/reenqueue", handleReenqueueChangeset(svc))
	api.POST("/changesets/:id/cancel", handleCancelChangeset(svc))

	// Bulk operations.
	api.POST("/batch-changes/:id/bulk", handleCreateBulk(svc))
	api.GET("/batch-changes/:id/bulk", handleListBulk(svc))
	api.GET("/bulk/:id", handleGetBulk(svc))
	api.GET("/bulk/:id/events", handleBulkEvents(svc))
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, batches.ErrNotFound),
		errors.Is(err, bulk.ErrNotFound),
		errors.Is(err, scheduler.ErrNotFound),
		errors.Is(err, reconciler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, batchspec.ErrInvalid),
		errors.Is(err, bulk.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, batches.ErrNotExecuted),
		errors.Is(err, batches.ErrSuperseded),
		errors.Is(err, batches.ErrClosed),
		errors.Is(err, batches.ErrConflictingSpecs),
		errors.Is(err, scheduler.ErrResolutionIncomplete),
		errors.Is(err, scheduler.ErrNotRetryable),
		errors.Is(err, scheduler.ErrApplied):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

// idParam parses the :id path parameter.
func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid id " + strconv.Quote(c.Param("id"))})
		return 0, false
	}
	return uint(id), true
}

type createBatchSpecRequest struct {
	Namespace string `json:"namespace" binding:"required"`
	Spec      string `json:"spec" binding:"required"`
}

func handleCreateBatchSpec(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createBatchSpecRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		bs, err := svc.CreateBatchSpecFromRaw(c.Request.Context(), req.Namespace, req.Spec)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, newBatchSpecView(bs, models.BatchSpecStatePending))
	}
}

func handleGetBatchSpec(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		bs, err := svc.BatchSpec(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, newBatchSpecView(&bs.BatchSpec, bs.State))
	}
}

func handleExecuteBatchSpec(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		n, err := svc.ExecuteBatchSpec(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": n})
	}
}

func handleCancelBatchSpec(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		n, err := svc.CancelBatchSpecExecution(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"canceled": n})
	}
}

func handleWorkspaces(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		rows, err := svc.Workspaces(ctx, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		stats, err := svc.WorkspaceStats(ctx, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"workspaces": newWorkspaceViews(rows),
			"stats":      newStatsView(stats),
		})
	}
}

func handlePreview(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		res, err := svc.PreviewApply(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, newPreviewView(res))
	}
}

func handleApply(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		bc, err := svc.ApplyBatchChange(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, newBatchChangeView(bc))
	}
}

func handleRetryWorkspace(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		ws, err := svc.RetryBatchSpecWorkspaceExecution(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, newWorkspaceView(ws, scheduler.Rank{}))
	}
}

func handleGetBatchChange(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		bc, err := svc.BatchChange(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, newBatchChangeView(bc))
	}
}

func handleCloseBatchChange(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		bc, err := svc.CloseBatchChange(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, newBatchChangeView(bc))
	}
}

func handleChangesets(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		rows, err := svc.Changesets(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		out := make([]changesetView, len(rows))
		for i := range rows {
			out[i] = newChangesetView(&rows[i])
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleReenqueueChangeset(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		if err := svc.ReenqueueChangeset(c.Request.Context(), id); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	}
}

func handleCancelChangeset(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		cs, err := svc.CancelChangeset(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, newChangesetView(cs))
	}
}

type createBulkRequest struct {
	Type         string `json:"type" binding:"required"`
	ChangesetIDs []uint `json:"changeset_ids"`
	Body         string `json:"body"`
	Squash       bool   `json:"squash"`
	Draft        bool   `json:"draft"`
}

func handleCreateBulk(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		bcID, ok := idParam(c)
		if !ok {
			return
		}
		var req createBulkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx := c.Request.Context()
		var (
			op  *models.BulkOperation
			err error
		)
		switch strings.ToUpper(req.Type) {
		case models.BulkTypeComment:
			op, err = svc.CreateChangesetComments(ctx, bcID, req.ChangesetIDs, req.Body)
		case models.BulkTypeClose:
			op, err = svc.CloseChangesets(ctx, bcID, req.ChangesetIDs)
		case models.BulkTypeMerge:
			op, err = svc.MergeChangesets(ctx, bcID, req.ChangesetIDs, req.Squash)
		case models.BulkTypePublish:
			op, err = svc.PublishChangesets(ctx, bcID, req.ChangesetIDs, req.Draft)
		case models.BulkTypeDetach:
			op, err = svc.DetachChangesets(ctx, bcID, req.ChangesetIDs)
		case models.BulkTypeReenqueue:
			op, err = svc.ReenqueueChangesets(ctx, bcID, req.ChangesetIDs)
		default:
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown bulk operation type " + strconv.Quote(req.Type)})
			return
		}
		if err != nil {
			abortWithError(c, err)
			return
		}
		st, err := svc.BulkOperation(ctx, op.ID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, newBulkView(st))
	}
}

func handleListBulk(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		bcID, ok := idParam(c)
		if !ok {
			return
		}
		rows, err := svc.BulkOperations(c.Request.Context(), bcID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		out := make([]bulkView, len(rows))
		for i := range rows {
			out[i] = newBulkView(&rows[i])
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleGetBulk(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := svc.BulkOperation(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, newBulkView(st))
	}
}
