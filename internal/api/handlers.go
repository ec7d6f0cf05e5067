package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/db"
	"github.com/steemit/hivefeed/internal/feed"
	"github.com/steemit/hivefeed/internal/models"
	"github.com/steemit/hivefeed/internal/reconcile"
)

// maxReportedErrors caps the per-post errors returned by a refan-out call
const maxReportedErrors = 10

const defaultDeadLetterLimit = 50

// FeedReader serves materialized feeds
type FeedReader interface {
	GetFeed(ctx context.Context, userID string, page, limit int) (*feed.Page, error)
}

// Maintainer runs operator maintenance over the feed
type Maintainer interface {
	Reconcile(ctx context.Context, filter db.PostFilter, clearExisting bool) (*reconcile.Report, error)
	Stats(ctx context.Context) (*reconcile.Stats, error)
	PruneInactive(ctx context.Context) (int64, error)
}

// DeadLetterSource lists fan-outs that exhausted their retries
type DeadLetterSource interface {
	ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error)
}

var validate = validator.New()

type feedQuery struct {
	Page  int `form:"page" json:"page"`
	Limit int `form:"limit" json:"limit"`
}

type refanOutRequest struct {
	Type          string `json:"type" validate:"omitempty,oneof=text image video poll"`
	PostID        string `json:"postId" validate:"omitempty,uuid"`
	ClearExisting *bool  `json:"clearExisting"`
}

func (r *refanOutRequest) filter() db.PostFilter {
	return db.PostFilter{PostID: r.PostID, Type: r.Type}
}

// clear defaults to true; a refan-out normally rebuilds audiences from scratch
func (r *refanOutRequest) clear() bool {
	return r.ClearExisting == nil || *r.ClearExisting
}

type refanOutStats struct {
	Total   int   `json:"total"`
	Success int   `json:"success"`
	Errors  int   `json:"errors"`
	Cleared int64 `json:"cleared"`
}

type refanOutResponse struct {
	Success bool                  `json:"success"`
	Stats   refanOutStats         `json:"stats"`
	Errors  []reconcile.PostError `json:"errors"`
}

func newRefanOutResponse(report *reconcile.Report) *refanOutResponse {
	errs := report.Errors
	if len(errs) > maxReportedErrors {
		errs = errs[:maxReportedErrors]
	}
	return &refanOutResponse{
		Success: true,
		Stats: refanOutStats{
			Total:   report.Total,
			Success: report.Success,
			Errors:  len(report.Errors),
			Cleared: report.Cleared,
		},
		Errors: errs,
	}
}

type deadLetterView struct {
	ID       string `json:"id"`
	JobID    string `json:"jobId"`
	PostID   string `json:"postId"`
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
	FailedAt string `json:"failedAt"`
}

// decodeRefanOut decodes and validates a refan-out request. An empty body
// selects every active post.
func decodeRefanOut(raw []byte) (*refanOutRequest, error) {
	var req refanOutRequest
	if err := decodeParams(raw, &req); err != nil {
		return nil, err
	}
	if err := validate.Struct(&req); err != nil {
		return nil, NewError(http.StatusBadRequest, err.Error())
	}
	return &req, nil
}

// getFeed handles GET /api/v1/feed
func (r *Router) getFeed(c *gin.Context) {
	var q feedQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		r.fail(c, NewError(http.StatusBadRequest, "page and limit must be integers"))
		return
	}

	page, err := r.feed.GetFeed(c.Request.Context(), c.GetString(ctxUserID), q.Page, q.Limit)
	if err != nil {
		r.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"feed":       page.Feed,
		"pagination": page.Pagination,
	})
}

// refanOut handles POST /api/v1/maintenance/refan-out
func (r *Router) refanOut(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		r.fail(c, NewError(http.StatusBadRequest, "unreadable body"))
		return
	}
	req, err := decodeRefanOut(raw)
	if err != nil {
		r.fail(c, err)
		return
	}

	report, err := r.maint.Reconcile(c.Request.Context(), req.filter(), req.clear())
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newRefanOutResponse(report))
}

// feedStats handles GET /api/v1/maintenance/feed-stats
func (r *Router) feedStats(c *gin.Context) {
	stats, err := r.maint.Stats(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

// pruneInactive handles POST /api/v1/maintenance/prune-inactive
func (r *Router) pruneInactive(c *gin.Context) {
	deleted, err := r.maint.PruneInactive(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": deleted})
}

// deadLetterList handles GET /api/v1/maintenance/dead-letters
func (r *Router) deadLetterList(c *gin.Context) {
	var q struct {
		Limit int `form:"limit" validate:"gte=0,lte=500"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		r.fail(c, NewError(http.StatusBadRequest, "limit must be an integer"))
		return
	}
	if err := validate.Struct(&q); err != nil {
		r.fail(c, NewError(http.StatusBadRequest, err.Error()))
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultDeadLetterLimit
	}

	letters, err := r.deadLetters.ListDeadLetters(c.Request.Context(), q.Limit)
	if err != nil {
		r.fail(c, err)
		return
	}
	views := make([]deadLetterView, 0, len(letters))
	for _, dl := range letters {
		views = append(views, deadLetterView{
			ID:       dl.ID,
			JobID:    dl.JobID,
			PostID:   dl.PostID,
			Kind:     dl.Kind,
			Attempts: dl.Attempts,
			Error:    dl.Error,
			FailedAt: dl.FailedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deadLetters": views})
}

// fail writes err as a REST error response
func (r *Router) fail(c *gin.Context, err error) {
	apiErr := FromError(err)
	if apiErr.Code >= http.StatusInternalServerError {
		r.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	abortWithError(c, apiErr)
}

// JSON-RPC methods

func (r *Router) rpcGetFeed(c *gin.Context, params json.RawMessage) (interface{}, error) {
	var q feedQuery
	if err := decodeParams(params, &q); err != nil {
		return nil, err
	}
	return r.feed.GetFeed(c.Request.Context(), c.GetString(ctxUserID), q.Page, q.Limit)
}

func (r *Router) rpcRefanOut(c *gin.Context, params json.RawMessage) (interface{}, error) {
	if !hasRole(c, RoleAdmin) {
		return nil, errForbidden
	}
	req, err := decodeRefanOut(params)
	if err != nil {
		return nil, err
	}
	report, err := r.maint.Reconcile(c.Request.Context(), req.filter(), req.clear())
	if err != nil {
		return nil, err
	}
	return newRefanOutResponse(report), nil
}

func (r *Router) rpcFeedStats(c *gin.Context, params json.RawMessage) (interface{}, error) {
	if !hasRole(c, RoleAdmin) {
		return nil, errForbidden
	}
	return r.maint.Stats(c.Request.Context())
}

func (r *Router) rpcPruneInactive(c *gin.Context, params json.RawMessage) (interface{}, error) {
	if !hasRole(c, RoleAdmin) {
		return nil, errForbidden
	}
	deleted, err := r.maint.PruneInactive(c.Request.Context())
	if err != nil {
		return nil, err
	}
	return gin.H{"deleted": deleted}, nil
}
