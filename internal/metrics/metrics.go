// Package metrics holds the prometheus collectors of the approval workflow.
package metrics

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/models"
)

var (
	expenseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "expenseflow",
		Subsystem: "expense",
		Name:      "transitions_total",
		Help:      "Total number of committed expense status transitions broken down by from and to status.",
	}, []string{"from", "to"})

	approvalActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "expenseflow",
		Subsystem: "approval",
		Name:      "actions_total",
		Help:      "Total number of recorded approver actions broken down by action.",
	}, []string{"action"})

	workflowErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "expenseflow",
		Subsystem: "approval",
		Name:      "errors_total",
		Help:      "Total number of rejected workflow operations broken down by operation and error code.",
	}, []string{"operation", "code"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "expenseflow",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests broken down by route, method and status.",
	}, []string{"route", "method", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "expenseflow",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)

// RecordAction counts one approver action.
func RecordAction(action models.ApprovalAction) {
	approvalActions.WithLabelValues(string(action)).Inc()
}

// RecordError counts a failed workflow operation by its error code.
func RecordError(operation string, err error) {
	if err == nil {
		return
	}
	code := apperrors.ErrInternalServer.Code
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
	}
	workflowErrors.WithLabelValues(operation, code).Inc()
}

// Recorder counts committed transitions. It satisfies the change recorder
// contract of the approval service.
type Recorder struct{}

// NewRecorder returns a transition counter.
func NewRecorder() *Recorder { return &Recorder{} }

// Record counts rec.
func (Recorder) Record(_ context.Context, rec models.ChangeRecord) error {
	expenseTransitions.WithLabelValues(string(rec.OldStatus), string(rec.NewStatus)).Inc()
	return nil
}

// Middleware counts requests and their latency per matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
