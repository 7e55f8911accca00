package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/errors"
	"go.opentelemetry.io/otel/trace"
)

// TraceID returns the trace ID of the span in the request context, if any.
func TraceID(c *gin.Context) string {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	if v, ok := c.Request.Context().Value(constants.ContextKeyTraceID).(string); ok {
		return v
	}
	return ""
}

// AbortWithProblem renders err as an RFC 7807 problem and stops the chain. Rate limit errors also set
// Retry-After.
func AbortWithProblem(c *gin.Context, err error) {
	problem := errors.ToProblem(err, TraceID(c))
	if secs, ok := errors.RetryAfter(err); ok {
		c.Header(constants.HeaderRetryAfter, strconv.Itoa(secs))
	}
	body, marshalErr := json.Marshal(problem)
	if marshalErr != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(problem.Status, constants.ContentTypeProblem, body)
	c.Abort()
}
