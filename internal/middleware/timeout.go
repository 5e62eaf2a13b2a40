package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/evidence-api/pkg/errors"
	"github.com/noah-isme/evidence-api/pkg/response"
)

// Timeout bounds the request context by d. Handlers observe the deadline
// through c.Request.Context(); when it fires before anything was written the
// client receives a 504.
func Timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Writer.Written() {
			response.Error(c, appErrors.ErrTimeout)
		}
	}
}
