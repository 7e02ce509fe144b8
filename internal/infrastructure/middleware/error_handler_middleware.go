package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"confsfu/pkg/errors"
)

// ErrorHandlerMiddleware turns the last handler error into a JSON response. Domain
// sentinels are mapped to their status codes; anything else is a 500.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := errors.FromDomain(c.Errors.Last().Err)
		log := logger.With(
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			log.Errorw("request failed", "error", appErr.Cause, "context", appErr.Context)
			c.JSON(appErr.HTTPStatus, internalErrorBody())
			return
		}

		log.Infow("request rejected", "message", appErr.Message)
		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, internalErrorBody())
			}
		}()

		c.Next()
	}
}

// NotFoundHandler reports unknown routes through ErrorHandlerMiddleware.
func NotFoundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		_ = c.Error(errors.NewNotFoundError("route"))
	}
}

// internalErrorBody hides the cause of a 500 from the client.
func internalErrorBody() gin.H {
	appErr := errors.NewInternalError("Internal server error")
	return gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
}
