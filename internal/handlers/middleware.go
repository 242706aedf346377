package handlers

import (
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	custom_logger "github.com/Brownie44l1/xray-api/internal/logger"
)

const requestIDHeader = "X-Request-ID"

// CORS allows any origin to call the API.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+requestIDHeader)
		c.Header("Access-Control-Expose-Headers", requestIDHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

// RequestID tags the request context with the caller's X-Request-ID or a
// fresh UUID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(custom_logger.WithRequestID(c.Request.Context(), id))
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// AccessLog writes one entry per request.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger, _ := custom_logger.GetZapLogger(c.Request.Context())
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", time.Since(start)),
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

// NewRouter wires the middleware, the page and the API.
func NewRouter(h *Handler, tmpl *template.Template) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), AccessLog(), CORS())
	r.MaxMultipartMemory = 8 << 20
	r.SetHTMLTemplate(tmpl)

	r.GET("/", h.Index)
	r.POST("/analyze", h.Analyze)
	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/analyze", h.AnalyzeAPI)
		v1.POST("/predict", h.Predict)
		v1.GET("/model", h.ShowModel)
	}

	return r
}
