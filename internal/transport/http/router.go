package http

import (
	"github.com/gin-gonic/gin"
	"github.com/kumbupay/ledger-service/internal/config"
	"go.uber.org/zap"
)

// NewRouter wires middleware and handlers onto a fresh gin engine.
func NewRouter(s Services, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, s)
	return r
}
