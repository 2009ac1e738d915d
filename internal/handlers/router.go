package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"prizedraw/internal/metrics"
)

// NewRouter returns a gin engine with recovery, request ids, metrics and,
// when limiter is set, per-client rate limiting. Only trustedProxies may set
// X-Forwarded-For; with none the peer address is the client.
func NewRouter(mode string, trustedProxies []string, m *metrics.Metrics, limiter *RateLimiter) (*gin.Engine, error) {
	gin.SetMode(mode)
	r := gin.New()
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, errors.Wrap(err, "trusted proxies")
	}
	r.Use(gin.Recovery(), RequestID())
	if m != nil {
		r.Use(Metrics(m))
	}
	if limiter != nil {
		r.Use(limiter.Handler())
	}
	return r, nil
}
