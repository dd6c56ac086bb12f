package mw

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
)

// OriginPolicy 决定是否接受某个 Origin。REST 的 CORS 和 websocket 握手共用同一策略。
type OriginPolicy struct {
	env     string
	allowed map[string]struct{}
}

// NewOriginPolicy 在 dev 环境接受所有来源；其余环境只接受同源和 allowed 列表中的来源。
func NewOriginPolicy(env string, allowed []string) *OriginPolicy {
	p := &OriginPolicy{env: env, allowed: make(map[string]struct{}, len(allowed))}
	for _, o := range allowed {
		p.allowed[o] = struct{}{}
	}
	return p
}

func (p *OriginPolicy) Allow(origin, host string) bool {
	if origin == "" || p.env == "dev" {
		return true
	}
	if _, ok := p.allowed[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == host
}

// CheckOrigin 适配 websocket.Upgrader.CheckOrigin。
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	return p.Allow(r.Header.Get("Origin"), r.Host)
}

// CORS 返回一个支持跨域请求的中间件。
func CORS(p *OriginPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		if p.Allow(origin, c.Request.Host) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
