package mw

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"chatbridge/internal/apperr"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type keyLimiter struct {
	lim *rate.Limiter
	ts  time.Time
}

type RL struct {
	mu   sync.Mutex
	m    map[string]*keyLimiter
	r    rate.Limit
	b    int
	ttl  time.Duration
	stop chan struct{}
}

func NewRateLimiter(r rate.Limit, burst int, ttl time.Duration) *RL {
	return &RL{m: make(map[string]*keyLimiter), r: r, b: burst, ttl: ttl, stop: make(chan struct{})}
}

func (rl *RL) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	kl, ok := rl.m[key]
	if ok {
		kl.ts = time.Now()
		return kl.lim
	}
	lim := rate.NewLimiter(rl.r, rl.b)
	rl.m[key] = &keyLimiter{lim: lim, ts: time.Now()}
	return lim
}

// sweep 删除超过 ttl 未使用的 limiter。
func (rl *RL) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, v := range rl.m {
		if now.Sub(v.ts) > rl.ttl {
			delete(rl.m, k)
		}
	}
}

func (rl *RL) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.sweep(now)
		}
	}
}

// Start 启动 GC goroutine。
func (rl *RL) Start() *RL {
	go rl.gc()
	return rl
}

// Stop 停止 GC goroutine，用于优雅停服。
func (rl *RL) Stop() {
	select {
	case <-rl.stop:
	default:
		close(rl.stop)
	}
}

// Middleware 返回令牌桶限速中间件。已认证请求按用户限速，其余按 IP。
// userOf 在认证中间件之前调用时返回 0。
func (rl *RL) Middleware(userOf func(*gin.Context) uint) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := "ip:" + clientIP(c.Request.RemoteAddr)
		if uid := userOf(c); uid != 0 {
			subject = "user:" + strconv.FormatUint(uint64(uid), 10)
		}
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !rl.get(subject + "|" + path).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "code": apperr.CodeRateLimited})
			return
		}
		c.Next()
	}
}

// RateLimit 返回一个基于 IP+路径的令牌桶限速中间件，并启动 GC goroutine。
func RateLimit(r rate.Limit, burst int) (gin.HandlerFunc, *RL) {
	rl := NewRateLimiter(r, burst, 2*time.Minute).Start()
	return rl.Middleware(func(*gin.Context) uint { return 0 }), rl
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
