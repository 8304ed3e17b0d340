// 包 middleware：入口中间件（跨域、限流），由主入口按配置组合
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"nijasafe/internal/logger"
)

// Options：中间件开关与参数
type Options struct {
	AllowedOrigin    string
	RateLimitEnabled bool
	RateLimitQPS     int
}

// TokenBucket：按秒补满的令牌桶
// 约束：不做排队，超出即拒绝并返回 429
type TokenBucket struct {
	capacity int
	tokens   int
	lastSec  int64
	mu       sync.Mutex
	nowF     func() time.Time
}

func NewTokenBucket(qps int) *TokenBucket {
	if qps <= 0 {
		qps = 200
	}
	tb := &TokenBucket{capacity: qps, tokens: qps, nowF: time.Now}
	tb.lastSec = tb.nowF().Unix()
	return tb
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	nowSec := tb.nowF().Unix()
	if tb.lastSec != nowSec {
		tb.lastSec = nowSec
		tb.tokens = tb.capacity
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// RateLimit：令牌桶限流；websocket 升级请求同样计入
func RateLimit(tb *TokenBucket) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tb.Allow() {
				logger.L().Debug("rate_limited", "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("retry-after", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS：仅放行配置的前端来源；预检请求直接以 204 返回
// 约束：origin 为 "*" 时放行任意来源但不携带凭据
func CORS(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqOrigin := r.Header.Get("Origin")
			allowed := reqOrigin != "" && (origin == "*" || reqOrigin == origin)
			if allowed {
				h := w.Header()
				h.Add("vary", "Origin")
				if origin == "*" {
					h.Set("access-control-allow-origin", "*")
				} else {
					h.Set("access-control-allow-origin", reqOrigin)
					h.Set("access-control-allow-credentials", "true")
				}
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				h := w.Header()
				h.Set("access-control-allow-methods", "GET, POST, PUT, OPTIONS")
				h.Set("access-control-allow-headers", "Authorization, Content-Type, X-User-Id")
				h.Set("access-control-max-age", strconv.Itoa(600))
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Wrap：按配置组合中间件，顺序为 CORS → 限流 → 业务
func Wrap(next http.Handler, o Options) http.Handler {
	h := next
	if o.RateLimitEnabled {
		h = RateLimit(NewTokenBucket(o.RateLimitQPS))(h)
	}
	if o.AllowedOrigin != "" {
		h = CORS(o.AllowedOrigin)(h)
	}
	return h
}
