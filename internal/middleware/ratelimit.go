package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type bucket struct {
	count int
	until time.Time
}

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(r *http.Request) string

// BusinessOrIP keys on the X-Business-ID header and falls back to the client IP
// for anonymous callers.
func BusinessOrIP(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Business-ID")); id != "" {
		return "biz:" + id
	}
	return "ip:" + clientIPForRateLimit(r)
}

// RateLimit admits at most limit requests per key in each fixed window of length
// per. A non-positive limit disables the middleware.
func RateLimit(limit int, per time.Duration, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = BusinessOrIP
	}
	var mu sync.Mutex
	buckets := make(map[string]*bucket)
	lastSweep := time.Now()
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			now := time.Now()
			mu.Lock()
			if now.Sub(lastSweep) > per {
				for id, b := range buckets {
					if now.After(b.until) {
						delete(buckets, id)
					}
				}
				lastSweep = now
			}
			b, ok := buckets[k]
			if !ok || now.After(b.until) {
				b = &bucket{count: 0, until: now.Add(per)}
				buckets[k] = b
			}
			if b.count >= limit {
				retry := int(b.until.Sub(now).Seconds()) + 1
				mu.Unlock()
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"code":"rate_limited","message":"too many requests"}}`))
				return
			}
			b.count++
			mu.Unlock()
			next.ServeHTTP(w, r)
		})
	}
}

func clientIPForRateLimit(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		for _, part := range strings.Split(xf, ",") {
			ip := strings.TrimSpace(part)
			if ip == "" {
				continue
			}
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if net.ParseIP(host) != nil {
			return host
		}
	} else if net.ParseIP(r.RemoteAddr) != nil {
		return r.RemoteAddr
	}

	return r.RemoteAddr
}
