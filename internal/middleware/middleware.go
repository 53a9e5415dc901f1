// Package middleware provides Gin middleware for the routing engine's HTTP
// surface: request logging, rate limiting, tenant resolution, and admin
// key authentication.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LoayCoder/tammal-sub006/pkg/cache"
)

// TenantKey is the gin context key the resolved tenant id is stored under.
const TenantKey = "tenant_id"

// ActorKey is the gin context key the authenticated actor is stored under.
const ActorKey = "actor"

// LoggingMiddleware returns a Gin middleware handler that logs request and
// response metadata including method, path, status code, latency, and client IP.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method
		bodySize := c.Writer.Size()

		if query != "" {
			path = path + "?" + query
		}

		switch {
		case statusCode >= 500:
			log.Printf("[ERROR] %s %s | %d | %v | %s | %d bytes | errors: %s",
				method, path, statusCode, latency, clientIP, bodySize, c.Errors.ByType(gin.ErrorTypePrivate).String())
		case statusCode >= 400:
			log.Printf("[WARN]  %s %s | %d | %v | %s | %d bytes",
				method, path, statusCode, latency, clientIP, bodySize)
		default:
			log.Printf("[INFO]  %s %s | %d | %v | %s | %d bytes",
				method, path, statusCode, latency, clientIP, bodySize)
		}
	}
}

// RateLimitMiddleware enforces per-tenant fixed-window rate limiting using
// Redis. Requests without a tenant header are limited by client IP. A Redis
// failure lets the request through; rate limiting is a protection layer,
// not an admission guarantee.
func RateLimitMiddleware(c *cache.Cache, maxRequests int64, window time.Duration) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id := ctx.GetHeader("X-Tenant-ID")
		if id == "" {
			id = ctx.ClientIP()
		}
		if len(id) > 64 {
			id = id[:64]
		}

		allowed, err := c.RateLimitCheck(ctx.Request.Context(), id, maxRequests, window)
		if err != nil {
			log.Printf("middleware: rate limit check error: %v", err)
			ctx.Next()
			return
		}

		if !allowed {
			ctx.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			ctx.Abort()
			return
		}

		ctx.Next()
	}
}

// TenantMiddleware resolves the calling tenant from the X-Tenant-ID header.
// Handlers read the tenant only from the context set here, never from
// request bodies, so one tenant can never act on another's state.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.GetHeader("X-Tenant-ID"))
		if tenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "missing_tenant",
				"message": "X-Tenant-ID header is required.",
			})
			c.Abort()
			return
		}
		c.Set(TenantKey, tenantID)
		c.Next()
	}
}

// hashKey returns the hex-encoded SHA-256 hash of the given key.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// AdminAuthMiddleware validates the X-Admin-Key header against the
// configured admin key. An empty configured key disables the admin surface
// entirely rather than leaving it open.
func AdminAuthMiddleware(adminKey string) gin.HandlerFunc {
	configuredHash := hashKey(adminKey)
	return func(c *gin.Context) {
		if adminKey == "" {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin operations are not configured on this deployment.",
			})
			c.Abort()
			return
		}

		provided := c.GetHeader("X-Admin-Key")
		if provided == "" {
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				provided = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		// Compare hashes in constant time so key length and content never leak.
		providedHash := hashKey(provided)
		if provided == "" || subtle.ConstantTimeCompare([]byte(providedHash), []byte(configuredHash)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin key.",
			})
			c.Abort()
			return
		}

		actor := strings.TrimSpace(c.GetHeader("X-Actor"))
		if actor == "" {
			actor = "admin"
		}
		c.Set(ActorKey, actor)
		c.Next()
	}
}

// RecoveryMiddleware returns a Gin middleware that recovers from panics
// and returns a 500 error instead of crashing the server.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[PANIC] recovered from panic: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   "internal_server_error",
					"message": "An unexpected error occurred.",
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}
