package health

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// DatabaseChecker reports whether the deal store's connection pool answers a
// ping within two seconds.
func DatabaseChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Verifier is the slice of the escrow executor readiness cares about:
// a cheap read-side call proving the chain RPC endpoint answers.
type Verifier interface {
	VerifyTransaction(ctx context.Context, txRef string) (bool, error)
}

// CustodyChecker probes the escrow executor with a read-only verification.
// A "not confirmed" answer still proves the endpoint is reachable; only a
// transport error marks the subsystem unhealthy.
func CustodyChecker(v Verifier) Checker {
	const probeTx = "0x0000000000000000000000000000000000000000000000000000000000000000"
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := v.VerifyTransaction(ctx, probeTx); err != nil {
			return Status{Name: "custody", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "custody", Healthy: true}
	}
}

// ReadinessHandler serves the registry over gin: 200 with per-subsystem
// detail when everything answers, 503 otherwise.
func (r *Registry) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		code := http.StatusOK
		state := "ready"
		if !healthy {
			code = http.StatusServiceUnavailable
			state = "degraded"
		}
		c.JSON(code, gin.H{"status": state, "checks": statuses})
	}
}
