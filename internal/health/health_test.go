package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAggregatesAndOrders(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Healthy: true}
	})
	r.Register("custody", func(_ context.Context) Status {
		return Status{Name: "custody", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	// Registration order survives the concurrent run, and the first
	// checker's empty name is filled from its registration.
	if statuses[0].Name != "database" {
		t.Errorf("expected registered name fill, got %q", statuses[0].Name)
	}
	if statuses[1].Detail != "connection refused" {
		t.Errorf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Healthy: true}
			})
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

type fakeVerifier struct {
	err error
}

func (f *fakeVerifier) VerifyTransaction(_ context.Context, _ string) (bool, error) {
	return false, f.err
}

func TestCustodyCheckerHealthyOnAnswer(t *testing.T) {
	// A "not confirmed" answer without a transport error is still healthy.
	st := CustodyChecker(&fakeVerifier{})(context.Background())
	if !st.Healthy {
		t.Errorf("expected healthy custody on clean answer, got %+v", st)
	}
}

func TestCustodyCheckerUnhealthyOnError(t *testing.T) {
	st := CustodyChecker(&fakeVerifier{err: errors.New("rpc timeout")})(context.Background())
	if st.Healthy {
		t.Error("expected unhealthy custody on transport error")
	}
	if st.Detail != "rpc timeout" {
		t.Errorf("expected error detail, got %q", st.Detail)
	}
}

func TestReadinessHandler(t *testing.T) {
	r := NewRegistry()
	r.Register("custody", CustodyChecker(&fakeVerifier{}))

	router := gin.New()
	router.GET("/health/ready", r.ReadinessHandler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"status":"ready"`) {
		t.Errorf("expected ready status, got %s", w.Body.String())
	}

	r.Register("database", func(_ context.Context) Status {
		return Status{Healthy: false, Detail: "down"}
	})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with failing checker, got %d", w.Code)
	}
}
