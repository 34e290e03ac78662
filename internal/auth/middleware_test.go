package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupRouter(mgr *Manager, adminSecret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(mgr))

	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": UserID(c), "authenticated": IsAuthenticated(c)})
	})
	protected := r.Group("", RequireAuth())
	protected.GET("/private", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": UserID(c)})
	})
	admin := r.Group("/admin", RequireAdmin(adminSecret))
	admin.POST("/sweep", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func doRequest(r *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_OptionalAuth(t *testing.T) {
	mgr := NewManager("test-secret")
	r := setupRouter(mgr, "admin-secret")

	// Anonymous requests pass through open routes.
	w := doRequest(r, http.MethodGet, "/whoami", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("anonymous whoami: status %d", w.Code)
	}

	token, err := mgr.IssueToken("user-1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	w = doRequest(r, http.MethodGet, "/whoami", map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK || !jsonContains(w.Body.String(), `"userId":"user-1"`) {
		t.Errorf("authed whoami: status %d body %s", w.Code, w.Body.String())
	}

	// A bad token does not block an open route, it just stays anonymous.
	w = doRequest(r, http.MethodGet, "/whoami", map[string]string{"Authorization": "Bearer garbage"})
	if w.Code != http.StatusOK || !jsonContains(w.Body.String(), `"authenticated":false`) {
		t.Errorf("bad token whoami: status %d body %s", w.Code, w.Body.String())
	}
}

func TestRequireAuth(t *testing.T) {
	mgr := NewManager("test-secret")
	r := setupRouter(mgr, "admin-secret")

	w := doRequest(r, http.MethodGet, "/private", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous private: status %d, want 401", w.Code)
	}

	token, _ := mgr.IssueToken("user-1")
	w = doRequest(r, http.MethodGet, "/private", map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK {
		t.Errorf("authed private: status %d, want 200", w.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	mgr := NewManager("test-secret")
	r := setupRouter(mgr, "admin-secret")

	w := doRequest(r, http.MethodPost, "/admin/sweep", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("no secret: status %d, want 403", w.Code)
	}
	w = doRequest(r, http.MethodPost, "/admin/sweep", map[string]string{AdminSecretHeader: "wrong"})
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong secret: status %d, want 403", w.Code)
	}
	w = doRequest(r, http.MethodPost, "/admin/sweep", map[string]string{AdminSecretHeader: "admin-secret"})
	if w.Code != http.StatusOK {
		t.Errorf("correct secret: status %d, want 200", w.Code)
	}

	// An empty configured secret never opens the gate.
	open := setupRouter(mgr, "")
	w = doRequest(open, http.MethodPost, "/admin/sweep", map[string]string{AdminSecretHeader: ""})
	if w.Code != http.StatusForbidden {
		t.Errorf("empty secret config: status %d, want 403", w.Code)
	}
}

func jsonContains(body, fragment string) bool {
	return strings.Contains(body, fragment)
}
