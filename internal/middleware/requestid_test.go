package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newRequestIDRouter echoes the context's request id back in X-Context-Request-ID.
func newRequestIDRouter() *gin.Engine {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) {
		c.Header("X-Context-Request-ID", c.GetString(RequestIDKey))
		c.Status(http.StatusOK)
	})
	return r
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// RequestID
// ---------------------------------------------------------------------------

func TestRequestID_GeneratesUUID(t *testing.T) {
	w := serve(newRequestIDRouter(), httptest.NewRequest(http.MethodGet, "/", nil))

	id := w.Header().Get(RequestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("X-Request-ID %q is not a UUID: %v", id, err)
	}
	if got := w.Header().Get("X-Context-Request-ID"); got != id {
		t.Errorf("context id %q does not match response id %q", got, id)
	}
}

func TestRequestID_PropagatesIncomingID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "lb-7f3a")
	w := serve(newRequestIDRouter(), req)

	if got := w.Header().Get(RequestIDHeader); got != "lb-7f3a" {
		t.Errorf("X-Request-ID = %q, want lb-7f3a", got)
	}
}

func TestRequestID_UniquePerRequest(t *testing.T) {
	r := newRequestIDRouter()
	seen := make(map[string]bool)
	for i := range 5 {
		id := serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Header().Get(RequestIDHeader)
		if seen[id] {
			t.Fatalf("duplicate request id %q on iteration %d", id, i)
		}
		seen[id] = true
	}
}
