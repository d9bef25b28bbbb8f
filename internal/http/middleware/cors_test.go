package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCORSAllowsConfiguredOrigins(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name    string
		origins []string
		origin  string
		allowed bool
	}{
		{"default dev origin", nil, "http://localhost:5173", true},
		{"configured origin", []string{"https://mapper.example.org"}, "https://mapper.example.org", true},
		{"unlisted origin", []string{"https://mapper.example.org"}, "http://localhost:5173", false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := gin.New()
			r.Use(CORS(tc.origins...))
			r.OPTIONS("/api/v1/mappings", func(c *gin.Context) {
				c.Status(http.StatusNoContent)
			})

			req := httptest.NewRequest(http.MethodOptions, "/api/v1/mappings", nil)
			req.Header.Set("Origin", tc.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			got := rec.Header().Get("Access-Control-Allow-Origin")
			if tc.allowed && got != tc.origin {
				t.Fatalf("allow-origin header: want=%q got=%q", tc.origin, got)
			}
			if !tc.allowed && got != "" {
				t.Fatalf("allow-origin header: want empty got=%q", got)
			}
		})
	}
}
