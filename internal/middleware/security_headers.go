package middleware

import (
	"net/http"
)

type SecurityHeadersMiddleware struct {
	hsts bool
}

func NewSecurityHeadersMiddleware(hsts bool) *SecurityHeadersMiddleware {
	return &SecurityHeadersMiddleware{hsts: hsts}
}

// Handler sets headers for the kiosk front end. The page loads its own
// script, the MJPEG feed and the event stream from the same origin.
func (m *SecurityHeadersMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; img-src 'self' data:; frame-ancestors 'none'")

		if m.hsts {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}
