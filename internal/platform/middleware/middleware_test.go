package middleware

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type stubValidator struct {
	claims *WebhookClaims
	err    error
	seen   string
}

func (v *stubValidator) ValidateToken(token string) (*WebhookClaims, error) {
	v.seen = token
	return v.claims, v.err
}

type MiddlewareSuite struct {
	suite.Suite
	logger *slog.Logger
}

func TestMiddlewareSuite(t *testing.T) {
	suite.Run(t, new(MiddlewareSuite))
}

func (s *MiddlewareSuite) SetupTest() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *MiddlewareSuite) TestRequireWebhookAuth() {
	var platform string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		platform = GetPlatform(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	s.Run("missing header is rejected", func() {
		h := RequireWebhookAuth(&stubValidator{}, s.logger)(next)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webhook", nil))
		s.Equal(http.StatusUnauthorized, rec.Code)
		s.Contains(rec.Body.String(), "Missing or invalid Authorization header")
	})

	s.Run("invalid token is rejected", func() {
		v := &stubValidator{err: errors.New("bad signature")}
		h := RequireWebhookAuth(v, s.logger)(next)
		req := httptest.NewRequest(http.MethodPost, "/api/webhook", nil)
		req.Header.Set("Authorization", "Bearer abc")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		s.Equal(http.StatusUnauthorized, rec.Code)
		s.Equal("abc", v.seen)
	})

	s.Run("valid token passes platform through context", func() {
		v := &stubValidator{claims: &WebhookClaims{Platform: "blabsy"}}
		h := RequireWebhookAuth(v, s.logger)(next)
		req := httptest.NewRequest(http.MethodPost, "/api/webhook", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		s.Equal(http.StatusNoContent, rec.Code)
		s.Equal("blabsy", platform)
	})

	s.Run("nil validator disables the check", func() {
		h := RequireWebhookAuth(nil, s.logger)(next)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webhook", nil))
		s.Equal(http.StatusNoContent, rec.Code)
	})
}

func (s *MiddlewareSuite) TestRequestID() {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	s.Run("mints an id when absent", func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		s.NotEmpty(seen)
		s.Equal(seen, rec.Header().Get(RequestIDHeader))
	})

	s.Run("reuses inbound id", func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		h.ServeHTTP(httptest.NewRecorder(), req)
		s.Equal("req-123", seen)
	})
}

func TestRecovery(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Recovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func (s *MiddlewareSuite) TestRequireAdminToken() {
	reached := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	})
	serve := func(expected, presented string) *httptest.ResponseRecorder {
		reached = false
		req := httptest.NewRequest(http.MethodPost, "/api/operation-contexts/", nil)
		if presented != "" {
			req.Header.Set(AdminTokenHeader, presented)
		}
		rec := httptest.NewRecorder()
		RequireAdminToken(expected, s.logger)(next).ServeHTTP(rec, req)
		return rec
	}

	s.Run("missing token is rejected", func() {
		rec := serve("secret-token", "")
		s.Equal(http.StatusUnauthorized, rec.Code)
		s.Contains(rec.Body.String(), "admin token required")
		s.False(reached)
	})

	s.Run("wrong token is rejected", func() {
		rec := serve("secret-token", "guess")
		s.Equal(http.StatusUnauthorized, rec.Code)
		s.False(reached)
	})

	s.Run("matching token passes", func() {
		rec := serve("secret-token", "secret-token")
		s.Equal(http.StatusNoContent, rec.Code)
		s.True(reached)
	})

	s.Run("unconfigured token rejects everything", func() {
		s.Equal(http.StatusUnauthorized, serve("", "").Code)
		s.Equal(http.StatusUnauthorized, serve("", "anything").Code)
		s.False(reached)
	})
}
