package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"syncbridge/internal/inbound"
	"syncbridge/internal/inbound/models"
	"syncbridge/internal/platform/middleware"
	dErrors "syncbridge/pkg/domain-errors"
)

type stubProcessor struct {
	payloads []*inbound.Payload
	result   *inbound.Result
	err      error
	stats    models.Stats
	statsErr error
}

func (p *stubProcessor) Process(_ context.Context, payload *inbound.Payload) (*inbound.Result, error) {
	p.payloads = append(p.payloads, payload)
	return p.result, p.err
}

func (p *stubProcessor) Stats(context.Context) (models.Stats, error) {
	return p.stats, p.statsErr
}

type stubValidator struct {
	err error
}

func (v stubValidator) ValidateToken(string) (*middleware.WebhookClaims, error) {
	if v.err != nil {
		return nil, v.err
	}
	return &middleware.WebhookClaims{Platform: "blabsy"}, nil
}

type HandlerSuite struct {
	suite.Suite
	processor *stubProcessor
	router    chi.Router
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.processor = &stubProcessor{result: &inbound.Result{WebhookID: "w1", Status: inbound.OutcomeCompleted, LocalID: "l1"}}
	s.router = s.mount(nil)
}

func (s *HandlerSuite) mount(v middleware.WebhookValidator) chi.Router {
	h, err := New(s.processor, v, nil)
	s.Require().NoError(err)
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (s *HandlerSuite) post(router chi.Router, body string, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

const validBody = `{"id":"g1","schemaId":"schema-user","data":{"displayName":"Ada"},"w3id":"@ada","acl":["*"],"timestamp":"2024-01-01T00:00:00Z"}`

func (s *HandlerSuite) TestWebhook() {
	s.Run("valid payload is processed", func() {
		s.SetupTest()
		rec := s.post(s.router, validBody, "")
		s.Equal(http.StatusOK, rec.Code)

		var body map[string]any
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
		s.Equal("completed", body["status"])
		s.Equal("w1", body["webhook_id"])
		s.Equal("l1", body["local_id"])

		s.Require().Len(s.processor.payloads, 1)
		p := s.processor.payloads[0]
		s.Equal("g1", p.ID)
		s.Equal("schema-user", p.SchemaID)
		s.Equal("Ada", p.Data["displayName"])
		s.Equal("@ada", p.W3ID)
		s.Equal([]string{"*"}, p.ACL)
	})

	s.Run("duplicate is acknowledged", func() {
		s.SetupTest()
		s.processor.result = &inbound.Result{WebhookID: "w1", Status: inbound.OutcomeDuplicate}
		rec := s.post(s.router, validBody, "")
		s.Equal(http.StatusOK, rec.Code)
		s.Contains(rec.Body.String(), `"duplicate"`)
	})

	s.Run("malformed JSON is a bad request", func() {
		s.SetupTest()
		rec := s.post(s.router, `{"id":`, "")
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Contains(rec.Body.String(), "bad_request")
		s.Empty(s.processor.payloads)
	})

	s.Run("schema violations are rejected", func() {
		for name, body := range map[string]string{
			"missing id":       `{"schemaId":"s","data":{}}`,
			"empty schemaId":   `{"id":"g1","schemaId":"","data":{}}`,
			"data not object":  `{"id":"g1","schemaId":"s","data":[1]}`,
			"acl not strings":  `{"id":"g1","schemaId":"s","data":{},"acl":[1]}`,
			"payload is array": `[]`,
		} {
			s.Run(name, func() {
				s.SetupTest()
				rec := s.post(s.router, body, "")
				s.Equal(http.StatusBadRequest, rec.Code)
				s.Contains(rec.Body.String(), "validation_error")
				s.Empty(s.processor.payloads)
			})
		}
	})

	s.Run("processing errors map to status codes", func() {
		cases := []struct {
			code   dErrors.Code
			status int
		}{
			{dErrors.CodeUnknownSchema, http.StatusBadRequest},
			{dErrors.CodeDecode, http.StatusBadRequest},
			{dErrors.CodeEntityNotFound, http.StatusNotFound},
			{dErrors.CodeInternal, http.StatusInternalServerError},
		}
		for _, tc := range cases {
			s.Run(string(tc.code), func() {
				s.SetupTest()
				s.processor.err = dErrors.New(tc.code, "boom")
				rec := s.post(s.router, validBody, "")
				s.Equal(tc.status, rec.Code)
				s.Contains(rec.Body.String(), string(tc.code))
			})
		}
	})

	s.Run("token is required when a validator is configured", func() {
		s.SetupTest()
		router := s.mount(stubValidator{})
		s.Equal(http.StatusUnauthorized, s.post(router, validBody, "").Code)
		s.Equal(http.StatusOK, s.post(router, validBody, "tok").Code)

		rejecting := s.mount(stubValidator{err: errors.New("expired")})
		s.Equal(http.StatusUnauthorized, s.post(rejecting, validBody, "tok").Code)
	})
}

func (s *HandlerSuite) TestStats() {
	s.Run("returns counts", func() {
		s.SetupTest()
		s.processor.stats = models.Stats{Total: 3, Completed: 2, Failed: 1}
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/webhook/stats", nil))
		s.Equal(http.StatusOK, rec.Code)
		s.JSONEq(`{"total":3,"pending":0,"processing":0,"completed":2,"failed":1}`, rec.Body.String())
	})

	s.Run("store failure is hidden", func() {
		s.SetupTest()
		s.processor.statsErr = errors.New("connection refused")
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/webhook/stats", nil))
		s.Equal(http.StatusInternalServerError, rec.Code)
		s.NotContains(rec.Body.String(), "connection refused")
	})
}
