package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/localfirst-chat/internal/model"
	"github.com/capitalize-ai/localfirst-chat/pkg/logger"
)

const secret = "test-secret"

func signed(t *testing.T, key, subject string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(GetUserID(r.Context())))
	})
}

func TestAuth(t *testing.T) {
	h := Auth(secret)(echoUser())
	valid := signed(t, secret, "user-1", time.Now().Add(time.Hour))

	tests := []struct {
		name   string
		header string
		query  string
		status int
		body   string
	}{
		{name: "bearer header", header: "Bearer " + valid, status: http.StatusOK, body: "user-1"},
		{name: "query token", query: "?access_token=" + valid, status: http.StatusOK, body: "user-1"},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "bad signature", header: "Bearer " + signed(t, "other", "user-1", time.Now().Add(time.Hour)), status: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signed(t, secret, "user-1", time.Now().Add(-time.Hour)), status: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + signed(t, secret, "", time.Now().Add(time.Hour)), status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestLoggingCorrelationID(t *testing.T) {
	var seen string
	r := chi.NewRouter()
	r.Use(Logging(logger.NewNop()))
	r.Get("/x", func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		_, ok := w.(http.Flusher)
		assert.True(t, ok)
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-ID", "abc")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestLoggingSeesUserFromInnerAuth(t *testing.T) {
	var info *requestInfo
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info = requestInfoFrom(r.Context())
		Auth(secret)(echoUser()).ServeHTTP(w, r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+signed(t, secret, "user-9", time.Now().Add(time.Hour)))
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, info)
	assert.Equal(t, "user-9", info.userID)
}

func TestUserRateLimit(t *testing.T) {
	h := UserRateLimit(2, time.Minute)(echoUser())
	ctx := WithUserID(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "u")

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		h.ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
		codes = append(codes, last.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, "60", last.Header().Get("Retry-After"))
}

func TestRateLimit_ShortWindow(t *testing.T) {
	h := RateLimit(1, 200*time.Millisecond)(echoUser())
	var rec *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	}
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(echoUser()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestValidation(t *testing.T) {
	assert.Error(t, ValidateMessageContent(""))
	assert.Error(t, ValidateMessageContent(string([]byte{0xff})))
	assert.NoError(t, ValidateMessageContent("hello"))

	assert.Error(t, ValidateChatID("not-a-uuid"))
	assert.NoError(t, ValidateChatID("0190a5a4-7c1e-7d6e-8b7e-5f6a7b8c9d0e"))
	assert.Error(t, ValidateShareToken(""))

	long := make([]byte, 257)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, ValidateTitle(string(long)))
	assert.NoError(t, ValidateTitle(""))

	assert.NoError(t, ValidateAttachments([]model.Attachment{{ID: "a", URL: "file:///x"}}))
	assert.Error(t, ValidateAttachments([]model.Attachment{{ID: "a"}}))
	assert.Error(t, ValidateAttachments(make([]model.Attachment, maxAttachments+1)))

	assert.NoError(t, ValidateRole("assistant"))
	assert.Error(t, ValidateRole("robot"))
}
