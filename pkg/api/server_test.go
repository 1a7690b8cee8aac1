package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"node-coordinator/pkg/models"
)

func post(t *testing.T, mux http.Handler, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func newMux(f *fixture, local bool) *http.ServeMux {
	mux := http.NewServeMux()
	NewServer(f.service, local, nil).Routes(mux, nil, nil)
	return mux
}

func TestSourceAddress(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	_, err := SourceAddress(r, false)
	assert.ErrorIs(t, err, models.ErrMissingHeader)

	ip, err := SourceAddress(r, true)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)

	r.Header.Set("CF-Connecting-IP", "203.0.113.7")
	ip, err = SourceAddress(r, false)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", ip)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, statusFor(models.ErrApiTokenMismatch))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(models.ErrRateLimited))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(models.ErrQuotaExhausted))
	assert.Equal(t, http.StatusBadRequest, statusFor(models.ErrMissingHeader))
	assert.Equal(t, http.StatusConflict, statusFor(models.ErrTaskNotAssigned))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}

func TestGetTaskRoute(t *testing.T) {
	f := newFixture(t, true)
	_, token := f.store.addUser("node@example.com")
	f.store.tasks = append(f.store.tasks, models.NewTask(uuid.New(), "https://example.com", models.MethodGet, nil, nil))
	body := `{"email":"node@example.com","api_token":"` + token + `"}`
	ip := map[string]string{"CF-Connecting-IP": "203.0.113.7"}
	mux := newMux(f, false)

	rec := post(t, mux, "/api/get_task", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, mux, "/api/get_task", body, ip)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"url":"https://example.com"`)

	// Over the limit: still 200, with no task.
	rec = post(t, mux, "/api/get_task", body, ip)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "null", rec.Body.String())

	rec = post(t, mux, "/api/get_task", `{"email":"node@example.com","api_token":"`+uuid.NewString()+`"}`, ip)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(t, mux, "/api/get_task", `{`, ip)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLocalServerUsesLoopback(t *testing.T) {
	f := newFixture(t, false)
	_, token := f.store.addUser("node@example.com")
	mux := newMux(f, true)

	rec := post(t, mux, "/api/submit_bandwidth",
		`{"email":"node@example.com","api_token":"`+token+`","download_speed":4}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status_code":200}`, rec.Body.String())
	assert.Len(t, f.pipeline.msgs, 3)
}

func TestSubmitTaskRoute(t *testing.T) {
	f := newFixture(t, false)
	_, token := f.store.addUser("node@example.com")
	mux := newMux(f, true)

	rec := post(t, mux, "/api/submit_task",
		`{"email":"node@example.com","api_token":"`+token+`","task_id":"`+uuid.NewString()+`","response_code":200}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCheckTokenRoute(t *testing.T) {
	f := newFixture(t, false)
	_, token := f.store.addUser("node@example.com")
	mux := newMux(f, false)

	rec := post(t, mux, "/api/check_token", `{"email":"node@example.com","api_token":"`+token+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"api_token":"`+token+`","message":null}`, rec.Body.String())

	rec = post(t, mux, "/api/check_token", `{"email":"ghost@example.com","api_token":"`+token+`"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthRoute(t *testing.T) {
	f := newFixture(t, false)
	rec := httptest.NewRecorder()
	newMux(f, false).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
