package eosc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
)

type fakeService struct {
	mu        sync.Mutex
	grants    []string
	auth      []string
	payloads  []map[string]any
	paths     []string
	status    int
	tokenCode int
}

func (f *fakeService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.grants = append(f.grants, r.PostForm.Get("grant_type"))
		code := f.tokenCode
		f.mu.Unlock()

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client", user)
		assert.Equal(t, "secret", pass)

		if code != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/accounting-system/installations/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var payload map[string]any
		require.NoError(t, sonic.Unmarshal(body, &payload))

		f.mu.Lock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.payloads = append(f.payloads, payload)
		f.paths = append(f.paths, r.URL.Path)
		status := f.status
		f.mu.Unlock()

		if status == 0 {
			status = http.StatusCreated
		}
		w.WriteHeader(status)
	})
	return mux
}

func testRecord() model.MetricRecord {
	return model.MetricRecord{
		MetricDefinitionID: "m-small",
		PeriodStart:        time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:          time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
		User:               "alice@egi.eu",
		Group:              "vo.example.org",
		Value:              7200,
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, mutate func(*Options)) *Client {
	opts := Options{
		AccountingURL:  srv.URL + "/",
		InstallationID: "inst-1",
		TokenURL:       srv.URL + "/token",
		ClientID:       "client",
		ClientSecret:   "secret",
		HTTPClient:     srv.Client(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewClient(context.Background(), opts)
	require.NoError(t, err)
	return c
}

func TestPushGrants(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Options)
		wantGrant string
	}{
		{name: "client credentials", wantGrant: "client_credentials"},
		{name: "refresh token", mutate: func(o *Options) { o.RefreshToken = "refresh-1" }, wantGrant: "refresh_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			srv := httptest.NewServer(svc.handler(t))
			defer srv.Close()

			c := newTestClient(t, srv, tt.mutate)
			require.NoError(t, c.Push(context.Background(), testRecord()))
			require.NoError(t, c.Push(context.Background(), testRecord()))

			assert.Equal(t, []string{tt.wantGrant}, svc.grants, "token is reused")
			assert.Equal(t, []string{"Bearer tok-1", "Bearer tok-1"}, svc.auth)
			assert.Equal(t, "/accounting-system/installations/inst-1/metrics", svc.paths[0])
			assert.Equal(t, map[string]any{
				"metric_definition_id": "m-small",
				"time_period_start":    "2024-05-01T00:00:00Z",
				"time_period_end":      "2024-05-02T00:00:00Z",
				"user":                 "alice@egi.eu",
				"group":                "vo.example.org",
				"value":                float64(7200),
			}, svc.payloads[0])
		})
	}
}

func TestPushOmitsEmptyUserAndGroup(t *testing.T) {
	svc := &fakeService{}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	rec := testRecord()
	rec.User, rec.Group = "", ""
	require.NoError(t, newTestClient(t, srv, nil).Push(context.Background(), rec))

	require.Len(t, svc.payloads, 1)
	assert.NotContains(t, svc.payloads[0], "user")
	assert.NotContains(t, svc.payloads[0], "group")
}

func TestPushFailures(t *testing.T) {
	tests := []struct {
		name          string
		svc           *fakeService
		wantStatus    int
		wantRetryable bool
	}{
		{name: "server error", svc: &fakeService{status: http.StatusBadGateway}, wantStatus: http.StatusBadGateway, wantRetryable: true},
		{name: "rejected metric", svc: &fakeService{status: http.StatusBadRequest}, wantStatus: http.StatusBadRequest},
		{name: "token refused", svc: &fakeService{tokenCode: http.StatusUnauthorized}, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.svc.handler(t))
			defer srv.Close()

			err := newTestClient(t, srv, nil).Push(context.Background(), testRecord())
			var be *model.BackendError
			require.True(t, errors.As(err, &be), "got %v", err)
			assert.Equal(t, "eosc", be.Backend)
			assert.Equal(t, tt.wantStatus, be.StatusCode)
			assert.Equal(t, tt.wantRetryable, be.Retryable())
		})
	}
}

func TestPushTransportErrorIsRetryable(t *testing.T) {
	svc := &fakeService{}
	srv := httptest.NewServer(svc.handler(t))
	c := newTestClient(t, srv, nil)
	srv.Close()

	err := c.Push(context.Background(), testRecord())
	require.Error(t, err)
	assert.True(t, model.IsRetryable(err))
}

func TestDryRunSendsNothing(t *testing.T) {
	svc := &fakeService{}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	c := newTestClient(t, srv, func(o *Options) {
		o.DryRun = true
		o.ClientID = ""
	})
	require.NoError(t, c.Push(context.Background(), testRecord()))
	assert.Empty(t, svc.grants)
	assert.Empty(t, svc.payloads)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(context.Background(), Options{InstallationID: "x"})
	assert.Error(t, err)

	_, err = NewClient(context.Background(), Options{AccountingURL: "http://localhost"})
	assert.Error(t, err)

	_, err = NewClient(context.Background(), Options{AccountingURL: "http://localhost", InstallationID: "x"})
	assert.ErrorIs(t, err, ErrNoCredentials)
}
