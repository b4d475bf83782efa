package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/harvester/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
	}
}

// statusServer answers with codes in order, repeating the last one
func statusServer(t *testing.T, codes ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	attempts := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := int(attempts.Add(1)) - 1
		if idx >= len(codes) {
			idx = len(codes) - 1
		}
		w.WriteHeader(codes[idx])
	}))
	t.Cleanup(srv.Close)
	return srv, attempts
}

func doFetch(t *testing.T, ctx context.Context, f *Fetcher, target string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	resp, err := f.FetchWithRetry(ctx, req)
	if resp != nil {
		t.Cleanup(func() { resp.Body.Close() })
	}
	return resp, err
}

func TestFetchWithRetry_Statuses(t *testing.T) {
	tests := []struct {
		name         string
		codes        []int
		wantErr      error
		wantResp     bool
		wantAttempts int32
	}{
		{"200 first try", []int{200}, nil, true, 1},
		{"206 partial", []int{206}, nil, true, 1},
		{"500 then success", []int{500, 500, 200}, nil, true, 3},
		{"500 exhausted", []int{500}, utils.ErrServerHTTPError, false, 4},
		{"429 then success", []int{429, 200}, nil, true, 2},
		{"429 exhausted", []int{429}, utils.ErrRetryFailed, false, 4},
		{"404 not retried", []int{404}, utils.ErrClientHTTPError, true, 1},
		{"304 not retried", []int{304}, utils.ErrOtherHTTPError, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, attempts := statusServer(t, tt.codes...)
			f := NewFetcher(srv.Client(), testPolicy(3), testLogger())

			resp, err := doFetch(t, context.Background(), f, srv.URL)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantResp, resp != nil)
			assert.Equal(t, tt.wantAttempts, attempts.Load())
		})
	}
}

func TestFetchWithRetry_ZeroRetries(t *testing.T) {
	srv, attempts := statusServer(t, 503)
	f := NewFetcher(srv.Client(), testPolicy(0), testLogger())

	_, err := doFetch(t, context.Background(), f, srv.URL)
	assert.ErrorIs(t, err, utils.ErrRetryFailed)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestFetchWithRetry_CancelledBeforeAttempt(t *testing.T) {
	srv, attempts := statusServer(t, 200)
	f := NewFetcher(srv.Client(), testPolicy(3), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := doFetch(t, ctx, f, srv.URL)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, attempts.Load())
}

func TestFetchWithRetry_CancelledDuringBackoff(t *testing.T) {
	srv, _ := statusServer(t, 500)
	f := NewFetcher(srv.Client(), RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: time.Second}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := doFetch(t, ctx, f, srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrServerHTTPError, "last attempt's error is kept")
	assert.Less(t, time.Since(start), 800*time.Millisecond)
}

func TestFetchWithRetry_NetworkErrorThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
				}
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(srv.Client(), testPolicy(3), testLogger())
	resp, err := doFetch(t, context.Background(), f, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRetryPolicy_BackoffIsCapped(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.backoff(attempt)
		assert.LessOrEqual(t, d, 330*time.Millisecond, "attempt %d", attempt)
		assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
	}
	assert.Zero(t, RetryPolicy{}.backoff(1))
}
