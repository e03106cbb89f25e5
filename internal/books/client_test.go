package books

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/perivale/ledgersync/internal/gate"
)

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// fakeLimiter records acquire labels and can reject with a fixed error.
type fakeLimiter struct {
	mu     sync.Mutex
	labels []string
	err    error
}

func (f *fakeLimiter) Acquire(_ context.Context, label string, _ gate.Priority) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.labels = append(f.labels, label)

	return nil
}

// staticToken is a TokenSource returning a fixed token or error.
type staticToken struct {
	token string
	err   error
}

func (s staticToken) Token(_ context.Context) (string, error) {
	return s.token, s.err
}

// newTestClient wires a Client against an httptest server.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *fakeLimiter) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	limiter := &fakeLimiter{}
	client := NewClient(srv.URL, srv.Client(), staticToken{token: "tok-1"}, limiter, testLogger(t))

	return client, limiter
}

func TestClient_ListCustomersPagination(t *testing.T) {
	t.Parallel()

	client, limiter := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}

		switch r.URL.Query().Get("page") {
		case "1":
			w.Write([]byte(`{"code":0,"message":"success",
				"page_context":{"page":1,"per_page":2,"has_more_page":true},
				"customers":[{"customer_id":"c1","customer_name":"Acme"},{"customer_id":"c2","customer_name":"Borko"}]}`))
		default:
			w.Write([]byte(`{"code":0,"message":"success",
				"page_context":{"page":2,"per_page":2,"has_more_page":false},
				"customers":[{"customer_id":"c3","customer_name":"Cerval"}]}`))
		}
	})

	page1, err := client.ListCustomers(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}

	if len(page1.Records) != 2 || !page1.HasMore {
		t.Errorf("page 1 = %d records hasMore=%v, want 2 records hasMore=true", len(page1.Records), page1.HasMore)
	}

	page2, err := client.ListCustomers(context.Background(), 2, 2)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}

	if len(page2.Records) != 1 || page2.HasMore {
		t.Errorf("page 2 = %d records hasMore=%v, want 1 record hasMore=false", len(page2.Records), page2.HasMore)
	}

	if len(limiter.labels) != 2 || limiter.labels[0] != "GET /customers" {
		t.Errorf("acquired labels = %v, want two GET /customers", limiter.labels)
	}
}

func TestClient_RemoteRateLimitCode(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"code":45,"message":"too many requests"}`))
	})

	_, err := client.ListItems(context.Background(), 1, 100)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
}

func TestClient_RemoteRateLimitHTTP429(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.ListItems(context.Background(), 1, 100)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
}

func TestClient_BusinessError(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"code":1002,"message":"item does not exist"}`))
	})

	_, err := client.UpdateItem(context.Background(), "i9", map[string]any{"rate": 12.5}, gate.PriorityNormal)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}

	if apiErr.Code != 1002 || apiErr.Message != "item does not exist" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestClient_ParseError(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<html>gateway error</html>`))
	})

	_, err := client.ListItems(context.Background(), 1, 100)
	if !errors.Is(err, ErrParse) {
		t.Errorf("error = %v, want ErrParse", err)
	}
}

func TestClient_AuthErrors(t *testing.T) {
	t.Parallel()

	// HTTP 401 from the server.
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.ListItems(context.Background(), 1, 100)
	if !errors.Is(err, ErrAuth) {
		t.Errorf("401 error = %v, want ErrAuth", err)
	}

	// Token source failure never reaches the network.
	badToken := NewClient("http://127.0.0.1:0", nil, staticToken{err: errors.New("refresh failed")}, &fakeLimiter{}, testLogger(t))

	_, err = badToken.ListItems(context.Background(), 1, 100)
	if !errors.Is(err, ErrAuth) {
		t.Errorf("token error = %v, want ErrAuth", err)
	}
}

func TestClient_TransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	client := NewClient(srv.URL, nil, staticToken{token: "tok"}, &fakeLimiter{}, testLogger(t))

	_, err := client.ListItems(context.Background(), 1, 100)
	if !errors.Is(err, ErrTransport) {
		t.Errorf("error = %v, want ErrTransport", err)
	}
}

func TestClient_QuotaRejectionPropagates(t *testing.T) {
	t.Parallel()

	client, limiter := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("request must not be issued when the limiter rejects")
	})

	limiter.err = &gate.QuotaError{Used: 9500, Limit: 10000, Reserve: 500}

	_, err := client.ListItems(context.Background(), 1, 100)
	if !errors.Is(err, gate.ErrQuotaExhausted) {
		t.Errorf("error = %v, want gate.ErrQuotaExhausted", err)
	}
}

func TestClient_UpdateCapturesResponse(t *testing.T) {
	t.Parallel()

	client, limiter := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}

		w.Write([]byte(`{"code":0,"message":"success","item":{"item_id":"i1","rate":15}}`))
	})

	raw, err := client.UpdateItem(context.Background(), "i1", map[string]any{"rate": 15}, gate.PriorityHigh)
	if err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}

	if len(raw) == 0 {
		t.Error("expected captured response body")
	}

	if len(limiter.labels) != 1 || limiter.labels[0] != "PUT /items/:id" {
		t.Errorf("labels = %v, want [PUT /items/:id]", limiter.labels)
	}
}
