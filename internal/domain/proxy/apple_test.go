package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/revback/core/internal/logging"
	"github.com/stretchr/testify/require"
)

type fakeLogStore struct {
	mu     sync.Mutex
	id     string
	status int
	errMsg string
	calls  int
}

func (f *fakeLogStore) LogProxyForward(ctx context.Context, webhookLogID string, httpStatus int, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id, f.status, f.errMsg = webhookLogID, httpStatus, errMsg
	f.calls++
	return nil
}

func (f *fakeLogStore) snapshot() (string, int, string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, f.status, f.errMsg, f.calls
}

func waitForCall(t *testing.T, store *fakeLogStore) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, _, calls := store.snapshot(); calls > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for forward to record its outcome")
}

func TestAppleForwarder_ForwardsBodyAndLogsStatus(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeLogStore{}
	f := NewAppleForwarder(store, logging.NewDefault("proxy_test"), true)

	f.Forward(context.Background(), "wl_1", srv.URL, []byte(`{"hello":"world"}`), map[string]string{"X-Test": "1"})

	waitForCall(t, store)
	id, status, errMsg, _ := store.snapshot()
	require.Equal(t, "wl_1", id)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, errMsg)
	require.Equal(t, `{"hello":"world"}`, string(gotBody))
}

func TestAppleForwarder_RefusesNonHTTPSInProduction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeLogStore{}
	f := NewAppleForwarder(store, logging.NewDefault("proxy_test"), false)

	f.Forward(context.Background(), "wl_2", srv.URL, []byte(`{}`), nil)

	waitForCall(t, store)
	_, status, errMsg, _ := store.snapshot()
	require.Equal(t, 0, status)
	require.Contains(t, errMsg, "non-HTTPS")
}

func TestAppleForwarder_RefusesLoopbackDestination(t *testing.T) {
	store := &fakeLogStore{}
	f := NewAppleForwarder(store, logging.NewDefault("proxy_test"), true)

	f.Forward(context.Background(), "wl_3", "http://127.0.0.1:9/hook", []byte(`{}`), nil)

	waitForCall(t, store)
	_, status, errMsg, _ := store.snapshot()
	require.Equal(t, 0, status)
	require.Contains(t, errMsg, "refusing forwarding target")
}

func TestAppleForwarder_NoTargetConfiguredRecordsError(t *testing.T) {
	store := &fakeLogStore{}
	f := NewAppleForwarder(store, logging.NewDefault("proxy_test"), true)

	f.Forward(context.Background(), "wl_4", "", []byte(`{}`), nil)

	waitForCall(t, store)
	_, status, errMsg, _ := store.snapshot()
	require.Equal(t, 0, status)
	require.Contains(t, errMsg, "no forwarding target")
}
