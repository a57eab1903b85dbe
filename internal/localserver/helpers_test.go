package localserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/ghrunner/broker-proxy/internal/jobtracker"
	"github.com/ghrunner/broker-proxy/internal/localstate"
	"github.com/ghrunner/broker-proxy/internal/queue"
	"github.com/ghrunner/broker-proxy/internal/target"
	"github.com/ghrunner/broker-proxy/internal/token"
)

// fakeDriver implements the Driver interface with test-controlled behavior.
type fakeDriver struct {
	targets             map[string]*target.Target
	sessions            map[string]string
	firstEnabledTarget  *target.Target
	ensureSessionsCalls int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		targets:  make(map[string]*target.Target),
		sessions: make(map[string]string),
	}
}

func (f *fakeDriver) TargetByID(id string) (*target.Target, bool) {
	tg, ok := f.targets[id]
	return tg, ok
}

func (f *fakeDriver) SessionID(targetID string) (string, bool) {
	id, ok := f.sessions[targetID]
	return id, ok
}

func (f *fakeDriver) FirstEnabledActiveTarget() (*target.Target, bool) {
	if f.firstEnabledTarget == nil {
		return nil, false
	}
	return f.firstEnabledTarget, true
}

func (f *fakeDriver) EnsureSessionsForEnabled(ctx context.Context) {
	f.ensureSessionsCalls++
}

func (f *fakeDriver) TargetCount() int {
	return len(f.targets)
}

func newTestServer(t *testing.T, driver Driver) (*Server, *localstate.State, *queue.Queues, *jobtracker.Tracker) {
	t.Helper()

	state := localstate.NewState()
	queues := queue.New()
	tracker := jobtracker.New()

	s := New(Config{
		Port:    8787,
		State:   state,
		Queues:  queues,
		Tracker: tracker,
		Tokens:  token.New(&http.Client{}, zap.NewNop()),
		Driver:  driver,
		Logger:  zap.NewNop(),
	})
	return s, state, queues, tracker
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	return doRequestFull(t, s, req)
}

func doRequestFull(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func httpRequestWithBody(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	return httptest.NewRequest(method, path, bytes.NewReader(body))
}
