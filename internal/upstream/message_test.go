package upstream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghrunner/broker-proxy/internal/jobtracker"
)

func rawMessage(t *testing.T, messageID int, inner map[string]any) string {
	t.Helper()
	var bodyStr string
	if inner != nil {
		innerBytes, err := json.Marshal(inner)
		require.NoError(t, err)
		bodyStr = string(innerBytes)
	}

	outer := map[string]any{"messageId": messageID}
	if inner != nil {
		outer["body"] = bodyStr
	}
	raw, err := json.Marshal(outer)
	require.NoError(t, err)
	return string(raw)
}

func TestHandleMessageClaimsJobAndRewritesRunServiceURL(t *testing.T) {
	var acknowledged []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			oauthHandler(w, r)
		case r.URL.Path == "/run/acquirejob":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"runServiceUrl":"https://run.example/","ok":true}`))
		case r.URL.Path == "/acknowledge":
			var body struct {
				MessageID string `json:"messageId"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			acknowledged = append(acknowledged, body.MessageID)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	td := newTestDriver(t, srv.Client())
	tg := testTarget(t, "t1", srv.URL)
	td.AddTarget(tg)

	st := &targetState{tg: tg, sessionID: "session-1"}

	raw := rawMessage(t, 1001, map[string]any{
		"jobId":          "job-1",
		"run_service_url": srv.URL + "/run/",
	})

	td.handleMessage(t.Context(), st, raw)

	assert.True(t, td.tracker.Has("job-1"))
	assert.Contains(t, acknowledged, "1001")
	assert.Equal(t, []string{"t1"}, td.assignQ.all())

	payload, ok := td.queues.Dequeue("t1")
	require.True(t, ok)

	var outer map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &outer))
	var bodyStr string
	require.NoError(t, json.Unmarshal(outer["body"], &bodyStr))
	var inner map[string]any
	require.NoError(t, json.Unmarshal([]byte(bodyStr), &inner))
	assert.Equal(t, "http://localhost:8787/", inner["run_service_url"], "the worker-facing URL must be rewritten to the local server")

	details, ok := td.tracker.AcquiredDetails("job-1")
	require.True(t, ok)
	assert.Contains(t, string(details), "run.example")
}

func TestHandleMessageNonJobMessageIsAcknowledgedAndNotQueued(t *testing.T) {
	var acknowledged bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			oauthHandler(w, r)
		case r.URL.Path == "/acknowledge":
			acknowledged = true
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	td := newTestDriver(t, srv.Client())
	tg := testTarget(t, "t1", srv.URL)
	td.AddTarget(tg)
	st := &targetState{tg: tg, sessionID: "session-1"}

	raw := rawMessage(t, 2002, map[string]any{"somethingElse": "value"})
	td.handleMessage(t.Context(), st, raw)

	assert.True(t, acknowledged)
	assert.False(t, td.queues.HasMessages("t1"))
}

func TestHandleMessageDiscardsUnparseableMessage(t *testing.T) {
	td := newTestDriver(t, &http.Client{})
	tg := testTarget(t, "t1", "https://broker.example")
	td.AddTarget(tg)
	st := &targetState{tg: tg, sessionID: "session-1"}

	td.handleMessage(t.Context(), st, "not json at all")

	assert.False(t, td.queues.HasMessages("t1"))
}

func TestHandleMessageDuplicateMessageIDIsDiscardedAfterFirstSeen(t *testing.T) {
	var acknowledgeCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			oauthHandler(w, r)
		case r.URL.Path == "/acknowledge":
			acknowledgeCount++
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	td := newTestDriver(t, srv.Client())
	tg := testTarget(t, "t1", srv.URL)
	td.AddTarget(tg)
	st := &targetState{tg: tg, sessionID: "session-1"}

	raw := rawMessage(t, 3003, map[string]any{"somethingElse": "value"})
	td.handleMessage(t.Context(), st, raw)
	td.handleMessage(t.Context(), st, raw)

	assert.Equal(t, 1, acknowledgeCount, "a message already marked seen must not be reprocessed or re-acknowledged")
}

func TestHandleMessageDuplicateJobIDIsDiscarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(oauthHandler))
	defer srv.Close()

	td := newTestDriver(t, srv.Client())
	tg := testTarget(t, "t1", srv.URL)
	td.AddTarget(tg)
	st := &targetState{tg: tg, sessionID: "session-1"}

	td.tracker.Track(jobtracker.Assignment{JobID: "job-1", TargetID: "t1"})

	raw := rawMessage(t, 4004, map[string]any{"jobId": "job-1"})
	td.handleMessage(t.Context(), st, raw)

	assert.False(t, td.queues.HasMessages("t1"), "a job already tracked must not be re-enqueued")
}

func TestHandleMessageRejectedSilentlyAtCapacity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(oauthHandler))
	defer srv.Close()

	td := newTestDriver(t, srv.Client())
	tg := testTarget(t, "t1", srv.URL)
	td.AddTarget(tg)
	td.SetCanAcceptJobCallback(func() bool { return false })
	st := &targetState{tg: tg, sessionID: "session-1"}

	raw := rawMessage(t, 5005, map[string]any{"jobId": "job-1"})
	td.handleMessage(t.Context(), st, raw)

	assert.False(t, td.queues.HasMessages("t1"))
	assert.False(t, td.tracker.Has("job-1"))
	assert.False(t, td.queues.HasSeen("5005"), "a capacity-rejected message must not be marked seen, so redelivery is reprocessed")
}

func TestHandleMessageCapacityRejectionIsReprocessedOnRedelivery(t *testing.T) {
	var acknowledged []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			oauthHandler(w, r)
		case r.URL.Path == "/run/acquirejob":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"runServiceUrl":"https://run.example/","ok":true}`))
		case r.URL.Path == "/acknowledge":
			var body struct {
				MessageID string `json:"messageId"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			acknowledged = append(acknowledged, body.MessageID)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	td := newTestDriver(t, srv.Client())
	tg := testTarget(t, "t1", srv.URL)
	td.AddTarget(tg)
	st := &targetState{tg: tg, sessionID: "session-1"}

	atCapacity := true
	td.SetCanAcceptJobCallback(func() bool { return !atCapacity })

	raw := rawMessage(t, 6006, map[string]any{
		"jobId":           "job-1",
		"run_service_url": srv.URL + "/run/",
	})

	// First delivery: rejected at capacity, never acquired or acknowledged.
	td.handleMessage(t.Context(), st, raw)
	assert.False(t, td.tracker.Has("job-1"))
	assert.Empty(t, acknowledged)

	// Upstream redelivers the same messageId once capacity frees up.
	atCapacity = false
	td.handleMessage(t.Context(), st, raw)

	assert.True(t, td.tracker.Has("job-1"), "the redelivered message must be claimed, not silently dropped as already-seen")
	assert.Equal(t, []string{"6006"}, acknowledged)
	assert.True(t, td.queues.HasMessages("t1"))
}
