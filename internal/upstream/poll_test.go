package upstream

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollTargetReturnsMessageOn200WithBody(t *testing.T) {
	var gotQuery map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			oauthHandler(w, r)
		case r.URL.Path == "/message":
			gotQuery = map[string][]string(r.URL.Query())
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"messageId":1,"body":"{}"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	td := newTestDriver(t, srv.Client())
	tg := testTarget(t, "t1", srv.URL)

	hasMessage, body, err := td.pollTarget(t.Context(), tg, "session-1")
	require.NoError(t, err)
	assert.True(t, hasMessage)
	assert.Contains(t, body, `"messageId":1`)

	require.NotNil(t, gotQuery)
	assert.Equal(t, []string{"session-1"}, gotQuery["sessionId"])
	assert.Equal(t, []string{"Online"}, gotQuery["status"])
	assert.Equal(t, []string{"true"}, gotQuery["disableUpdate"])
}

func TestPollTargetNoMessageOn204(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			oauthHandler(w, r)
		case r.URL.Path == "/message":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	td := newTestDriver(t, srv.Client())
	tg := testTarget(t, "t1", srv.URL)

	hasMessage, _, err := td.pollTarget(t.Context(), tg, "session-1")
	require.NoError(t, err)
	assert.False(t, hasMessage)
}

func TestPollTargetUnreachableUpstreamReturnsError(t *testing.T) {
	td := newTestDriver(t, &http.Client{})
	tg := testTarget(t, "t1", "http://127.0.0.1:1") // nothing listens here

	_, _, err := td.pollTarget(t.Context(), tg, "session-1")
	require.Error(t, err)
}
