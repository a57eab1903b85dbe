package upstream

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ghrunner/broker-proxy/internal/events"
	"github.com/ghrunner/broker-proxy/internal/jobtracker"
	"github.com/ghrunner/broker-proxy/internal/queue"
	"github.com/ghrunner/broker-proxy/internal/sessionstore"
	"github.com/ghrunner/broker-proxy/internal/target"
	"github.com/ghrunner/broker-proxy/internal/token"
)

// fakeAssignmentQueue records every target ID pushed to it.
type fakeAssignmentQueue struct {
	mu     sync.Mutex
	pushed []string
}

func (f *fakeAssignmentQueue) PushPendingAssignment(targetID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, targetID)
}

func (f *fakeAssignmentQueue) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.pushed))
	copy(out, f.pushed)
	return out
}

// testTarget builds a *target.Target whose RSA parameters are a freshly
// generated key (so the token manager can actually sign a JWT) and whose
// broker base URL and authorization URL both point at brokerURL.
func testTarget(t *testing.T, id, brokerURL string) *target.Target {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	enc := func(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

	params := target.RSAParams{
		D:        enc(key.D.Bytes()),
		P:        enc(key.Primes[0].Bytes()),
		Q:        enc(key.Primes[1].Bytes()),
		Modulus:  enc(key.N.Bytes()),
		Exponent: enc(big.NewInt(int64(key.E)).Bytes()),
	}

	return target.New(id, id, params, target.Credentials{
		ClientID:         "client-" + id,
		AuthorizationURL: brokerURL + "/token",
	}, target.Runner{ServerURLV2: brokerURL}, true)
}

// oauthHandler answers every /token request with a valid bearer token.
func oauthHandler(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "bearer-token",
		"expires_in":   3600,
	})
}

type testDriver struct {
	*Driver
	assignQ *fakeAssignmentQueue
	tracker *jobtracker.Tracker
	queues  *queue.Queues
}

// newTestDriver builds a Driver wired to real collaborators (in-memory
// queue/tracker, a fresh sessionstore under a temp dir) against httpClient,
// suitable for exercising session/poll/message handling against a
// httptest-backed upstream.
func newTestDriver(t *testing.T, httpClient *http.Client) *testDriver {
	t.Helper()

	store, err := sessionstore.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	assignQ := &fakeAssignmentQueue{}
	tr := jobtracker.New()
	q := queue.New()

	d, err := New(Config{
		HTTPClient: httpClient,
		Tokens:     token.New(httpClient, zap.NewNop()),
		Sessions:   store,
		Queues:     q,
		Tracker:    tr,
		Emitter:    events.NewEmitter(),
		Assignment: assignQ,
		Logger:     zap.NewNop(),
		Port:       8787,
	})
	require.NoError(t, err)

	// Tests exercise retry/backoff logic but shouldn't pay its real-world
	// wall-clock cost.
	d.createSessionBackoffs = []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	d.afterDeleteBackoff = time.Millisecond

	return &testDriver{Driver: d, assignQ: assignQ, tracker: tr, queues: q}
}
