package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ghrunner/broker-proxy/internal/target"
)

// pollTarget issues one long-poll GET against tg's message endpoint. A 200
// with a non-empty body means a message is available; anything else (204,
// non-2xx, empty body) means none is.
func (d *Driver) pollTarget(ctx context.Context, tg *target.Target, sessionID string) (bool, string, error) {
	tok, err := d.tokens.GetToken(ctx, tg)
	if err != nil {
		return false, "", fmt.Errorf("upstream: getting token for target %s: %w", tg.ID, err)
	}

	goos, arch := runnerInfo()
	q := url.Values{
		"sessionId":     {sessionID},
		"status":        {"Online"},
		"runnerVersion": {runnerVersion},
		"os":            {goos},
		"architecture":  {arch},
		"disableUpdate": {"true"},
	}
	reqURL := tg.BrokerBaseURL() + "message?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, "", fmt.Errorf("upstream: building poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false, "", &PollError{TargetID: tg.ID, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, "", &PollError{TargetID: tg.ID, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return false, "", nil
	}
	if len(data) == 0 {
		return false, "", nil
	}
	return true, string(data), nil
}
