package localserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/ghrunner/broker-proxy/internal/target"
	"github.com/ghrunner/broker-proxy/internal/wireshape"
)

// jobLifecyclePaths are the routes whose upstream destination depends on
// which job they concern, rather than always going to the broker base.
var jobLifecyclePaths = map[string]bool{
	"/acquirejob": true,
	"/renewjob":   true,
	"/finishjob":  true,
	"/jobrequest": true,
}

// handleForward is the catch-all: every path not matched by one of the five
// named routes is proxied to the upstream broker for the request's target.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	tg, ok := s.resolveTarget(r)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no target available to handle this request")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading request body: "+err.Error())
		return
	}

	destURL := s.resolveUpstreamURL(tg, r.URL.Path, body)
	destURL = appendQuery(destURL, r.URL.RawQuery)
	destURL = rewriteSessionID(destURL, tg, s.driver)

	tok, err := s.tokens.GetToken(r.Context(), tg)
	if err != nil {
		s.logger.Warn("forward: token fetch failed", zap.String("target_id", tg.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "upstream authentication failed")
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, destURL, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "building upstream request: "+err.Error())
		return
	}
	upstreamReq.Header.Set("Authorization", "Bearer "+tok)
	upstreamReq.Header.Set("Content-Type", "application/json")
	upstreamReq.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(upstreamReq)
	if err != nil {
		s.logger.Warn("forward: upstream request failed",
			zap.String("target_id", tg.ID), zap.String("url", destURL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "forwarding to upstream failed")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading upstream response: "+err.Error())
		return
	}

	writeRaw(w, resp.StatusCode, respBody)
}

// resolveTarget implements the forward handler's two-step target
// resolution: bound-session lookup, then fallback to any enabled target
// with an active session.
func (s *Server) resolveTarget(r *http.Request) (*target.Target, bool) {
	if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
		if sess, ok := s.state.GetLocalSession(sessionID); ok && sess.TargetID != "" {
			if tg, ok := s.driver.TargetByID(sess.TargetID); ok {
				return tg, true
			}
		}
	}

	tg, ok := s.driver.FirstEnabledActiveTarget()
	if ok {
		s.logger.Warn("forward: no sessionId on request, falling back to first enabled target",
			zap.String("path", r.URL.Path), zap.String("target_id", tg.ID))
	}
	return tg, ok
}

// resolveUpstreamURL picks the broker base URL, or for job-lifecycle paths,
// the per-job run-service URL recorded when the job was claimed.
func (s *Server) resolveUpstreamURL(tg *target.Target, path string, body []byte) string {
	if jobLifecyclePaths[path] {
		var parsed map[string]any
		if err := json.Unmarshal(body, &parsed); err == nil {
			jobID := wireshape.StringField(parsed,
				"jobRequestId", "requestId", "runnerRequestId", "runner_request_id", "jobMessageId")
			if jobID != "" {
				if u, ok := s.tracker.RunServiceURL(jobID); ok && u != "" {
					base := u
					if !strings.HasSuffix(base, "/") {
						base += "/"
					}
					return base + strings.TrimPrefix(path, "/")
				}
			}
		}
	}
	return tg.BrokerBaseURL() + strings.TrimPrefix(path, "/")
}

// appendQuery attaches rawQuery (the original inbound request's query
// string, which carries sessionId and any other passthrough parameters) to
// destURL.
func appendQuery(destURL, rawQuery string) string {
	if rawQuery == "" {
		return destURL
	}
	if strings.Contains(destURL, "?") {
		return destURL + "&" + rawQuery
	}
	return destURL + "?" + rawQuery
}

// rewriteSessionID replaces a local sessionId query parameter with the
// target's current upstream session ID.
func rewriteSessionID(destURL string, tg *target.Target, driver Driver) string {
	u, err := url.Parse(destURL)
	if err != nil {
		return destURL
	}
	q := u.Query()
	if q.Get("sessionId") == "" {
		return destURL
	}
	if upstreamID, ok := driver.SessionID(tg.ID); ok {
		q.Set("sessionId", upstreamID)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
