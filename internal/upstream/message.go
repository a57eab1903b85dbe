package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/ghrunner/broker-proxy/internal/jobtracker"
	"github.com/ghrunner/broker-proxy/internal/target"
	"github.com/ghrunner/broker-proxy/internal/wireshape"
)

// messageIDPattern pulls the raw integer value of "messageId" straight out
// of the JSON text, bypassing encoding/json's float64 decoding — messageId
// values can exceed the 53 bits a float64 can represent exactly.
var messageIDPattern = regexp.MustCompile(`"messageId"\s*:\s*(-?\d+)`)

// handleMessage implements steps 1-4 of the polling loop for a single
// message body received from pollTarget.
func (d *Driver) handleMessage(ctx context.Context, st *targetState, raw string) {
	tg := st.tg

	var outer map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &outer); err != nil {
		d.logger.Debug("discarding unparseable message", zap.String("target_id", tg.ID), zap.Error(err))
		return
	}

	messageID := extractMessageID(raw)
	if messageID == "" {
		d.logger.Debug("discarding message with no messageId", zap.String("target_id", tg.ID))
		return
	}

	if d.queues.HasSeen(messageID) {
		// Already acknowledged on a prior delivery; acknowledging again would
		// be redundant upstream traffic for no benefit.
		d.logger.Debug("discarding already-seen message",
			zap.String("target_id", tg.ID), zap.String("message_id", messageID))
		return
	}

	var messageType string
	if raw, ok := outer["messageType"]; ok {
		_ = json.Unmarshal(raw, &messageType)
	}

	var bodyStr string
	if raw, ok := outer["body"]; ok {
		_ = json.Unmarshal(raw, &bodyStr)
	}

	var inner map[string]any
	if bodyStr != "" {
		if err := json.Unmarshal([]byte(bodyStr), &inner); err != nil {
			d.logger.Debug("discarding message with unparseable body",
				zap.String("target_id", tg.ID), zap.String("message_id", messageID), zap.Error(err))
			return
		}
	}

	jobID := wireshape.StringField(inner, "jobId", "runner_request_id")
	if jobID == "" {
		// Not a job message — acknowledge so it is not redelivered and move on.
		d.ackAndMarkSeen(ctx, tg, st.sessionID, messageID)
		return
	}

	if d.tracker.Has(jobID) {
		d.logger.Debug("discarding duplicate job message",
			zap.String("target_id", tg.ID), zap.String("job_id", jobID))
		d.ackAndMarkSeen(ctx, tg, st.sessionID, messageID)
		return
	}

	d.mu.Lock()
	canAccept := d.canAcceptJob
	d.mu.Unlock()
	if canAccept != nil && !canAccept() {
		d.logger.Debug("rejecting job, at capacity",
			zap.String("target_id", tg.ID), zap.String("job_id", jobID))
		// Neither acknowledged nor marked seen: this job was never acquired
		// upstream, so upstream will redeliver the same messageId and it must
		// be reprocessed from scratch once capacity frees up.
		return
	}

	runServiceURL := wireshape.StringField(inner, "run_service_url")
	billingOwnerID := wireshape.StringField(inner, "billing_owner_id")

	d.tracker.SetRunServiceURL(jobID, runServiceURL)
	d.tracker.SetRunServiceURL(messageID, runServiceURL)

	acquired, err := d.acquireJobUpstream(ctx, tg, st.sessionID, jobID, runServiceURL, billingOwnerID)
	if err != nil {
		d.logger.Warn("acquirejob failed, job will still be queued",
			zap.String("target_id", tg.ID), zap.String("job_id", jobID), zap.Error(err))
	} else {
		d.tracker.SetAcquiredDetails(jobID, acquired)
		d.tracker.SetAcquiredDetails(messageID, acquired)
	}

	if inner != nil {
		inner["run_service_url"] = fmt.Sprintf("http://localhost:%d/", d.port)
		rewritten, err := json.Marshal(inner)
		if err != nil {
			d.logger.Warn("failed to re-serialize rewritten body", zap.Error(err))
		} else {
			bodyBytes, _ := json.Marshal(string(rewritten))
			outer["body"] = bodyBytes
		}
	}

	payload, err := json.Marshal(outer)
	if err != nil {
		d.logger.Warn("failed to re-serialize outer message", zap.Error(err))
		return
	}

	d.queues.Enqueue(tg.ID, payload)
	d.assignQ.PushPendingAssignment(tg.ID)

	d.tracker.Track(jobtracker.Assignment{
		JobID:      jobID,
		TargetID:   tg.ID,
		SessionID:  st.sessionID,
		AssignedAt: time.Now(),
	})
	d.emitter.JobReceived(tg.ID, jobID)

	d.ackAndMarkSeen(ctx, tg, st.sessionID, messageID)

	_ = messageType
}

// ackAndMarkSeen acknowledges messageID upstream and only then marks it
// seen. The two must happen together: a message that is never acknowledged
// (e.g. rejected at capacity) is never acquired upstream either, so upstream
// will redeliver the same messageId and it must not be pre-emptively marked
// seen — doing so would silently discard the redelivery and lose the job.
func (d *Driver) ackAndMarkSeen(ctx context.Context, tg *target.Target, sessionID, messageID string) {
	d.acknowledgeMessage(ctx, tg, sessionID, messageID)
	d.queues.MarkSeen(messageID)
}

// extractMessageID finds the first "messageId" integer literal in raw text.
func extractMessageID(raw string) string {
	m := messageIDPattern.FindStringSubmatch(raw)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}


type acquireJobRequest struct {
	JobMessageID   string `json:"jobMessageId"`
	RunnerOS       string `json:"runnerOS"`
	BillingOwnerID string `json:"billingOwnerId,omitempty"`
}

// acquireJobUpstream POSTs to the target's per-job run-service URL to claim
// the job. On any non-200 response or transport error, it returns a nil
// body and an error — the caller still queues the job for a worker, whose
// own acquirejob call will 404 and fail gracefully.
func (d *Driver) acquireJobUpstream(ctx context.Context, tg *target.Target, sessionID, jobID, runServiceURL, billingOwnerID string) (json.RawMessage, error) {
	if runServiceURL == "" {
		return nil, &AcquireError{TargetID: tg.ID, JobID: jobID}
	}

	tok, err := d.tokens.GetToken(ctx, tg)
	if err != nil {
		return nil, fmt.Errorf("upstream: getting token for target %s: %w", tg.ID, err)
	}

	reqBody, err := json.Marshal(acquireJobRequest{
		JobMessageID:   jobID,
		RunnerOS:       runnerOS,
		BillingOwnerID: billingOwnerID,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: marshaling acquirejob body: %w", err)
	}

	base := runServiceURL
	if base[len(base)-1] != '/' {
		base += "/"
	}
	reqURL := base + "acquirejob?" + url.Values{"sessionId": {sessionID}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("upstream: building acquirejob request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: acquirejob request for job %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &AcquireError{TargetID: tg.ID, JobID: jobID, StatusCode: resp.StatusCode}
	}
	return json.RawMessage(data), nil
}

type acknowledgeRequest struct {
	MessageID string `json:"messageId"`
}

// acknowledgeMessage POSTs an acknowledge for messageID. Errors are logged
// and swallowed — acknowledgement failures must not stall the poll loop.
func (d *Driver) acknowledgeMessage(ctx context.Context, tg *target.Target, sessionID, messageID string) {
	tok, err := d.tokens.GetToken(ctx, tg)
	if err != nil {
		d.logger.Debug("acknowledge: token fetch failed", zap.String("target_id", tg.ID), zap.Error(err))
		return
	}

	reqBody, err := json.Marshal(acknowledgeRequest{MessageID: messageID})
	if err != nil {
		return
	}

	reqURL := tg.BrokerBaseURL() + "acknowledge?" + url.Values{"sessionId": {sessionID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(reqBody))
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Debug("acknowledge request failed", zap.String("target_id", tg.ID), zap.Error(err))
		return
	}
	_ = resp.Body.Close()
}
