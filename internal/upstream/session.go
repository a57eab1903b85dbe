package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/ghrunner/broker-proxy/internal/target"
)

type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

// ensureSession creates an upstream session for tg, retrying with the
// spec's backoff schedule and, on persistent failure, falling back to a
// background retry every 30s until the session is created or tg is removed.
func (d *Driver) ensureSession(ctx context.Context, tg *target.Target) {
	if err := d.createSessionWithRetries(ctx, tg); err != nil {
		d.logger.Warn("failed to create upstream session, scheduling background retry",
			zap.String("target_id", tg.ID), zap.Error(err))
		d.scheduleSessionRetry(tg)
		return
	}
}

// createSessionWithRetries attempts createSession up to
// len(d.createSessionBackoffs) times, sleeping the matching backoff between
// attempts (or d.afterDeleteBackoff immediately after a successful
// conflict-recovery delete).
func (d *Driver) createSessionWithRetries(ctx context.Context, tg *target.Target) error {
	var lastErr error
	for attempt := 0; attempt < len(d.createSessionBackoffs); attempt++ {
		err := d.createSession(ctx, tg)
		if err == nil {
			return nil
		}
		lastErr = err

		var conflict *SessionConflict
		if errors.As(err, &conflict) {
			d.deleteSession(ctx, tg, conflict.StaleSession)
			select {
			case <-time.After(d.afterDeleteBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		select {
		case <-time.After(d.createSessionBackoffs[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("upstream: createSession for target %s exhausted retries: %w", tg.ID, lastErr)
}

// scheduleSessionRetry registers a gocron job, tagged by target ID so it can
// be cancelled via RemoveByTags on target removal or once a session exists,
// retrying createSession every 30s until it succeeds. Stop cancels it along
// with every other job by shutting the scheduler down.
func (d *Driver) scheduleSessionRetry(tg *target.Target) {
	_, err := d.scheduler.NewJob(
		gocron.DurationJob(sessionRetryInterval),
		gocron.NewTask(func() {
			d.mu.Lock()
			st, ok := d.targets[tg.ID]
			d.mu.Unlock()
			if !ok || st.sessionID != "" || !tg.Enabled() {
				d.scheduler.RemoveByTags(tg.ID)
				return
			}

			if err := d.createSession(context.Background(), tg); err != nil {
				d.logger.Debug("session retry failed, will retry again",
					zap.String("target_id", tg.ID), zap.Error(err))
				return
			}
			d.scheduler.RemoveByTags(tg.ID)
		}),
		gocron.WithTags(tg.ID),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		d.logger.Error("failed to schedule session retry", zap.String("target_id", tg.ID), zap.Error(err))
	}
}

// createSession POSTs an empty session-create request. On success, records
// the session in memory and in the durable session store and emits a
// status update. On 409, returns a *SessionConflict carrying any session ID
// recoverable from the response body so the caller can self-heal.
func (d *Driver) createSession(ctx context.Context, tg *target.Target) error {
	tok, err := d.tokens.GetToken(ctx, tg)
	if err != nil {
		return fmt.Errorf("upstream: getting token for target %s: %w", tg.ID, err)
	}

	reqURL := tg.BrokerBaseURL() + "session"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return fmt.Errorf("upstream: building session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: session create request to target %s: %w", tg.ID, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusConflict {
		var sr sessionResponse
		_ = json.Unmarshal(data, &sr)
		return &SessionConflict{TargetID: tg.ID, StaleSession: sr.SessionID}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &SessionError{TargetID: tg.ID, StatusCode: resp.StatusCode}
	}

	var sr sessionResponse
	if err := json.Unmarshal(data, &sr); err != nil || sr.SessionID == "" {
		return fmt.Errorf("upstream: session create response for target %s missing sessionId", tg.ID)
	}

	d.mu.Lock()
	if st, ok := d.targets[tg.ID]; ok {
		st.sessionID = sr.SessionID
		st.lastErr = nil
	}
	d.mu.Unlock()

	d.sessions.Save(tg.ID, instance, sr.SessionID)
	d.emitter.StatusUpdate(d.Status())

	d.logger.Info("created upstream session", zap.String("target_id", tg.ID), zap.String("session_id", sr.SessionID))
	return nil
}

// deleteSession DELETEs the upstream session for tg, ignoring errors, and
// clears the in-memory and durable records regardless of outcome.
func (d *Driver) deleteSession(ctx context.Context, tg *target.Target, sessionID string) {
	d.mu.Lock()
	if st, ok := d.targets[tg.ID]; ok {
		st.sessionID = ""
	}
	d.mu.Unlock()
	d.sessions.Remove(tg.ID, instance)

	if sessionID == "" {
		return
	}

	tok, err := d.tokens.GetToken(ctx, tg)
	if err != nil {
		d.logger.Debug("delete session: token fetch failed, skipping", zap.String("target_id", tg.ID), zap.Error(err))
		return
	}

	reqURL := tg.BrokerBaseURL() + "session?" + url.Values{"sessionId": {sessionID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Debug("delete session request failed, ignoring", zap.String("target_id", tg.ID), zap.Error(err))
		return
	}
	_ = resp.Body.Close()
}
