package localserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ghrunner/broker-proxy/internal/wireshape"
)

const (
	longPollStartInterval = 100 * time.Millisecond
	longPollMaxInterval   = 5 * time.Second
	longPollBackoffFactor = 1.5
	longPollBudget        = 50 * time.Second
)

type createSessionResponse struct {
	SessionID        string `json:"sessionId"`
	OwnerName        string `json:"ownerName"`
	AssignmentQueued bool   `json:"assignmentQueued"`
	OrchestrationID  string `json:"orchestrationId"`
}

// handleCreateSession implements POST /session.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.state.CreateLocalSession()

	s.driver.EnsureSessionsForEnabled(r.Context())

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:        sess.ID,
		OwnerName:        "",
		AssignmentQueued: false,
		OrchestrationID:  "",
	})
}

// handleDeleteSession implements DELETE /session.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID != "" {
		s.state.RemoveLocalSession(sessionID)
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

// handleGetMessage implements GET /message: one-shot long-poll.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	sess, ok := s.state.GetLocalSession(sessionID)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown sessionId")
		return
	}

	if sess.CurrentJobID != "" {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if payload, ok := s.queues.Dequeue(sess.TargetID); ok {
		s.deliverMessage(w, sessionID, payload)
		return
	}

	ctx := r.Context()
	interval := longPollStartInterval
	deadline := time.Now().Add(longPollBudget)

	for time.Now().Before(deadline) {
		if s.shuttingDown.Load() {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if payload, ok := s.queues.Dequeue(sess.TargetID); ok {
			s.deliverMessage(w, sessionID, payload)
			return
		}

		interval = time.Duration(float64(interval) * longPollBackoffFactor)
		if interval > longPollMaxInterval {
			interval = longPollMaxInterval
		}
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) deliverMessage(w http.ResponseWriter, sessionID string, payload []byte) {
	jobID := wireshape.JobIDFromMessage(payload)
	if jobID != "" {
		s.state.SetCurrentJob(sessionID, jobID)
	}
	writeRaw(w, http.StatusOK, payload)
}

// handleAcquireJob implements POST /acquirejob: replay the stored upstream
// acquirejob response body rather than calling upstream again.
func (s *Server) handleAcquireJob(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusInternalServerError, "invalid request body: "+err.Error())
		return
	}

	key := wireshape.StringField(body, "jobMessageId", "jobRequestId", "requestId")
	if key == "" {
		writeError(w, http.StatusNotFound, "no job identifier in request")
		return
	}

	raw, ok := s.tracker.AcquiredDetails(key)
	if !ok {
		writeError(w, http.StatusNotFound, "no acquired job details for "+key)
		return
	}

	var details map[string]any
	if err := json.Unmarshal(raw, &details); err != nil {
		writeRaw(w, http.StatusOK, raw)
		return
	}

	localURL := s.localBaseURL()
	for _, k := range []string{"runServiceUrl", "run_service_url", "runnerServiceUrl"} {
		if _, ok := details[k]; ok {
			details[k] = localURL
		}
	}

	writeJSON(w, http.StatusOK, details)
}

// handleAcknowledge implements POST /acknowledge: a local no-op. The proxy
// already acknowledged the message to upstream at poll time.
func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) localBaseURL() string {
	return fmt.Sprintf("http://localhost:%d/", s.port)
}
