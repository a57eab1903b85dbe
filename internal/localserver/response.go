package localserver

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes a raw (un-enveloped) JSON response. The worker-facing
// wire protocol is fixed by the upstream broker's own API shape, so unlike
// a typical internal API there is no {"data": ...} envelope to apply here.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
