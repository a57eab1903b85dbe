// Package target loads and holds the per-target identity the proxy fans
// worker traffic out across: credentials, RSA signing parameters, and the
// upstream broker's base URL. Each target corresponds to one repository or
// organization that has registered this host as a self-hosted runner.
package target

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RSAParams holds the base64-encoded RSA private-key components read from
// the .credentials_rsaparams file. Field names mirror the on-disk JSON.
type RSAParams struct {
	D        string `json:"d"`
	P        string `json:"p"`
	Q        string `json:"q"`
	DP       string `json:"dp"`
	DQ       string `json:"dq"`
	InverseQ string `json:"inverseQ"`
	Modulus  string `json:"modulus"`
	Exponent string `json:"exponent"`
}

// Credentials holds the OAuth client-credentials identity read from the
// .credentials file.
type Credentials struct {
	ClientID         string `json:"clientId"`
	AuthorizationURL string `json:"authorizationUrl"`
}

// credentialsFile mirrors the on-disk shape, where the fields we care about
// are nested under "data".
type credentialsFile struct {
	Data Credentials `json:"data"`
}

// Runner holds the agent identity and broker base URL read from the
// .runner file.
type Runner struct {
	ServerURLV2 string `json:"serverUrlV2"`
	AgentID     int64  `json:"agentId"`
	AgentName   string `json:"agentName"`
}

// Target is the immutable identity and credential bundle for one upstream
// broker endpoint. The enabled flag can be changed through SetEnabled;
// everything else is fixed at load time.
type Target struct {
	ID          string
	DisplayName string

	RSAParams   RSAParams
	Credentials Credentials
	Runner      Runner

	mu      sync.Mutex
	enabled bool
}

// New constructs a Target from already-parsed credential artifacts.
func New(id, displayName string, rsaParams RSAParams, creds Credentials, runner Runner, enabled bool) *Target {
	return &Target{
		ID:          id,
		DisplayName: displayName,
		RSAParams:   rsaParams,
		Credentials: creds,
		Runner:      runner,
		enabled:     enabled,
	}
}

// LoadFromDir reads the three credential artifacts (.runner, .credentials,
// .credentials_rsaparams) from dir and constructs a Target. id and
// displayName come from the caller (usually the targets.yaml manifest).
func LoadFromDir(id, displayName, dir string, enabled bool) (*Target, error) {
	rsaParams, err := loadRSAParams(filepath.Join(dir, ".credentials_rsaparams"))
	if err != nil {
		return nil, fmt.Errorf("target: loading rsa params for %s: %w", id, err)
	}

	creds, err := loadCredentials(filepath.Join(dir, ".credentials"))
	if err != nil {
		return nil, fmt.Errorf("target: loading credentials for %s: %w", id, err)
	}

	runner, err := loadRunner(filepath.Join(dir, ".runner"))
	if err != nil {
		return nil, fmt.Errorf("target: loading runner file for %s: %w", id, err)
	}

	return New(id, displayName, rsaParams, creds, runner, enabled), nil
}

func loadRSAParams(path string) (RSAParams, error) {
	var p RSAParams
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parsing rsaparams json: %w", err)
	}
	return p, nil
}

func loadCredentials(path string) (Credentials, error) {
	var f credentialsFile
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return Credentials{}, fmt.Errorf("parsing credentials json: %w", err)
	}
	return f.Data, nil
}

func loadRunner(path string) (Runner, error) {
	var r Runner
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parsing runner json: %w", err)
	}
	return r, nil
}

// Enabled reports whether this target currently accepts new sessions/jobs.
func (t *Target) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled sets the enabled flag.
func (t *Target) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// BrokerBaseURL returns the upstream broker base URL (serverUrlV2),
// guaranteed to end with a trailing slash so path concatenation is safe.
func (t *Target) BrokerBaseURL() string {
	u := t.Runner.ServerURLV2
	if u == "" {
		return u
	}
	if u[len(u)-1] != '/' {
		return u + "/"
	}
	return u
}
