// Package backend implements the Backend Client (§4.D): a typed,
// bearer-authenticated HTTP client for the backend REST surface, with JSON
// sanitization on every write and a typed error for status >= 400.
//
// Grounded in original_source/orchestrator/mics/mics_api_client.py's method
// set, re-expressed as a net/http-based Go client with one request-helper
// method per REST call rather than a generic transport abstraction.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Client is a typed HTTP client for the backend REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// New constructs a Client against baseURL, authenticating every request
// with an "Authorization: Bearer <token>" header. The orchestrator does not
// issue or renew this token — the backend does — but it does inspect the
// expiry claim at startup, so an expired token is a loud warning instead of
// a wall of silent 401s once requests start failing.
func New(baseURL, token string, logger *zap.Logger) *Client {
	logger = logger.Named("backend")
	logTokenExpiry(token, logger)
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// logTokenExpiry parses token's claims without verifying its signature —
// the orchestrator holds no key to verify against, only to read the exp
// claim the backend stamped — and warns if it is already expired or
// malformed.
func logTokenExpiry(token string, logger *zap.Logger) {
	if token == "" {
		return
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		logger.Warn("MICS_API_TOKEN does not parse as a JWT", zap.Error(err))
		return
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		logger.Debug("MICS_API_TOKEN has no exp claim")
		return
	}
	if exp.Before(time.Now()) {
		logger.Warn("MICS_API_TOKEN is already expired", zap.Time("expired_at", exp.Time))
	} else {
		logger.Debug("MICS_API_TOKEN expiry", zap.Time("expires_at", exp.Time))
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	full := c.baseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		sanitized := sanitizeForJSON(toJSONValue(body))
		data, err := json.Marshal(sanitized)
		if err != nil {
			return nil, fmt.Errorf("backend: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, full, reader)
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("backend request", zap.String("method", method), zap.String("path", path))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("backend: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &Error{Status: resp.StatusCode, Body: string(respBody), Method: method, Path: path}
	}

	return respBody, nil
}

// toJSONValue round-trips body through JSON to get a plain
// map[string]any/[]any/scalar tree that sanitizeForJSON can walk, since
// callers pass typed request structs.
func toJSONValue(body any) any {
	data, err := json.Marshal(body)
	if err != nil {
		return body
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return body
	}
	return v
}

func decodeInto[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("backend: decode response: %w", err)
	}
	return v, nil
}

// --- Run / SessionRun endpoints (§4.D) ---

// Run is the cached run record described in §3.
type Run struct {
	ID         int64          `json:"id"`
	SessionID  int64          `json:"session_id"`
	PilotID    int64          `json:"pilot_id"`
	SubjectKey string         `json:"subject_key"`
	Status     string         `json:"status"`
	Mode       string         `json:"mode,omitempty"`
	Overrides  *Overrides     `json:"overrides,omitempty"`
	ErrorType  string         `json:"error_type,omitempty"`
	ErrorMsg   string         `json:"error_message,omitempty"`
}

// Overrides is a run's override structure, per §3/§4.F.
type Overrides struct {
	Global map[string]any            `json:"global,omitempty"`
	Steps  map[string]map[string]any `json:"steps,omitempty"`
}

// Progress is a run's progress record, per §3.
type Progress struct {
	CurrentStep          *int   `json:"current_step"`
	CurrentTrial         int    `json:"current_trial"`
	GraduationType       string `json:"graduation_type,omitempty"`
	GraduationParams      map[string]any `json:"graduation_params,omitempty"`
	SessionProgressIndex *int   `json:"session_progress_index,omitempty"`
}

// RunWithProgress bundles a run and its progress, as returned by
// GET /session-runs/{id}/with-progress.
type RunWithProgress struct {
	Run      Run       `json:"run"`
	Progress Progress  `json:"progress"`
}

func (c *Client) GetRun(ctx context.Context, id int64) (Run, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/session-runs/%d", id), nil, nil)
	if err != nil {
		return Run{}, err
	}
	return decodeInto[Run](data)
}

func (c *Client) GetRunWithProgress(ctx context.Context, id int64) (RunWithProgress, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/session-runs/%d/with-progress", id), nil, nil)
	if err != nil {
		return RunWithProgress{}, err
	}
	return decodeInto[RunWithProgress](data)
}

func (c *Client) GetRunBySubjectKey(ctx context.Context, key string) (Run, error) {
	data, err := c.do(ctx, http.MethodGet, "/session-runs/by-subject-key/"+url.PathEscape(key), nil, nil)
	if err != nil {
		return Run{}, err
	}
	return decodeInto[Run](data)
}

func (c *Client) MarkRunRunning(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/session-runs/%d/mark-running", id), nil, struct{}{})
	return err
}

func (c *Client) StopSessionRun(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/session-runs/%d/stop", id), nil, struct{}{})
	return err
}

func (c *Client) CompleteSessionRun(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/session-runs/%d/complete", id), nil, struct{}{})
	return err
}

// MarkRunError reports a run failure. The error type/message are sent as
// query parameters, not a JSON body.
func (c *Client) MarkRunError(ctx context.Context, id int64, errorType, errorMessage string) error {
	q := url.Values{"error_type": {errorType}, "error_message": {errorMessage}}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/session-runs/%d/error", id), q, nil)
	return err
}

// IncrementResult is IncrementTrial's response, per §4.D.
type IncrementResult struct {
	ShouldGraduate bool `json:"should_graduate"`
	CurrentTrial   int  `json:"current_trial"`
	CurrentStep    int  `json:"current_step"`
}

func (c *Client) IncrementTrial(ctx context.Context, runID int64) (IncrementResult, error) {
	data, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/runs/%d/progress/increment", runID), nil, struct{}{})
	if err != nil {
		return IncrementResult{}, err
	}
	return decodeInto[IncrementResult](data)
}

// AdvanceResult is AdvanceStep's response, per §4.D.
type AdvanceResult struct {
	Finished    bool `json:"finished"`
	CurrentStep int  `json:"current_step"`
	Graduation  map[string]any `json:"graduation,omitempty"`
}

func (c *Client) AdvanceStep(ctx context.Context, runID int64) (AdvanceResult, error) {
	data, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/runs/%d/progress/advance_step", runID), nil, struct{}{})
	if err != nil {
		return AdvanceResult{}, err
	}
	return decodeInto[AdvanceResult](data)
}

// --- Pilot directory ---

// Pilot is the backend's pilot directory row.
type Pilot struct {
	ID    int64          `json:"id"`
	Name  string         `json:"name"`
	IP    string         `json:"ip,omitempty"`
	Prefs map[string]any `json:"prefs,omitempty"`
}

func (c *Client) GetPilot(ctx context.Context, id int64) (Pilot, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/pilots/%d", id), nil, nil)
	if err != nil {
		return Pilot{}, err
	}
	return decodeInto[Pilot](data)
}

func (c *Client) ListPilots(ctx context.Context) ([]Pilot, error) {
	data, err := c.do(ctx, http.MethodGet, "/pilots", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeInto[[]Pilot](data)
}

func (c *Client) CreateOrUpdatePilot(ctx context.Context, name, ip string, prefs map[string]any) (Pilot, error) {
	payload := map[string]any{"name": name}
	if ip != "" {
		payload["ip"] = ip
	}
	if prefs != nil {
		payload["prefs"] = prefs
	}
	data, err := c.do(ctx, http.MethodPost, "/pilots", nil, payload)
	if err != nil {
		return Pilot{}, err
	}
	return decodeInto[Pilot](data)
}

func (c *Client) UpsertPilotTasks(ctx context.Context, pilotID int64, tasks []any) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/pilots/%d/tasks", pilotID), nil, map[string]any{"tasks": tasks})
	return err
}

// --- Protocols / subjects / sessions (SPEC_FULL.md supplement) ---

// Protocol is a read-only protocol definition fetched from the backend.
type Protocol struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// Step is one entry in a protocol, per §3.
type Step struct {
	OrderIndex int            `json:"order_index"`
	StepName   string         `json:"step_name"`
	TaskType   string         `json:"task_type"`
	Params     map[string]any `json:"params"`
}

func (c *Client) GetProtocol(ctx context.Context, id int64) (Protocol, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/protocols/%d", id), nil, nil)
	if err != nil {
		return Protocol{}, err
	}
	return decodeInto[Protocol](data)
}

func (c *Client) ListProtocols(ctx context.Context) ([]Protocol, error) {
	data, err := c.do(ctx, http.MethodGet, "/protocols", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeInto[[]Protocol](data)
}

func (c *Client) CreateProtocol(ctx context.Context, name, description string, steps []Step) (Protocol, error) {
	data, err := c.do(ctx, http.MethodPost, "/protocols", nil, map[string]any{
		"name": name, "description": description, "steps": steps,
	})
	if err != nil {
		return Protocol{}, err
	}
	return decodeInto[Protocol](data)
}

// Subject is a backend subject row.
type Subject struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (c *Client) ListSubjects(ctx context.Context) ([]Subject, error) {
	data, err := c.do(ctx, http.MethodGet, "/subjects", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeInto[[]Subject](data)
}

func (c *Client) GetSubject(ctx context.Context, id int64) (Subject, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/subjects/%d", id), nil, nil)
	if err != nil {
		return Subject{}, err
	}
	return decodeInto[Subject](data)
}

func (c *Client) CreateSubject(ctx context.Context, name string) (Subject, error) {
	data, err := c.do(ctx, http.MethodPost, "/subjects", nil, map[string]any{"name": name})
	if err != nil {
		return Subject{}, err
	}
	return decodeInto[Subject](data)
}

func (c *Client) AssignProtocol(ctx context.Context, subjectName string, protocolID int64) error {
	_, err := c.do(ctx, http.MethodPost, "/subjects/"+url.PathEscape(subjectName)+"/assign_protocol", nil,
		map[string]any{"protocol_id": protocolID})
	return err
}

// SubjectProtocolRun is one row of a session's subject/protocol binding.
type SubjectProtocolRun struct {
	ProtocolID  int64  `json:"protocol_id"`
	SubjectKey  string `json:"subject_key,omitempty"`
	SubjectName string `json:"subject_name,omitempty"`
}

// SessionDetail is the backend's session blueprint detail.
type SessionDetail struct {
	SessionID int64                 `json:"session_id"`
	Runs      []SubjectProtocolRun  `json:"runs"`
}

func (c *Client) StartSession(ctx context.Context) (SessionDetail, error) {
	data, err := c.do(ctx, http.MethodPost, "/sessions/start", nil, struct{}{})
	if err != nil {
		return SessionDetail{}, err
	}
	return decodeInto[SessionDetail](data)
}

func (c *Client) ListSessions(ctx context.Context) ([]SessionDetail, error) {
	data, err := c.do(ctx, http.MethodGet, "/sessions", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeInto[[]SessionDetail](data)
}

func (c *Client) GetSessionDetail(ctx context.Context, sessionID int64) (SessionDetail, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/sessions/%d", sessionID), nil, nil)
	if err != nil {
		return SessionDetail{}, err
	}
	return decodeInto[SessionDetail](data)
}

func (c *Client) LaunchSession(ctx context.Context, sessionID int64) (SessionDetail, error) {
	data, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/sessions/%d/launch", sessionID), nil, struct{}{})
	if err != nil {
		return SessionDetail{}, err
	}
	return decodeInto[SessionDetail](data)
}

// GetActiveRun returns the currently active run for a session, or a zero
// Run (ID == 0) if none — the backend returns JSON null for "no active run."
func (c *Client) GetActiveRun(ctx context.Context, sessionID int64) (Run, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/sessions/%d/active-run", sessionID), nil, nil)
	if err != nil {
		return Run{}, err
	}
	if string(data) == "null" {
		return Run{}, nil
	}
	return decodeInto[Run](data)
}

// GetSubjectRunsForSession is a convenience wrapper returning just the run
// list from GetSessionDetail, per §4.D.
func (c *Client) GetSubjectRunsForSession(ctx context.Context, sessionID int64) ([]SubjectProtocolRun, error) {
	detail, err := c.GetSessionDetail(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return detail.Runs, nil
}

func (c *Client) CreateSessionRun(ctx context.Context, sessionID, pilotID int64) (Run, error) {
	data, err := c.do(ctx, http.MethodPost, "/session-runs", nil, map[string]any{
		"session_id": sessionID, "pilot_id": pilotID,
	})
	if err != nil {
		return Run{}, err
	}
	return decodeInto[Run](data)
}
