package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// Runtime status values reported by /status.
const (
	StatusReady    = "READY"
	StatusRunning  = "RUNNING"
	StatusFinished = "FINISHED"
	StatusFailed   = "FAILED"
)

// Response is the body of /finetune, /status and /terminate.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Event kinds reported by /logs. They map one to one onto callback hooks.
const (
	EventLog        = "log"
	EventEvaluate   = "evaluate"
	EventStepEnd    = "step_end"
	EventEpochBegin = "epoch_begin"
	EventEpochEnd   = "epoch_end"
	EventSave       = "save"
)

// Event is one trainer lifecycle event.
type Event struct {
	Kind  string             `json:"kind"`
	Step  int                `json:"step"`
	Epoch float64            `json:"epoch"`
	Logs  map[string]float64 `json:"logs,omitempty"`
}

// EventsResponse is the body of /logs. Next is the cursor for the following call.
type EventsResponse struct {
	Events   []Event `json:"events"`
	Next     int     `json:"next"`
	MaxSteps int     `json:"max_steps,omitempty"`
}

// Control forwards control flags set by callbacks.
type Control struct {
	ShouldEpochStop bool `json:"should_epoch_stop,omitempty"`
	ShouldSave      bool `json:"should_save,omitempty"`
	ShouldEvaluate  bool `json:"should_evaluate,omitempty"`
	ShouldLog       bool `json:"should_log,omitempty"`
}

// HTTPError is a non-success reply from the runtime.
type HTTPError struct {
	Path       string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("error calling %s - StatusCode %d, Response: %s", e.Path, e.StatusCode, string(e.Body))
}

// Client talks to the training runtime.
type Client struct {
	BaseURL string
	client  *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{BaseURL: baseURL, client: httpClient}
}

func (c *Client) PostFineTune(ctx context.Context, payload []byte) (*Response, error) {
	var resp Response
	return &resp, c.do(ctx, http.MethodPost, "/finetune", payload, &resp, http.StatusOK, http.StatusAccepted)
}

func (c *Client) GetStatus(ctx context.Context) (*Response, error) {
	var resp Response
	return &resp, c.do(ctx, http.MethodGet, "/status", nil, &resp, http.StatusOK)
}

func (c *Client) GetEvents(ctx context.Context, since int) (*EventsResponse, error) {
	var resp EventsResponse
	path := "/logs?" + url.Values{"since": []string{strconv.Itoa(since)}}.Encode()
	return &resp, c.do(ctx, http.MethodGet, path, nil, &resp, http.StatusOK)
}

func (c *Client) PostControl(ctx context.Context, control Control) error {
	payload, err := json.Marshal(control)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/control", payload, nil, http.StatusOK, http.StatusAccepted)
}

func (c *Client) PostTerminate(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/terminate", nil, nil, http.StatusOK, http.StatusAccepted)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, out interface{}, okCodes ...int) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	response, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = response.Body.Close() }()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}

	ok := false
	for _, code := range okCodes {
		if response.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		return &HTTPError{Path: path, StatusCode: response.StatusCode, Body: raw}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s response %s: %w", path, string(raw), err)
	}
	return nil
}
