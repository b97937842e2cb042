package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"promptstudio/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("pipeline: api key is required")

// Options configures the pipeline-execution API client.
type Options struct {
	APIKey         string
	BaseURL        string
	DefaultID      string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls against the external pipeline-execution API.
// The service exposes exactly two operations: submit an execution and fetch
// its status by id. There is no push channel.
type Client struct {
	apiKey     string
	baseURL    string
	defaultID  string
	httpClient *http.Client
	logger     *infra.Logger
}

// SubmitRequest captures one generation submission. One submission produces
// one output; multi-image batches fan out multiple submissions.
type SubmitRequest struct {
	PipelineID   string
	Prompt       string
	AspectRatio  string
	ReferenceURL string
	IsVideo      bool
	Style        string
	Strength     float64
	Seed         int64 // -1 lets the service pick
}

// JobState is the normalized status of a submitted execution.
type JobState struct {
	ID         string
	Status     string
	OutputURL  string
	Seed       string
	PipelineID string
	Message    string
}

// Succeeded reports whether the service considers the execution finished
// with output available.
func (s JobState) Succeeded() bool {
	switch strings.ToLower(strings.TrimSpace(s.Status)) {
	case "completed", "done", "success", "succeeded":
		return true
	}
	return false
}

// Failed reports whether the service reported a terminal failure.
func (s JobState) Failed() bool {
	switch strings.ToLower(strings.TrimSpace(s.Status)) {
	case "failed", "error", "cancelled", "canceled":
		return true
	}
	return false
}

type submitPayload struct {
	PipelineID    string        `json:"pipeline_id"`
	Prompt        string        `json:"prompt"`
	AspectRatio   string        `json:"aspect_ratio,omitempty"`
	InputImageURL string        `json:"input_image_url,omitempty"`
	OutputType    string        `json:"output_type,omitempty"`
	Parameters    payloadParams `json:"parameters"`
}

type payloadParams struct {
	Style    string  `json:"style,omitempty"`
	Strength float64 `json:"strength,omitempty"`
	Seed     int64   `json:"seed"`
}

type submitResponse struct {
	ID      string `json:"id"`
	JobID   string `json:"job_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type statusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output struct {
		ImageURL   string `json:"image_url"`
		VideoURL   string `json:"video_url"`
		Seed       string `json:"seed"`
		PipelineID string `json:"pipeline_id"`
	} `json:"output"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.pipeline.dev/v1"
	}
	defaultID := strings.TrimSpace(opts.DefaultID)
	if defaultID == "" {
		defaultID = "flux-general"
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		defaultID:  defaultID,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// DefaultPipelineID returns the pipeline used when a request does not name one.
func (c *Client) DefaultPipelineID() string {
	return c.defaultID
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Submit queues one execution and returns the opaque external job id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", errors.New("pipeline: prompt is required")
	}
	pipelineID := strings.TrimSpace(req.PipelineID)
	if pipelineID == "" {
		pipelineID = c.defaultID
	}
	seed := req.Seed
	if seed <= 0 && seed != -1 {
		seed = -1
	}
	payload := submitPayload{
		PipelineID:    pipelineID,
		Prompt:        prompt,
		AspectRatio:   strings.TrimSpace(req.AspectRatio),
		InputImageURL: strings.TrimSpace(req.ReferenceURL),
		Parameters: payloadParams{
			Style:    strings.TrimSpace(req.Style),
			Strength: req.Strength,
			Seed:     seed,
		},
	}
	if req.IsVideo {
		payload.OutputType = "video"
	}

	endpoint := c.baseURL + "/executions"
	raw, err := c.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return "", err
	}
	var decoded submitResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("pipeline: decode submit response: %w", err)
	}
	if decoded.Code != "" {
		return "", fmt.Errorf("pipeline: %s (%s)", decoded.Message, decoded.Code)
	}
	jobID := strings.TrimSpace(decoded.ID)
	if jobID == "" {
		jobID = strings.TrimSpace(decoded.JobID)
	}
	if jobID == "" {
		return "", errors.New("pipeline: empty job id")
	}
	c.logger.Debug().
		Str("pipeline_id", pipelineID).
		Str("job_id", jobID).
		Msg("pipeline: submitted execution")
	return jobID, nil
}

// Status fetches the current state of an execution by its external id.
func (c *Client) Status(ctx context.Context, jobID string) (JobState, error) {
	if !c.HasCredentials() {
		return JobState{}, ErrMissingAPIKey
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobState{}, errors.New("pipeline: job id is required")
	}
	endpoint := c.baseURL + "/executions/" + jobID
	raw, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return JobState{}, err
	}
	var decoded statusResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return JobState{}, fmt.Errorf("pipeline: decode status response: %w", err)
	}
	if decoded.Code != "" {
		return JobState{}, fmt.Errorf("pipeline: %s (%s)", decoded.Message, decoded.Code)
	}
	state := JobState{
		ID:         jobID,
		Status:     strings.TrimSpace(decoded.Status),
		Seed:       strings.TrimSpace(decoded.Output.Seed),
		PipelineID: strings.TrimSpace(decoded.Output.PipelineID),
		Message:    strings.TrimSpace(decoded.Error.Message),
	}
	state.OutputURL = strings.TrimSpace(decoded.Output.ImageURL)
	if state.OutputURL == "" {
		state.OutputURL = strings.TrimSpace(decoded.Output.VideoURL)
	}
	if state.Succeeded() && state.OutputURL == "" {
		return JobState{}, errors.New("pipeline: completed execution without output url")
	}
	return state, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("pipeline: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("pipeline: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
			return nil, fmt.Errorf("pipeline: %s (%s)", detail.Message, detail.Code)
		}
		return nil, fmt.Errorf("pipeline: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
