package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/masayay/maispeech/internal/audio"
)

// Client provides recognition over HTTP
type Client struct {
	config     Config
	httpClient *http.Client

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	activeRequests  int
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains recognition client configuration
type Config struct {
	Endpoint     string
	APIKey       string
	Model        string
	CacheDir     string
	Language     string
	Channels     int
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration // base delay, doubled per attempt
	UserAgent    string
}

// Labels identify the session and utterance a recognition call belongs to
type Labels struct {
	SessionID   string
	UtteranceID string
}

type labelsKey struct{}

// WithLabels returns a context carrying labels that Recognize forwards to the engine
func WithLabels(ctx context.Context, labels Labels) context.Context {
	return context.WithValue(ctx, labelsKey{}, labels)
}

// LabelsFromContext returns the labels attached by WithLabels, if any
func LabelsFromContext(ctx context.Context) (Labels, bool) {
	labels, ok := ctx.Value(labelsKey{}).(Labels)
	return labels, ok
}

// Request represents one recognition request
type Request struct {
	RequestID   string    `json:"request_id"`
	SessionID   string    `json:"session_id,omitempty"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Samples     []float32 `json:"-"`
	SampleRate  int       `json:"sample_rate"`
	Channels    int       `json:"channels"`
	Model       string    `json:"model,omitempty"`
	Language    string    `json:"language,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Response represents the response from the recognition engine
type Response struct {
	RequestID   string    `json:"request_id,omitempty"`
	Text        string    `json:"text"`
	Confidence  float32   `json:"confidence,omitempty"`
	Language    string    `json:"language,omitempty"`
	Duration    float64   `json:"duration,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// StatusError is returned when the engine answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// NewClient creates a new recognition HTTP client
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	if config.Channels <= 0 {
		config.Channels = 1
	}

	if config.UserAgent == "" {
		config.UserAgent = "maispeech/1.0"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
	}, nil
}

// Recognize transcribes samples and returns the recognized text.
// An empty string means nothing intelligible was recognized.
func (c *Client) Recognize(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	request := &Request{
		RequestID:  uuid.New().String(),
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   c.config.Channels,
		Model:      c.config.Model,
		Language:   c.config.Language,
		Timestamp:  time.Now(),
	}
	if labels, ok := LabelsFromContext(ctx); ok {
		request.SessionID = labels.SessionID
		request.UtteranceID = labels.UtteranceID
	}

	resp, err := c.Transcribe(ctx, request)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// Transcribe sends a recognition request, retrying transient failures
func (c *Client) Transcribe(ctx context.Context, request *Request) (*Response, error) {
	if len(request.Samples) == 0 {
		return nil, fmt.Errorf("cannot transcribe empty audio")
	}

	body, contentType, err := c.createMultipartRequest(request)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	startTime := time.Now()
	c.beginRequest()
	defer c.endRequest()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.RetryBackoff
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				c.incrementFailedRequests()
				return nil, ctx.Err()
			}
		}

		response, err := c.doRequest(ctx, bytes.NewReader(body), contentType)
		if err == nil {
			response.RequestID = request.RequestID
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			return response, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	return nil, fmt.Errorf("recognition failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// doRequest performs a single HTTP request to the recognition engine
func (c *Client) doRequest(ctx context.Context, body io.Reader, contentType string) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json, text/plain")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var response Response
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/plain" {
		response.Text = string(respBody)
	} else if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	response.ProcessedAt = time.Now()

	return &response, nil
}

// createMultipartRequest encodes the samples as WAV and builds a multipart/form-data body
func (c *Client) createMultipartRequest(request *Request) ([]byte, string, error) {
	channels := request.Channels
	if channels <= 0 {
		channels = 1
	}

	wavData, err := audio.EncodeWAV(request.Samples, audio.Format{
		SampleRate: request.SampleRate,
		Channels:   channels,
		BitDepth:   16,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode WAV: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", request.RequestID+".wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := fileWriter.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	duration := audio.SamplesDuration(len(request.Samples), request.SampleRate, channels)

	fields := map[string]string{
		"request_id":        request.RequestID,
		"sample_rate":       fmt.Sprintf("%d", request.SampleRate),
		"channels":          fmt.Sprintf("%d", channels),
		"duration":          fmt.Sprintf("%.3f", duration.Seconds()),
		"request_timestamp": request.Timestamp.Format(time.RFC3339),
	}

	if request.Model != "" {
		fields["model"] = request.Model
	}
	if request.Language != "" {
		fields["language"] = request.Language
	}
	if request.SessionID != "" {
		fields["session_id"] = request.SessionID
	}
	if request.UtteranceID != "" {
		fields["utterance_id"] = request.UtteranceID
	}
	if c.config.CacheDir != "" {
		fields["cache_dir"] = c.config.CacheDir
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}

// isRetryableError reports whether a failed attempt may succeed on retry:
// 5xx and 429 responses, timeouts and network errors
func isRetryableError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Statistics methods
func (c *Client) beginRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	c.activeRequests++
}

func (c *Client) endRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeRequests--
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  c.activeRequests,
	}
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
