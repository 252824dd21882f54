package removal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"cutout/internal/logging"
)

const (
	DefaultTimeout       = 120 * time.Second
	DefaultHealthTimeout = 5 * time.Second

	formField       = "image"
	maxErrorBodyLen = 64 << 10
)

// Config describes how to reach the removal service.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	HealthTimeout time.Duration
	HealthRetries int
}

// Client talks to the external background-removal service. RemoveBackground
// never retries; Health goes through a retrying client.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	health  *retryablehttp.Client
	logger  zerolog.Logger
}

// NewClient builds a client for the service at cfg.BaseURL.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.HealthRetries < 0 {
		cfg.HealthRetries = 0
	}
	logger = logger.With().Str("component", "removal").Logger()

	health := retryablehttp.NewClient()
	health.RetryMax = cfg.HealthRetries
	health.RetryWaitMin = 100 * time.Millisecond
	health.RetryWaitMax = time.Second
	health.HTTPClient.Timeout = cfg.HealthTimeout
	health.Logger = logging.NewLeveled(logger)

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		http:    &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		health:  health,
		logger:  logger,
	}
}

// RemoveBackground posts the image in r to {base}/remove-bg as multipart field
// "image". The body is streamed; contentLength is the size of r, or -1 when
// unknown. The timeout covers the request and reading the returned body.
func (c *Client) RemoveBackground(ctx context.Context, filename string, r io.Reader, contentLength int64) Outcome {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)

	body, total, contentType, err := multipartBody(filename, r, contentLength)
	if err != nil {
		cancel()
		return Outcome{Kind: LocalError, Err: err}
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/remove-bg", body)
	if err != nil {
		cancel()
		return Outcome{Kind: LocalError, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = total

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		kind := classify(ctx, callCtx, err)
		cancel()
		c.logger.Warn().Err(err).Stringer("outcome", kind).Dur("elapsed", time.Since(start)).Msg("remove-bg call failed")
		return Outcome{Kind: kind, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		c.logger.Debug().Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("remove-bg accepted")
		return Outcome{
			Kind:          Success,
			Body:          &responseBody{rc: resp.Body, parent: ctx, ctx: callCtx, cancel: cancel},
			ContentType:   resp.Header.Get("Content-Type"),
			ContentLength: resp.ContentLength,
			StatusCode:    resp.StatusCode,
		}
	}

	message := rejectionMessage(resp)
	resp.Body.Close()
	cancel()
	status := resp.StatusCode
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	c.logger.Warn().Int("status", resp.StatusCode).Str("message", message).Msg("remove-bg rejected")
	return Outcome{Kind: RemoteRejected, StatusCode: status, Message: message}
}

// Health fetches {base}/health and returns its payload. Non-JSON payloads are
// returned as a JSON string.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	req, err := retryablehttp.NewRequest(http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.health.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ai service health: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	if err != nil {
		return nil, fmt.Errorf("read health payload: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("ai service health: status %d", resp.StatusCode)
	}
	data = bytes.TrimSpace(data)
	if json.Valid(data) && len(data) > 0 {
		return json.RawMessage(data), nil
	}
	quoted, err := json.Marshal(string(data))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(quoted), nil
}

// rejectionMessage pulls {"error": "..."} out of a failed response, falling
// back to a generic message carrying the status.
func rejectionMessage(resp *http.Response) string {
	fallback := fmt.Sprintf("AI service error (%d)", resp.StatusCode)
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	if err != nil && !errors.Is(err, io.EOF) {
		return fallback
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fallback
	}
	switch {
	case payload.Error != "":
		return payload.Error
	case payload.Message != "":
		return payload.Message
	default:
		return fallback
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// multipartBody frames r as a single-part multipart/form-data body without
// buffering it. When size is known the total length is exact.
func multipartBody(filename string, r io.Reader, size int64) (io.Reader, int64, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	partType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if partType == "" {
		partType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		formField, quoteEscaper.Replace(filepath.Base(filename))))
	h.Set("Content-Type", partType)
	if _, err := mw.CreatePart(h); err != nil {
		return nil, 0, "", fmt.Errorf("write multipart header: %w", err)
	}
	head := bytes.Clone(buf.Bytes())
	buf.Reset()
	if err := mw.Close(); err != nil {
		return nil, 0, "", fmt.Errorf("write multipart trailer: %w", err)
	}
	tail := bytes.Clone(buf.Bytes())

	total := int64(-1)
	if size >= 0 {
		total = int64(len(head)) + size + int64(len(tail))
	}
	body := io.MultiReader(bytes.NewReader(head), r, bytes.NewReader(tail))
	return body, total, mw.FormDataContentType(), nil
}
