// Package extractor talks to the remote statement extraction service.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cleared-dev/passbook/internal/model"
)

const (
	processPath = "simple/process"
	statsPath   = "simple/stats"

	// maxErrorBody caps how much of a failed response is read for its message.
	maxErrorBody = 1 << 20
)

// Request is one upload attempt.
type Request struct {
	Filename    string
	ContentType string
	Data        []byte
	Bank        string
	Password    string
}

// RequestFor builds a request replaying p with an optional password.
func RequestFor(p model.PendingUpload, password string) Request {
	return Request{
		Filename:    p.Filename,
		ContentType: p.ContentType,
		Data:        p.Data,
		Bank:        p.Bank,
		Password:    password,
	}
}

// Response is a successful answer: either a record stream or, for services
// that answer synchronously, the complete result.
type Response struct {
	Stream io.ReadCloser
	Result *model.IngestionResult
}

// Close releases the stream, if any.
func (r *Response) Close() error {
	if r == nil || r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}

// Client uploads statements to the extraction service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the client's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client for the service rooted at baseURL. timeout
// bounds the whole exchange, streamed body included; zero disables it.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/") + "/",
		httpClient: &http.Client{Timeout: timeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Process uploads a statement. A non-success answer is returned as an
// *APIError; the caller owns and must close a streamed Response.
func (c *Client) Process(ctx context.Context, req Request) (*Response, error) {
	body, contentType, err := encodeMultipart(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+processPath, body)
	if err != nil {
		return nil, fmt.Errorf("building upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/x-ndjson, application/json")
	c.authorize(httpReq)

	c.log.Debug().
		Str("file", req.Filename).
		Str("bank", req.Bank).
		Bool("password", req.Password != "").
		Int("bytes", len(req.Data)).
		Msg("uploading statement")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("uploading statement: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, c.decodeError(resp)
	}

	if !isSingleJSON(resp.Header.Get("Content-Type")) {
		return &Response{Stream: resp.Body}, nil
	}

	defer resp.Body.Close()
	var envelope struct {
		Success bool                   `json:"success"`
		Data    *model.IngestionResult `json:"data"`
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Error   string                 `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding extraction result: %w", err)
	}
	if !envelope.Success || envelope.Data == nil {
		return nil, classify(resp.StatusCode, errorPayload{
			Code:    envelope.Code,
			Message: envelope.Message,
			Error:   envelope.Error,
		})
	}
	return &Response{Result: envelope.Data}, nil
}

// Stats fetches the dashboard statistics as raw JSON.
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+statsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("building stats request: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetching stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding stats: %w", err)
	}
	return raw, nil
}

func (c *Client) authorize(r *http.Request) {
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) decodeError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("reading error response (%d): %w", resp.StatusCode, err)
	}

	var p errorPayload
	if jsonErr := json.Unmarshal(data, &p); jsonErr != nil {
		p.Message = strings.TrimSpace(string(data))
	}
	apiErr := classify(resp.StatusCode, p)
	if apiErr.Legacy {
		c.log.Debug().
			Int("status", apiErr.Status).
			Str("kind", string(apiErr.Kind)).
			Msg("error kind inferred without structured code")
	}
	return apiErr
}

func encodeMultipart(req Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="statement"; filename=%q`, req.Filename))
	h.Set("Content-Type", contentType)
	fw, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("creating statement part: %w", err)
	}
	if _, err := fw.Write(req.Data); err != nil {
		return nil, "", fmt.Errorf("writing statement part: %w", err)
	}

	if err := mw.WriteField("bankName", req.Bank); err != nil {
		return nil, "", fmt.Errorf("writing bankName: %w", err)
	}
	if req.Password != "" {
		if err := mw.WriteField("password", req.Password); err != nil {
			return nil, "", fmt.Errorf("writing password: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func isSingleJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}
