package books

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/perivale/ledgersync/internal/gate"
)

// codeRateLimited is the envelope code the Books API uses for throttling.
// Any other non-zero code is a business error.
const codeRateLimited = 45

// TokenSource provides OAuth2 bearer tokens. Defined at the consumer per Go
// convention "accept interfaces, return structs"; the tokenfile-backed
// implementation lives in the main package wiring.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Limiter gates outbound calls. Satisfied by *gate.Limiter.
type Limiter interface {
	Acquire(ctx context.Context, label string, priority gate.Priority) error
}

// Envelope is the JSON wrapper common to every Books API response.
// Code zero means success.
type Envelope struct {
	Code        int          `json:"code"`
	Message     string       `json:"message"`
	PageContext *PageContext `json:"page_context"`
}

// PageContext signals pagination state alongside the requested page.
type PageContext struct {
	Page        int  `json:"page"`
	PerPage     int  `json:"per_page"`
	HasMorePage bool `json:"has_more_page"`
}

// envelope lets the generic call path reach the wrapper inside any
// response struct that embeds Envelope.
func (e *Envelope) envelope() *Envelope { return e }

type envelopeCarrier interface {
	envelope() *Envelope
}

// rawCarrier is implemented by responses that keep a copy of the successful
// body (bulk mutation audit capture).
type rawCarrier interface {
	captureRaw(data []byte)
}

// Client is an HTTP client for the Books API. One outbound call per method
// invocation: acquire a token from the gate limiter (which consults the
// daily quota), obtain a bearer token, issue the request, classify the
// outcome. The call was already counted at acquire time, so successes and
// failures both show up in usage statistics.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	limiter    Limiter
	logger     *slog.Logger
}

// NewClient creates a Books API client. The httpClient's timeout bounds
// each outbound call; pass one built by the CLI wiring.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, limiter Limiter, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		limiter:    limiter,
		logger:     logger,
	}
}

// callOptions tunes a single call.
type callOptions struct {
	// label overrides the derived caller label.
	label string
	// priority selects the quota gate class. Zero value is normal.
	priority gate.Priority
}

// call performs one admission-controlled request and decodes the envelope
// into out (which must embed Envelope). No internal retries.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any, out envelopeCarrier, opts callOptions) error {
	label := opts.label
	if label == "" {
		label = normalizeLabel(method, path)
	}

	if err := c.limiter.Acquire(ctx, label, opts.priority); err != nil {
		return err
	}

	tok, err := c.token.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: obtaining token: %w", ErrAuth, err)
	}

	var reqBody io.Reader

	if body != nil {
		data, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return fmt.Errorf("books: encoding %s %s body: %w", method, path, marshalErr)
		}

		reqBody = bytes.NewReader(data)
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("books: creating request %s %s: %w", method, path, err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	return c.classify(method, path, resp, out)
}

// classify maps the HTTP response into the error taxonomy and decodes the
// payload on success.
func (c *Client) classify(method, path string, resp *http.Response, out envelopeCarrier) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s %s: HTTP 401", ErrAuth, method, path)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s %s: HTTP 429", ErrRateLimited, method, path)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s %s: reading body: %w", ErrTransport, method, path, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrParse, method, path, err)
	}

	env := out.envelope()

	switch {
	case env.Code == 0:
		if rc, ok := out.(rawCarrier); ok {
			rc.captureRaw(data)
		}

		c.logger.Debug("books: call succeeded",
			slog.String("method", method),
			slog.String("path", path),
		)

		return nil
	case env.Code == codeRateLimited:
		return fmt.Errorf("%w: %s %s: code %d: %s", ErrRateLimited, method, path, env.Code, env.Message)
	default:
		c.logger.Debug("books: API error",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("code", env.Code),
		)

		return &APIError{Code: env.Code, Message: env.Message}
	}
}

// pageQuery builds the pagination query parameters.
func pageQuery(page, perPage int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))

	return q
}
