package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/config"
)

const (
	// DefaultMaxRetries applies when a provider configures max_retries: 0.
	// Configure a negative value to disable retries.
	DefaultMaxRetries = 2
	defaultBackoff    = 250 * time.Millisecond
	maxBackoff        = 4 * time.Second
	maxErrorBody      = 4 << 10
)

// base carries what every adapter shares: identity, config, the HTTP client
// and the retry policy.
type base struct {
	name    string
	kind    Kind
	cfg     config.ProviderConfig
	client  *http.Client
	looser  []string
	backoff time.Duration
}

func newBase(name string, kind Kind, cfg config.ProviderConfig, deps Deps) *base {
	var looser []string
	for _, n := range deps.LooserLimits {
		if n != name {
			looser = append(looser, n)
		}
	}
	return &base{
		name:    name,
		kind:    kind,
		cfg:     cfg,
		client:  deps.Client,
		looser:  looser,
		backoff: defaultBackoff,
	}
}

func (b *base) Name() string { return b.name }
func (b *base) Kind() Kind   { return b.kind }

func (b *base) model(opts CallOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return b.cfg.Model
}

func (b *base) maxTokens(opts CallOptions) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return b.cfg.MaxTokens
}

func (b *base) maxRetries() int {
	switch {
	case b.cfg.MaxRetries < 0:
		return 0
	case b.cfg.MaxRetries == 0:
		return DefaultMaxRetries
	default:
		return b.cfg.MaxRetries
	}
}

// statusError builds the ProviderError for a non-200 vendor response.
func (b *base) statusError(status int, body []byte) *ProviderError {
	pe := &ProviderError{
		Provider:   b.name,
		StatusCode: status,
		Retryable:  IsRetryableStatus(status),
		Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
	}
	if status == http.StatusTooManyRequests {
		pe.FallbackRecommendation = append([]string(nil), b.looser...)
	}
	return pe
}

// transportError wraps a failure to reach the vendor. Cancellation and
// deadlines are not retried.
func (b *base) transportError(err error) *ProviderError {
	retryable := !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	return &ProviderError{Provider: b.name, Retryable: retryable, Err: err}
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or
// the retry budget is spent. Delays grow exponentially from b.backoff.
func (b *base) withRetry(ctx context.Context, fn func() error) error {
	retries := b.maxRetries()
	delay := b.backoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		pe, ok := AsProviderError(err)
		if !ok || !pe.Retryable || attempt >= retries {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return b.transportError(ctx.Err())
		case <-timer.C:
		}
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
}

// post sends a JSON request and returns the response once the vendor answers
// 200. Non-200 responses are drained and turned into ProviderErrors.
func (b *base) post(ctx context.Context, url string, payload any, headers map[string]string) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", b.kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	for k, v := range b.cfg.Headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, b.transportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, b.statusError(resp.StatusCode, body)
	}
	return resp, nil
}

// attemptContext bounds one non-streaming attempt by the provider timeout.
// Streams are bounded by the caller's context only.
func (b *base) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.cfg.Timeout)
}

// postJSON sends a request with retries and returns the raw response body.
func (b *base) postJSON(ctx context.Context, url string, payload any, headers map[string]string) (*RawResponse, error) {
	start := time.Now()
	var raw *RawResponse
	err := b.withRetry(ctx, func() error {
		attemptCtx, cancel := b.attemptContext(ctx)
		defer cancel()
		resp, err := b.post(attemptCtx, url, payload, headers)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return b.transportError(fmt.Errorf("read %s response: %w", b.kind, err))
		}
		raw = &RawResponse{Provider: b.name, Kind: b.kind, StatusCode: resp.StatusCode, Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	raw.Latency = time.Since(start)
	return raw, nil
}

// openStream retries until the vendor accepts the streaming request. The
// stream itself is never retried.
func (b *base) openStream(ctx context.Context, url string, payload any, headers map[string]string) (*http.Response, error) {
	var resp *http.Response
	err := b.withRetry(ctx, func() error {
		r, err := b.post(ctx, url, payload, headers)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// errStreamDone stops a stream reader without error.
var errStreamDone = errors.New("stream done")

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}

// readSSE calls fn with the event name and data of every server-sent event
// data line. fn returns errStreamDone to stop early.
func readSSE(r io.Reader, fn func(event, data string) error) error {
	scanner := newScanner(r)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if err := fn(event, data); err != nil {
				if errors.Is(err, errStreamDone) {
					return nil
				}
				return err
			}
		}
	}
	return scanner.Err()
}

// readLines calls fn with every non-empty line of a newline-delimited JSON
// stream.
func readLines(r io.Reader, fn func(line []byte) error) error {
	scanner := newScanner(r)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			if errors.Is(err, errStreamDone) {
				return nil
			}
			return err
		}
	}
	return scanner.Err()
}

// streamResult finishes a streamed call.
func (b *base) streamResult(content string, start time.Time) *RawResponse {
	return &RawResponse{
		Provider:   b.name,
		Kind:       b.kind,
		StatusCode: http.StatusOK,
		Streamed:   true,
		Content:    content,
		Latency:    time.Since(start),
	}
}
