// Package history fetches the persisted messages of a conversation over
// request/response.
package history

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pairchat/pkg/chat"
	"github.com/go-go-golems/pairchat/pkg/logging"
)

// Fetcher returns the persisted messages shared with counterpartID, oldest
// first. Errors wrap chat.ErrHistoryFetchFailed.
type Fetcher interface {
	Fetch(ctx context.Context, counterpartID string) ([]chat.Message, error)
}

type FetcherFunc func(ctx context.Context, counterpartID string) ([]chat.Message, error)

func (f FetcherFunc) Fetch(ctx context.Context, counterpartID string) ([]chat.Message, error) {
	return f(ctx, counterpartID)
}

const (
	maxBodyBytes = 8 << 20
	// DefaultTimeout bounds one Fetch, retries included.
	DefaultTimeout = 10 * time.Second
)

type HTTPFetcher struct {
	client       *retryablehttp.Client
	baseURL      *url.URL
	sessionToken string
	userID       string
	timeout      time.Duration
}

var _ Fetcher = &HTTPFetcher{}

type Option func(*HTTPFetcher)

// WithSessionToken attaches the ambient session cookie.
func WithSessionToken(token string) Option {
	return func(f *HTTPFetcher) { f.sessionToken = token }
}

// WithUserID sends X-User-Id, which development servers accept instead of a
// session.
func WithUserID(userID string) Option {
	return func(f *HTTPFetcher) { f.userID = userID }
}

func WithRetries(maxRetries int, waitMin, waitMax time.Duration) Option {
	return func(f *HTTPFetcher) {
		f.client.RetryMax = maxRetries
		if waitMin > 0 {
			f.client.RetryWaitMin = waitMin
		}
		if waitMax > 0 {
			f.client.RetryWaitMax = waitMax
		}
	}
}

// WithTimeout bounds each Fetch, retries included. Non-positive values keep
// the default.
func WithTimeout(d time.Duration) Option {
	return func(f *HTTPFetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(f *HTTPFetcher) {
		if c != nil {
			f.client.HTTPClient = c
		}
	}
}

func NewHTTPFetcher(baseURL string, opts ...Option) (*HTTPFetcher, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("history fetcher: empty base url")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "history fetcher: parse base url")
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = logging.NewRetryableHTTP(log.With().Str("component", "history").Logger())

	f := &HTTPFetcher{client: client, baseURL: u, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch implements GET {base}/chat/{counterpartId}.
func (f *HTTPFetcher) Fetch(ctx context.Context, counterpartID string) ([]chat.Message, error) {
	counterpartID = strings.TrimSpace(counterpartID)
	if counterpartID == "" {
		return nil, errors.Wrap(chat.ErrHistoryFetchFailed, "empty counterpart id")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	endpoint := f.baseURL.JoinPath("chat", counterpartID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(chat.ErrHistoryFetchFailed, "build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.sessionToken != "" {
		req.AddCookie(&http.Cookie{Name: "token", Value: f.sessionToken})
	}
	if f.userID != "" {
		req.Header.Set("X-User-Id", f.userID)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(chat.ErrHistoryFetchFailed, "%v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, errors.Wrapf(chat.ErrHistoryFetchFailed, "GET %s: status %d", endpoint.Path, resp.StatusCode)
	}

	var payload Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		return nil, errors.Wrapf(chat.ErrHistoryFetchFailed, "decode: %v", err)
	}
	return payload.ToMessages(), nil
}
