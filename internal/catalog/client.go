package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"layoutid/internal/config"
	"layoutid/internal/logger"
)

const maxAttempts = 5

var (
	ErrMissingSecret = errors.New("missing CATALOG_API_SECRET")
	ErrToken         = errors.New("catalog token request failed")
)

type Options struct {
	BaseURL      string
	Secret       string
	RateLimitRPS int
	TokenTimeout time.Duration
	ListTimeout  time.Duration
	// Transport is the base round tripper; nil uses http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *zap.Logger
}

func OptionsFromConfig(cfg config.Config, log *zap.Logger) Options {
	return Options{
		BaseURL:      cfg.CatalogAPIBaseURL,
		Secret:       cfg.CatalogAPISecret,
		RateLimitRPS: cfg.CatalogRateLimitRPS,
		TokenTimeout: time.Duration(cfg.CatalogTokenTimeoutMs) * time.Millisecond,
		ListTimeout:  time.Duration(cfg.CatalogListTimeoutMs) * time.Millisecond,
		Logger:       log,
	}
}

// Client talks to the layout catalog API. The bearer token is fetched with
// the shared secret on first use and reused until it expires.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	logger     *zap.Logger
}

type apiResponse struct {
	Data json.RawMessage `json:"data"`
}

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, ErrMissingSecret
	}
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = 10 * time.Second
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = 15 * time.Second
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/") + "/"

	src := &secretTokenSource{
		url:    baseURL + "get-token",
		secret: opts.Secret,
		client: &http.Client{Transport: base, Timeout: opts.TokenTimeout},
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, src), Base: base},
			Timeout:   opts.ListTimeout,
		},
		limiter: NewRateLimiter(opts.RateLimitRPS),
		logger:  logger.OrNop(opts.Logger),
	}, nil
}

// Previews returns preview image URLs keyed by layout code. Entries without a
// code or an image are skipped.
func (c *Client) Previews(ctx context.Context) (map[string]string, error) {
	body, err := c.fetchJSON(ctx, "layouts", map[string]string{"orderby": "id,asc"})
	if err != nil {
		return nil, err
	}

	var items []map[string]json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode layouts: %w", err)
	}

	out := make(map[string]string, len(items))
	for _, item := range items {
		code := rawString(item, "codigo", "code")
		image := rawString(item, "imagem", "imageUrl")
		if code == "" || image == "" {
			continue
		}
		out[code] = image
	}
	return out, nil
}

func (c *Client) fetchJSON(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	u, err := url.Parse(c.baseURL + endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	for k, v := range params {
		if strings.TrimSpace(v) != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, ErrToken) || ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if isRetryableStatus(resp.StatusCode) && attempt < maxAttempts {
				lastErr = fmt.Errorf("catalog status %d", resp.StatusCode)
				c.logger.Debug("catalog request retry", zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt))
				if err := sleepCtx(ctx, backoff(attempt)); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("catalog api error: status=%d body=%s", resp.StatusCode, truncate(body, 200))
		}

		var apiResp apiResponse
		if err := json.Unmarshal(body, &apiResp); err != nil {
			return nil, fmt.Errorf("decode catalog response: %w", err)
		}
		return apiResp.Data, nil
	}

	if lastErr == nil {
		lastErr = errors.New("catalog request failed")
	}
	return nil, lastErr
}

func backoff(attempt int) time.Duration {
	return time.Duration(250*(1<<(attempt-1))+rand.Intn(100)) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isRetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// secretTokenSource exchanges the shared secret for a bearer token.
type secretTokenSource struct {
	url    string
	secret string
	client *http.Client
}

func (s *secretTokenSource) Token() (*oauth2.Token, error) {
	form := url.Values{"secret": {s.secret}}
	resp, err := s.client.PostForm(s.url, form)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrToken, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrToken, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status=%d", ErrToken, resp.StatusCode)
	}

	var payload struct {
		Data struct {
			AccessToken string          `json:"access_token"`
			ExpiresIn   json.RawMessage `json:"expires_in"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrToken, err)
	}
	if payload.Data.AccessToken == "" {
		return nil, fmt.Errorf("%w: response has no access_token", ErrToken)
	}

	ttl := 50 * time.Minute
	if secs, err := strconv.Atoi(strings.Trim(string(payload.Data.ExpiresIn), `"`)); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	return &oauth2.Token{
		AccessToken: payload.Data.AccessToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(ttl),
	}, nil
}

func rawString(item map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := item[k]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			continue
		}
		var n json.Number
		if json.Unmarshal(raw, &n) == nil && n.String() != "" {
			return n.String()
		}
	}
	return ""
}

func truncate(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "..."
}
