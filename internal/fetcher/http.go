package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"ranksheet-engine/internal/ranksheet"
)

const signalsPathFormat = "/v1/keywords/%s/signals"

// maxSignalsBody bounds how much of an upstream response is read.
const maxSignalsBody = 8 << 20

// HTTPOptions parameterise the analytics provider client.
type HTTPOptions struct {
	BaseURL           string
	APIKey            string
	Marketplace       string
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64
	Burst             int
}

// HTTPProvider fetches keyword signals from the analytics provider API.
type HTTPProvider struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewHTTPProvider constructs the provider client. Requests are paced by a
// token bucket shared by all keywords.
func NewHTTPProvider(opts HTTPOptions, logger zerolog.Logger) *HTTPProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPProvider{
		opts:    opts,
		logger:  logger.With().Str("component", "signal_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Fetch retrieves and decodes the signal batch for q.
func (p *HTTPProvider) Fetch(ctx context.Context, q Query) ([]ranksheet.CandidateRow, error) {
	if p.baseURL == "" {
		return nil, &UpstreamError{Keyword: q.Keyword, Err: fmt.Errorf("provider base url not configured")}
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &UpstreamError{Keyword: q.Keyword, Err: fmt.Errorf("wait for request slot: %w", err)}
	}

	marketplace := q.Marketplace
	if marketplace == "" {
		marketplace = p.opts.Marketplace
	}
	params := url.Values{}
	params.Set("period", q.Period)
	if marketplace != "" {
		params.Set("marketplace", marketplace)
	}
	endpoint := p.baseURL + fmt.Sprintf(signalsPathFormat, url.PathEscape(q.Keyword)) + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &UpstreamError{Keyword: q.Keyword, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "ranksheet/1.0")
	}
	if p.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.opts.APIKey)
	}

	started := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Keyword: q.Keyword, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxSignalsBody))
	if err != nil {
		return nil, &UpstreamError{Keyword: q.Keyword, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Keyword: q.Keyword, StatusCode: resp.StatusCode, Err: parseHTTPError(payload)}
	}

	var body signalsResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, &UpstreamError{Keyword: q.Keyword, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode signals: %w", err)}
	}

	rows := make([]ranksheet.CandidateRow, 0, len(body.Items))
	for _, item := range body.Items {
		rows = append(rows, ranksheet.CandidateRow{
			ASIN:            strings.ToUpper(strings.TrimSpace(item.ASIN)),
			Rank:            item.Rank,
			ClickShare:      item.ClickShare,
			ConversionShare: item.ConversionShare,
			Card:            ranksheet.ExtractCard(item.ASIN, item.Metadata),
		})
	}

	p.logger.Debug().
		Str("keyword", q.Keyword).
		Str("period", q.Period).
		Int("rows", len(rows)).
		Dur("elapsed", time.Since(started)).
		Msg("signals fetched")
	return rows, nil
}

type signalsResponse struct {
	Keyword string       `json:"keyword"`
	Period  string       `json:"period"`
	Items   []signalItem `json:"items"`
}

type signalItem struct {
	ASIN            string                    `json:"asin"`
	Rank            int                       `json:"rank"`
	ClickShare      decimal.Decimal           `json:"clickShare"`
	ConversionShare decimal.Decimal           `json:"conversionShare"`
	Metadata        ranksheet.ProductMetadata `json:"metadata"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("provider error: %s", apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("provider error: %s", apiErr.Error)
		}
	}
	if text := strings.TrimSpace(string(payload)); text != "" {
		if len(text) > 256 {
			text = text[:256]
		}
		return fmt.Errorf("provider error: %s", text)
	}
	return fmt.Errorf("provider error")
}

var _ SignalProvider = (*HTTPProvider)(nil)
