// Package api implements the paginated REST API source against the
// CoinPaprika market data API: a ranked coin listing followed by a
// per-coin ticker detail fetch, every call gated by the rate limiter.
package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ajitpratap0/kaspero/pkg/clients"
	"github.com/ajitpratap0/kaspero/pkg/config"
	kasperoerrors "github.com/ajitpratap0/kaspero/pkg/errors"
	"github.com/ajitpratap0/kaspero/pkg/ingest"
	"github.com/ajitpratap0/kaspero/pkg/metrics"
	"github.com/ajitpratap0/kaspero/pkg/models"
	"github.com/ajitpratap0/kaspero/pkg/ratelimit"
)

const rateKey = "api"

// Source extracts daily market snapshots from CoinPaprika.
type Source struct {
	cfg       config.APISourceConfig
	client    *clients.HTTPClient
	limiter   *ratelimit.Limiter
	collector *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time

	// grouped-number formatter for the description line
	printer *message.Printer
}

// New builds the API source. client may be nil, in which case one is
// constructed from the source timeout.
func New(cfg config.APISourceConfig, client *clients.HTTPClient, limiter *ratelimit.Limiter, log *zap.Logger) *Source {
	if client == nil {
		httpCfg := clients.DefaultHTTPConfig()
		if cfg.Timeout > 0 {
			httpCfg.RequestTimeout = cfg.Timeout.Std()
		}
		client = clients.NewHTTPClient(httpCfg, log)
	}
	return &Source{
		cfg:       cfg,
		client:    client,
		limiter:   limiter,
		collector: metrics.Default(),
		logger:    log.With(zap.String("source", "api")),
		now:       time.Now,
		printer:   message.NewPrinter(language.English),
	}
}

// WithClock overrides the clock for tests.
func (s *Source) WithClock(now func() time.Time) *Source {
	s.now = now
	return s
}

// WithMetrics overrides the metrics collector. Test hook.
func (s *Source) WithMetrics(c *metrics.Collector) *Source {
	s.collector = c
	return s
}

func (s *Source) Type() models.SourceType {
	return models.SourceTypeAPI
}

// request performs one rate-limited GET and decodes the JSON body.
// 401 is fatal for the run; 429 escalates the limiter's backoff,
// sleeps max(backoff, Retry-After), and retries the same request until
// the retry budget is exhausted.
func (s *Source) request(ctx context.Context, endpoint string, out interface{}) error {
	url := s.cfg.BaseURL + endpoint

	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	if s.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + s.cfg.APIKey
	}

	for {
		if err := s.limiter.WaitIfNeeded(ctx, rateKey); err != nil {
			return err
		}
		s.limiter.RecordRequest(rateKey)

		resp, err := s.client.Get(ctx, url, headers)
		if err != nil {
			return kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeExtraction, "API request failed")
		}

		switch {
		case resp.StatusCode == 401:
			return kasperoerrors.New(kasperoerrors.ErrorTypeAuthentication, "API authentication failed")

		case resp.StatusCode == 429:
			backoff, err := s.limiter.RecordFailure(rateKey)
			if err != nil {
				return err
			}
			wait := resp.RetryAfter(60)
			if backoff > wait {
				wait = backoff
			}
			s.logger.Warn("rate limited by upstream",
				zap.String("endpoint", endpoint),
				zap.Float64("wait_seconds", wait))
			s.collector.RateLimitWaits.WithLabelValues(rateKey).Inc()
			s.collector.RateLimitWaitTime.WithLabelValues(rateKey).Add(wait)
			if err := sleep(ctx, time.Duration(wait*float64(time.Second))); err != nil {
				return err
			}
			continue

		case resp.StatusCode >= 400:
			return kasperoerrors.Newf(kasperoerrors.ErrorTypeExtraction,
				"API request failed with status %d", resp.StatusCode)
		}

		s.limiter.RecordSuccess(rateKey)

		if err := json.Unmarshal(resp.Body, out); err != nil {
			return kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeExtraction, "failed to decode API response")
		}
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return kasperoerrors.Wrap(ctx.Err(), kasperoerrors.ErrorTypeTimeout, "wait interrupted")
	}
}

// Extract lists coins, filters to active ones up to the configured
// cap, and fetches a ticker detail per coin. A failed ticker fetch
// skips that coin; a failed listing fails the whole sequence.
func (s *Source) Extract(ctx context.Context) (*ingest.RecordStream, error) {
	stream := ingest.NewRecordStream(0)

	go func() {
		var coins []map[string]interface{}
		if err := s.request(ctx, "/coins", &coins); err != nil {
			stream.CloseWithError(err)
			return
		}

		limit := s.cfg.MaxEntries
		if limit <= 0 {
			limit = 100
		}

		emitted := 0
		for _, coin := range coins {
			if emitted >= limit {
				break
			}
			if active, _ := coin["is_active"].(bool); !active {
				continue
			}
			coinID, _ := coin["id"].(string)
			if coinID == "" {
				continue
			}
			emitted++

			var ticker map[string]interface{}
			if err := s.request(ctx, "/tickers/"+coinID, &ticker); err != nil {
				if kasperoerrors.IsType(err, kasperoerrors.ErrorTypeAuthentication) ||
					kasperoerrors.IsType(err, kasperoerrors.ErrorTypeRateLimit) {
					stream.CloseWithError(err)
					return
				}
				s.logger.Warn("ticker fetch failed",
					zap.String("coin_id", coinID),
					zap.Error(err))
				continue
			}

			merged := make(ingest.RawRecord, len(coin)+len(ticker)+2)
			for k, v := range coin {
				merged[k] = v
			}
			for k, v := range ticker {
				merged[k] = v
			}
			merged["_fetched_at"] = s.now().UTC().Format(time.RFC3339)
			merged["_source"] = "coinpaprika"

			if !stream.Send(ctx, merged) {
				stream.CloseWithError(ctx.Err())
				return
			}
		}

		stream.Close()
	}()

	return stream, nil
}

// SourceID embeds a daily date stamp so repeat runs within the same
// day upsert rather than duplicate.
func (s *Source) SourceID(raw ingest.RawRecord) string {
	coinID, _ := raw["id"].(string)
	return fmt.Sprintf("coinpaprika:%s:%s", coinID, s.now().UTC().Format("2006-01-02"))
}

// Transform maps a merged coin+ticker record into unified fields.
func (s *Source) Transform(raw ingest.RawRecord) (*models.UnifiedFields, error) {
	publishedAt := s.now().UTC()
	if lastUpdated, ok := raw["last_updated"].(string); ok && lastUpdated != "" {
		if t, err := time.Parse(time.RFC3339, lastUpdated); err == nil {
			publishedAt = t
		}
	}

	quotes, _ := raw["quotes"].(map[string]interface{})
	usd, _ := quotes["USD"].(map[string]interface{})

	price := asFloat(usd["price"])
	marketCap := asFloat(usd["market_cap"])
	volume24h := asFloat(usd["volume_24h"])
	change24h := asFloat(usd["percent_change_24h"])

	description := s.printer.Sprintf(
		"Current Price: $%.6f | 24h Change: %+.2f%% | Market Cap: $%.0f | 24h Volume: $%.0f",
		price, change24h, marketCap, volume24h)

	var tags []string
	if rank := asFloat(raw["rank"]); rank > 0 {
		tags = append(tags, fmt.Sprintf("rank-%d", int64(rank)))
	}
	switch {
	case change24h > 0:
		tags = append(tags, "bullish")
	case change24h < 0:
		tags = append(tags, "bearish")
	}
	if isNew, _ := raw["is_new"].(bool); isNew {
		tags = append(tags, "new-listing")
	}

	name, _ := raw["name"].(string)
	if name == "" {
		name = "Unknown"
	}
	symbol, _ := raw["symbol"].(string)
	coinID, _ := raw["id"].(string)

	content, err := json.Marshal(map[string]interface{}(raw))
	if err != nil {
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeTransformation, "failed to serialize record")
	}

	return &models.UnifiedFields{
		Title:       fmt.Sprintf("%s (%s)", name, strings.ToUpper(symbol)),
		Description: description,
		Content:     string(content),
		Author:      "CoinPaprika",
		Category:    "cryptocurrency",
		Tags:        tags,
		URL:         "https://coinpaprika.com/coin/" + coinID,
		PublishedAt: &publishedAt,
		ExtraData: map[string]interface{}{
			"coin_id":            raw["id"],
			"symbol":             raw["symbol"],
			"rank":               raw["rank"],
			"current_price":      price,
			"market_cap":         marketCap,
			"volume_24h":         volume24h,
			"percent_change_1h":  usd["percent_change_1h"],
			"percent_change_24h": change24h,
			"percent_change_7d":  usd["percent_change_7d"],
			"percent_change_30d": usd["percent_change_30d"],
			"circulating_supply": raw["circulating_supply"],
			"total_supply":       raw["total_supply"],
			"max_supply":         raw["max_supply"],
			"ath_price":          usd["ath_price"],
			"ath_date":           usd["ath_date"],
			"is_active":          raw["is_active"],
			"is_new":             raw["is_new"],
		},
	}, nil
}

// asFloat widens any JSON-decoded numeric to float64, zero otherwise.
func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
