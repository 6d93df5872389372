package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	pathGetInstruments = "/public/get_instruments"
	pathGetCurrencies  = "/public/get_currencies"
	pathGetIndexPrice  = "/public/get_index_price"
)

// RESTClient fetches public reference data over HTTP, without a live
// session. Requests are rate limited.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// NewRESTClient builds a fetcher for the given environment.
func NewRESTClient(env Env) (*RESTClient, error) {
	var baseURL string
	switch env {
	case EnvProd:
		baseURL = httpURLProd
	case EnvTest:
		baseURL = httpURLTest
	default:
		return nil, fmt.Errorf("%w: unknown env %q", ErrInvalidConfig, env)
	}

	return &RESTClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
		log:        log.With().Str("component", "deribit_rest").Logger(),
	}, nil
}

type restEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error,omitempty"`
}

func (c *RESTClient) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: status %d: %s", path, resp.StatusCode, body)
	}

	var envelope restEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	return json.Unmarshal(envelope.Result, out)
}

// GetInstruments fetches the instruments of one currency and kind. Spot
// instruments are not returned by this endpoint.
func (c *RESTClient) GetInstruments(ctx context.Context, currency string, kind Kind) ([]Instrument, error) {
	query := url.Values{}
	query.Set("currency", currency)
	query.Set("kind", string(kind))

	var instruments []Instrument
	if err := c.get(ctx, pathGetInstruments, query, &instruments); err != nil {
		return nil, err
	}
	c.log.Debug().
		Str("currency", currency).
		Str("kind", string(kind)).
		Int("count", len(instruments)).
		Msg("Instruments fetched")
	return instruments, nil
}

// GetInstrumentNames fetches just the instrument names of one currency and
// kind.
func (c *RESTClient) GetInstrumentNames(ctx context.Context, currency string, kind Kind) ([]string, error) {
	instruments, err := c.GetInstruments(ctx, currency, kind)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		names = append(names, inst.InstrumentName)
	}
	return names, nil
}

// GetCurrencies fetches the supported currencies.
func (c *RESTClient) GetCurrencies(ctx context.Context) ([]CurrencyData, error) {
	var currencies []CurrencyData
	if err := c.get(ctx, pathGetCurrencies, nil, &currencies); err != nil {
		return nil, err
	}
	return currencies, nil
}

// GetIndexPrice fetches the current price of one index.
func (c *RESTClient) GetIndexPrice(ctx context.Context, indexName string) (float64, error) {
	query := url.Values{}
	query.Set("index_name", indexName)

	var result struct {
		IndexPrice             float64 `json:"index_price"`
		EstimatedDeliveryPrice float64 `json:"estimated_delivery_price"`
	}
	if err := c.get(ctx, pathGetIndexPrice, query, &result); err != nil {
		return 0, err
	}
	return result.IndexPrice, nil
}
