package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/partstream/api/internal/domain"
	"github.com/partstream/api/internal/platform/observability"
)

// Logger defines the logging contract for catalog client operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// HTTPDoer abstracts the HTTP client so tests can substitute a recorder.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// BoeingClientConfig configures the BoeingClient.
type BoeingClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	HTTP    HTTPDoer
	Logger  Logger
}

// BoeingClient fetches part data from the Boeing distribution catalog API.
type BoeingClient struct {
	baseURL string
	apiKey  string
	http    HTTPDoer
	logger  Logger
}

// NewBoeingClient constructs a catalog client for the given endpoint.
func NewBoeingClient(cfg BoeingClientConfig) (*BoeingClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("catalog: base url is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("catalog: api key is required")
	}

	doer := cfg.HTTP
	if doer == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		doer = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &BoeingClient{
		baseURL: base,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		http:    doer,
		logger:  logger,
	}, nil
}

// partResponse mirrors the catalog's PART page payload.
type partResponse struct {
	PartNumber      string         `json:"partNumber"`
	Description     string         `json:"description"`
	Manufacturer    string         `json:"manufacturer"`
	Price           *float64       `json:"price"`
	NetPrice        *float64       `json:"netPrice"`
	CostPerItem     *float64       `json:"costPerItem"`
	Currency        string         `json:"currency"`
	QuantityOnHand  *int           `json:"quantityOnHand"`
	InventoryStatus string         `json:"inventoryStatus"`
	Length          *float64       `json:"length"`
	Width           *float64       `json:"width"`
	Height          *float64       `json:"height"`
	DimensionUOM    string         `json:"dimensionUom"`
	Weight          *float64       `json:"weight"`
	WeightUnit      string         `json:"weightUnit"`
	CountryOfOrigin string         `json:"countryOfOrigin"`
	CertCode        string         `json:"certCode"`
	ConditionCode   string         `json:"conditionCode"`
	ImageURL        string         `json:"imageUrl"`
	Extra           map[string]any `json:"extra"`
}

// Fetch retrieves the catalog record for a single part number.
func (c *BoeingClient) Fetch(ctx context.Context, partNumber string) (*domain.RawCatalogItem, error) {
	if c == nil {
		return nil, errors.New("catalog: client is nil")
	}
	part := strings.TrimSpace(partNumber)
	if part == "" {
		return nil, &AdapterError{Transient: false, Message: "empty part number"}
	}

	endpoint := fmt.Sprintf("%s/parts/%s", c.baseURL, url.PathEscape(part))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &AdapterError{Transient: false, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger(ctx, "catalog.fetch.error", map[string]any{"partNumber": observability.SanitizeSKU(part), "error": err.Error()})
		// transport failures (timeouts, connection resets) are worth retrying
		return nil, &AdapterError{Transient: true, Message: "request failed", Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	c.logger(ctx, "catalog.fetch", map[string]any{
		"partNumber": observability.SanitizeSKU(part),
		"status":     resp.StatusCode,
		"elapsedMs":  time.Since(started).Milliseconds(),
	})

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, &AdapterError{Transient: false, Status: resp.StatusCode, Message: "part not found"}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &AdapterError{Transient: true, Status: resp.StatusCode, Message: "rate limited"}
	case resp.StatusCode >= 500:
		return nil, &AdapterError{Transient: true, Status: resp.StatusCode, Message: "catalog unavailable"}
	default:
		return nil, &AdapterError{Transient: false, Status: resp.StatusCode, Message: "unexpected status"}
	}

	var payload partResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &AdapterError{Transient: false, Message: "decode response", Err: err}
	}
	if strings.TrimSpace(payload.PartNumber) == "" {
		payload.PartNumber = part
	}

	return &domain.RawCatalogItem{
		PartNumber:      payload.PartNumber,
		Description:     payload.Description,
		Vendor:          payload.Manufacturer,
		Price:           payload.Price,
		NetPrice:        payload.NetPrice,
		CostPerItem:     payload.CostPerItem,
		Currency:        payload.Currency,
		QuantityOnHand:  payload.QuantityOnHand,
		InventoryStatus: payload.InventoryStatus,
		Length:          payload.Length,
		Width:           payload.Width,
		Height:          payload.Height,
		DimensionUOM:    payload.DimensionUOM,
		Weight:          payload.Weight,
		WeightUnit:      payload.WeightUnit,
		CountryOfOrigin: payload.CountryOfOrigin,
		CertCode:        payload.CertCode,
		ConditionCode:   payload.ConditionCode,
		ImageURL:        payload.ImageURL,
		Extra:           payload.Extra,
	}, nil
}
