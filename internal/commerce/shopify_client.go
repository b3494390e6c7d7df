package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/partstream/api/internal/domain"
	"github.com/partstream/api/internal/platform/observability"
)

// Logger defines the logging contract for commerce client operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// HTTPDoer abstracts the HTTP client so tests can substitute a recorder.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ShopifyClientConfig configures the ShopifyClient.
type ShopifyClientConfig struct {
	ShopDomain  string
	AccessToken string
	APIVersion  string
	LocationID  string
	Timeout     time.Duration
	HTTP        HTTPDoer
	Logger      Logger
}

// ShopifyClient implements the Adapter interface against Shopify's REST Admin API.
type ShopifyClient struct {
	baseURL    string
	token      string
	locationID string
	http       HTTPDoer
	logger     Logger
}

// NewShopifyClient constructs a commerce client for the given shop.
func NewShopifyClient(cfg ShopifyClientConfig) (*ShopifyClient, error) {
	domainName := strings.TrimSpace(cfg.ShopDomain)
	if domainName == "" {
		return nil, errors.New("commerce: shop domain is required")
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("commerce: access token is required")
	}
	version := strings.TrimSpace(cfg.APIVersion)
	if version == "" {
		version = "2024-07"
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

	return &ShopifyClient{
		baseURL:    fmt.Sprintf("https://%s/admin/api/%s", domainName, version),
		token:      strings.TrimSpace(cfg.AccessToken),
		locationID: strings.TrimSpace(cfg.LocationID),
		http:       doer,
		logger:     logger,
	}, nil
}

type shopifyVariant struct {
	ID                int64  `json:"id,omitempty"`
	SKU               string `json:"sku"`
	Price             string `json:"price,omitempty"`
	InventoryQuantity *int   `json:"inventory_quantity,omitempty"`
	InventoryPolicy   string `json:"inventory_policy,omitempty"`
	Weight            string `json:"weight,omitempty"`
	WeightUnit        string `json:"weight_unit,omitempty"`
	CountryCodeOfOrig string `json:"country_code_of_origin,omitempty"`
}

type shopifyMetafield struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Type      string `json:"type"`
}

type shopifyProduct struct {
	ID         int64              `json:"id,omitempty"`
	Title      string             `json:"title"`
	BodyHTML   string             `json:"body_html,omitempty"`
	Vendor     string             `json:"vendor,omitempty"`
	Status     string             `json:"status,omitempty"`
	Variants   []shopifyVariant   `json:"variants"`
	Metafields []shopifyMetafield `json:"metafields,omitempty"`
}

type productEnvelope struct {
	Product shopifyProduct `json:"product"`
}

type productListEnvelope struct {
	Products []shopifyProduct `json:"products"`
}

// CreateOrUpdate pushes the product to Shopify, updating it in place when a
// product with the same SKU already exists.
func (c *ShopifyClient) CreateOrUpdate(ctx context.Context, product domain.CanonicalProduct) (string, error) {
	if c == nil {
		return "", errors.New("commerce: client is nil")
	}
	sku := domain.StripVariant(product.SKU)
	if sku == "" {
		return "", &AdapterError{Transient: false, Message: "product has no sku"}
	}

	existingID, err := c.Exists(ctx, sku)
	if err != nil {
		return "", err
	}

	payload := productEnvelope{Product: buildShopifyProduct(product, sku)}

	var (
		method   = http.MethodPost
		endpoint = c.baseURL + "/products.json"
	)
	if existingID != "" {
		method = http.MethodPut
		endpoint = fmt.Sprintf("%s/products/%s.json", c.baseURL, url.PathEscape(existingID))
	}

	var out productEnvelope
	if err := c.do(ctx, method, endpoint, payload, &out); err != nil {
		return "", err
	}
	if out.Product.ID == 0 {
		return "", &AdapterError{Transient: false, Message: "response missing product id"}
	}

	externalID := strconv.FormatInt(out.Product.ID, 10)
	c.logger(ctx, "commerce.product.upserted", map[string]any{"sku": observability.SanitizeSKU(sku), "externalId": externalID, "updated": existingID != ""})
	return externalID, nil
}

// Delete removes a product from Shopify. Deleting an already-absent product
// is treated as success so saga compensation stays idempotent.
func (c *ShopifyClient) Delete(ctx context.Context, externalID string) error {
	if c == nil {
		return errors.New("commerce: client is nil")
	}
	id := strings.TrimSpace(externalID)
	if id == "" {
		return &AdapterError{Transient: false, Message: "empty external id"}
	}

	endpoint := fmt.Sprintf("%s/products/%s.json", c.baseURL, url.PathEscape(id))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, nil)
	var ae *AdapterError
	if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
		return nil
	}
	if err == nil {
		c.logger(ctx, "commerce.product.deleted", map[string]any{"externalId": id})
	}
	return err
}

// Exists resolves a SKU to its Shopify product id, or "" when no product
// carries the SKU.
func (c *ShopifyClient) Exists(ctx context.Context, sku string) (string, error) {
	if c == nil {
		return "", errors.New("commerce: client is nil")
	}
	stripped := domain.StripVariant(sku)
	if stripped == "" {
		return "", &AdapterError{Transient: false, Message: "empty sku"}
	}

	endpoint := fmt.Sprintf("%s/products.json?fields=id,variants&limit=5&sku=%s", c.baseURL, url.QueryEscape(stripped))
	var out productListEnvelope
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return "", err
	}
	for _, product := range out.Products {
		for _, variant := range product.Variants {
			if domain.StripVariant(variant.SKU) == stripped {
				return strconv.FormatInt(product.ID, 10), nil
			}
		}
	}
	return "", nil
}

func buildShopifyProduct(product domain.CanonicalProduct, sku string) shopifyProduct {
	variant := shopifyVariant{
		SKU:               sku,
		InventoryPolicy:   "deny",
		CountryCodeOfOrig: product.CountryOfOrigin,
	}
	if product.Price != nil {
		variant.Price = strconv.FormatFloat(*product.Price, 'f', 2, 64)
	}
	if product.InventoryQty != nil {
		variant.InventoryQuantity = product.InventoryQty
	}
	if product.Weight != nil {
		variant.Weight = strconv.FormatFloat(*product.Weight, 'f', 3, 64)
		variant.WeightUnit = product.WeightUnit
	}

	metafields := make([]shopifyMetafield, 0, 3)
	if product.Certification != "" {
		metafields = append(metafields, shopifyMetafield{
			Namespace: "parts", Key: "certification", Value: product.Certification, Type: "single_line_text_field",
		})
	}
	if product.Condition != "" {
		metafields = append(metafields, shopifyMetafield{
			Namespace: "parts", Key: "condition", Value: product.Condition, Type: "single_line_text_field",
		})
	}
	if product.Dimensions.UOM != "" {
		metafields = append(metafields, shopifyMetafield{
			Namespace: "parts", Key: "dimension_uom", Value: product.Dimensions.UOM, Type: "single_line_text_field",
		})
	}

	title := product.Title
	if title == "" {
		title = sku
	}

	return shopifyProduct{
		Title:      title,
		BodyHTML:   product.Description,
		Vendor:     product.Vendor,
		Status:     "active",
		Variants:   []shopifyVariant{variant},
		Metafields: metafields,
	}
}

func (c *ShopifyClient) do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return &AdapterError{Transient: false, Message: "encode payload", Err: err}
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return &AdapterError{Transient: false, Message: "build request", Err: err}
	}
	req.Header.Set("X-Shopify-Access-Token", c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &AdapterError{Transient: true, Message: "request failed", Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &AdapterError{Transient: true, Status: resp.StatusCode, Message: "platform unavailable"}
	default:
		return &AdapterError{Transient: false, Status: resp.StatusCode, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &AdapterError{Transient: false, Message: "decode response", Err: err}
	}
	return nil
}
