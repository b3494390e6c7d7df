package commerce

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/partstream/api/internal/domain"
)

type stubDoer struct {
	requests []*http.Request
	bodies   []string
	fn       func(req *http.Request) (*http.Response, error)
}

func (s *stubDoer) Do(req *http.Request) (*http.Response, error) {
	s.requests = append(s.requests, req)
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		s.bodies = append(s.bodies, string(raw))
	} else {
		s.bodies = append(s.bodies, "")
	}
	return s.fn(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestClient(t *testing.T, doer *stubDoer) *ShopifyClient {
	t.Helper()
	client, err := NewShopifyClient(ShopifyClientConfig{
		ShopDomain:  "parts-test.myshopify.com",
		AccessToken: "shpat_test",
		APIVersion:  "2024-07",
		HTTP:        doer,
	})
	if err != nil {
		t.Fatalf("NewShopifyClient: %v", err)
	}
	return client
}

func canonical(sku string, price float64, qty int) domain.CanonicalProduct {
	return domain.CanonicalProduct{
		SKU:          sku,
		Title:        "Hex Bolt",
		Vendor:       "Boeing",
		Price:        &price,
		InventoryQty: &qty,
	}
}

func TestCreateOrUpdateCreatesWhenAbsent(t *testing.T) {
	t.Parallel()

	doer := &stubDoer{fn: func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodGet {
			return jsonResponse(http.StatusOK, `{"products":[]}`), nil
		}
		return jsonResponse(http.StatusCreated, `{"product":{"id":123456}}`), nil
	}}
	client := newTestClient(t, doer)

	externalID, err := client.CreateOrUpdate(context.Background(), canonical("AN3-4A=2", 9.5, 3))
	if err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}
	if externalID != "123456" {
		t.Fatalf("unexpected external id: %s", externalID)
	}

	create := doer.requests[1]
	if create.Method != http.MethodPost || !strings.HasSuffix(create.URL.Path, "/products.json") {
		t.Fatalf("unexpected create request: %s %s", create.Method, create.URL)
	}
	if create.Header.Get("X-Shopify-Access-Token") != "shpat_test" {
		t.Fatal("access token header missing")
	}

	var envelope productEnvelope
	if err := json.Unmarshal([]byte(doer.bodies[1]), &envelope); err != nil {
		t.Fatalf("decode create body: %v", err)
	}
	if len(envelope.Product.Variants) != 1 || envelope.Product.Variants[0].SKU != "AN3-4A" {
		t.Fatalf("variant sku not stripped: %+v", envelope.Product.Variants)
	}
	if envelope.Product.Variants[0].Price != "9.50" {
		t.Fatalf("unexpected price: %s", envelope.Product.Variants[0].Price)
	}
}

func TestCreateOrUpdateUpdatesExisting(t *testing.T) {
	t.Parallel()

	doer := &stubDoer{fn: func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodGet {
			return jsonResponse(http.StatusOK, `{"products":[{"id":777,"variants":[{"sku":"AN3-4A"}]}]}`), nil
		}
		return jsonResponse(http.StatusOK, `{"product":{"id":777}}`), nil
	}}
	client := newTestClient(t, doer)

	externalID, err := client.CreateOrUpdate(context.Background(), canonical("AN3-4A", 9.5, 3))
	if err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}
	if externalID != "777" {
		t.Fatalf("unexpected external id: %s", externalID)
	}

	update := doer.requests[1]
	if update.Method != http.MethodPut || !strings.Contains(update.URL.Path, "/products/777.json") {
		t.Fatalf("expected PUT to existing product, got %s %s", update.Method, update.URL)
	}
}

func TestDeleteTreatsMissingAsSuccess(t *testing.T) {
	t.Parallel()

	doer := &stubDoer{fn: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusNotFound, `{}`), nil
	}}
	client := newTestClient(t, doer)

	if err := client.Delete(context.Background(), "123"); err != nil {
		t.Fatalf("Delete of absent product should succeed, got %v", err)
	}
}

func TestExistsMatchesOnStrippedSKU(t *testing.T) {
	t.Parallel()

	doer := &stubDoer{fn: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"products":[{"id":42,"variants":[{"sku":"MS21042L3=KIT"}]}]}`), nil
	}}
	client := newTestClient(t, doer)

	externalID, err := client.Exists(context.Background(), "MS21042L3=2")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if externalID != "42" {
		t.Fatalf("unexpected external id: %s", externalID)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	doer := &stubDoer{fn: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusServiceUnavailable, `{}`), nil
	}}
	client := newTestClient(t, doer)

	_, err := client.Exists(context.Background(), "AN3-4A")
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
