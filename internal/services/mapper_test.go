package services

import (
	"testing"

	"github.com/partstream/api/internal/domain"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

func TestNormalizePricePrecedence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  domain.RawCatalogItem
		want *float64
	}{
		{
			name: "cost per item wins",
			raw:  domain.RawCatalogItem{PartNumber: "AN3-4A", CostPerItem: fptr(10), NetPrice: fptr(20), Price: fptr(30)},
			want: fptr(10),
		},
		{
			name: "net price next",
			raw:  domain.RawCatalogItem{PartNumber: "AN3-4A", NetPrice: fptr(20), Price: fptr(30)},
			want: fptr(20),
		},
		{
			name: "list price last",
			raw:  domain.RawCatalogItem{PartNumber: "AN3-4A", Price: fptr(30)},
			want: fptr(30),
		},
		{
			name: "all absent",
			raw:  domain.RawCatalogItem{PartNumber: "AN3-4A"},
			want: nil,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			product, err := Normalize(tc.raw)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if tc.want == nil {
				if product.Price != nil {
					t.Fatalf("expected nil price, got %v", *product.Price)
				}
				if product.PublishEligible() {
					t.Fatal("priceless product must not be publish eligible")
				}
				return
			}
			if product.Price == nil || *product.Price != *tc.want {
				t.Fatalf("unexpected price: %v, want %v", product.Price, *tc.want)
			}
		})
	}
}

func TestNormalizeRequiresPartNumber(t *testing.T) {
	t.Parallel()

	_, err := Normalize(domain.RawCatalogItem{Description: "a bolt with no identity"})
	if !IsMappingError(err) {
		t.Fatalf("expected MappingError, got %v", err)
	}
}

func TestNormalizeCodeLookupsWithDefaults(t *testing.T) {
	t.Parallel()

	product, err := Normalize(domain.RawCatalogItem{
		PartNumber:    "MS21042L3",
		CertCode:      "8130",
		ConditionCode: "OH",
		DimensionUOM:  "MM",
		WeightUnit:    "KG",
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if product.Certification != "FAA 8130-3" {
		t.Fatalf("cert not mapped: %s", product.Certification)
	}
	if product.Condition != "Overhauled" {
		t.Fatalf("condition not mapped: %s", product.Condition)
	}
	if product.Dimensions.UOM != "mm" || product.WeightUnit != "kg" {
		t.Fatalf("units not mapped: %s %s", product.Dimensions.UOM, product.WeightUnit)
	}

	fallback, err := Normalize(domain.RawCatalogItem{
		PartNumber:    "MS21042L3",
		CertCode:      "ZZZ",
		ConditionCode: "??",
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if fallback.Certification != DefaultCertification || fallback.Condition != DefaultCondition {
		t.Fatalf("unmapped codes must fall back to defaults: %s %s", fallback.Certification, fallback.Condition)
	}
	if fallback.Vendor != DefaultVendor {
		t.Fatalf("missing vendor must fall back: %s", fallback.Vendor)
	}
}

func TestNormalizeTitleFallsBackToStrippedSKU(t *testing.T) {
	t.Parallel()

	product, err := Normalize(domain.RawCatalogItem{PartNumber: "BACB30LE5K7=2"})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if product.Title != "BACB30LE5K7" {
		t.Fatalf("unexpected title: %s", product.Title)
	}
	if product.SKU != "BACB30LE5K7=2" {
		t.Fatalf("sku must keep its variant suffix: %s", product.SKU)
	}
}
