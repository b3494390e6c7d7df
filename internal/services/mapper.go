package services

import (
	"strings"

	"github.com/partstream/api/internal/domain"
)

// Defaults substituted when the catalog omits or uses an unmapped code.
const (
	DefaultVendor        = "Boeing"
	DefaultCertification = "Certificate of Conformance"
	DefaultCondition     = "New"
	DefaultCurrency      = "USD"
	DefaultWeightUnit    = "lb"
	DefaultDimensionUOM  = "in"
)

// uomTable maps catalog dimension codes onto commerce units.
var uomTable = map[string]string{
	"IN": "in",
	"FT": "ft",
	"CM": "cm",
	"MM": "mm",
	"M":  "m",
	"EA": "in",
}

// certTable maps catalog certification codes onto display names.
var certTable = map[string]string{
	"COC":  "Certificate of Conformance",
	"8130": "FAA 8130-3",
	"COO":  "Certificate of Origin",
	"MTR":  "Material Test Report",
}

// conditionTable maps catalog condition codes onto display names.
var conditionTable = map[string]string{
	"NE": "New",
	"NS": "New Surplus",
	"OH": "Overhauled",
	"SV": "Serviceable",
	"AR": "As Removed",
}

// weightUnitTable maps catalog weight codes onto commerce units.
var weightUnitTable = map[string]string{
	"LB": "lb",
	"KG": "kg",
	"OZ": "oz",
	"G":  "g",
}

// Normalize converts a raw catalog item into the canonical product record. It
// is deterministic and side-effect free. Price precedence is cost_per_item,
// then net_price, then price; the first non-nil value wins. Unmapped codes
// fall back to documented defaults; the only hard failure is a missing part
// number.
func Normalize(raw domain.RawCatalogItem) (domain.CanonicalProduct, error) {
	sku := strings.TrimSpace(raw.PartNumber)
	if sku == "" {
		return domain.CanonicalProduct{}, &MappingError{Message: "part number is required"}
	}

	title := strings.TrimSpace(raw.Description)
	if title == "" {
		title = domain.StripVariant(sku)
	}

	vendor := strings.TrimSpace(raw.Vendor)
	if vendor == "" {
		vendor = DefaultVendor
	}

	currency := strings.ToUpper(strings.TrimSpace(raw.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}

	product := domain.CanonicalProduct{
		SKU:             sku,
		Title:           title,
		Description:     strings.TrimSpace(raw.Description),
		Vendor:          vendor,
		Price:           resolvePrice(raw),
		Currency:        currency,
		InventoryQty:    raw.QuantityOnHand,
		InventoryStatus: strings.TrimSpace(raw.InventoryStatus),
		Dimensions: domain.Dimensions{
			Length: raw.Length,
			Width:  raw.Width,
			Height: raw.Height,
			UOM:    lookup(uomTable, raw.DimensionUOM, DefaultDimensionUOM),
		},
		Weight:          raw.Weight,
		WeightUnit:      lookup(weightUnitTable, raw.WeightUnit, DefaultWeightUnit),
		CountryOfOrigin: strings.ToUpper(strings.TrimSpace(raw.CountryOfOrigin)),
		Certification:   lookup(certTable, raw.CertCode, DefaultCertification),
		Condition:       lookup(conditionTable, raw.ConditionCode, DefaultCondition),
		ImageURL:        strings.TrimSpace(raw.ImageURL),
	}
	return product, nil
}

// resolvePrice applies the cost_per_item ?? net_price ?? price precedence.
func resolvePrice(raw domain.RawCatalogItem) *float64 {
	switch {
	case raw.CostPerItem != nil:
		return raw.CostPerItem
	case raw.NetPrice != nil:
		return raw.NetPrice
	case raw.Price != nil:
		return raw.Price
	}
	return nil
}

func lookup(table map[string]string, code, fallback string) string {
	key := strings.ToUpper(strings.TrimSpace(code))
	if key == "" {
		return fallback
	}
	if mapped, ok := table[key]; ok {
		return mapped
	}
	return fallback
}
