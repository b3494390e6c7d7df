package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"strings"
)

// StripVariant removes a trailing variant suffix (everything after the first
// "=") from a part number. The stripped form is the stable join key used for
// cross-stage matching; the same base part may carry different suffixes in the
// extraction and publish queues.
func StripVariant(sku string) string {
	sku = strings.TrimSpace(sku)
	if idx := strings.Index(sku, "="); idx >= 0 {
		sku = sku[:idx]
	}
	return sku
}

// BucketFor assigns a SKU to one of n time buckets. The assignment is a stable
// hash of the stripped SKU so a product keeps its slot across cycles.
func BucketFor(sku string, n int) int {
	if n <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(StripVariant(sku)))
	return int(h.Sum32() % uint32(n))
}

// ContentHash digests the fields of a canonical product that matter to the
// commerce platform. Two products with the same hash need no platform write.
func ContentHash(p CanonicalProduct) string {
	var b strings.Builder
	b.WriteString(StripVariant(p.SKU))
	b.WriteByte('|')
	writeFloat(&b, p.Price)
	b.WriteByte('|')
	writeInt(&b, p.InventoryQty)
	b.WriteByte('|')
	b.WriteString(p.InventoryStatus)
	b.WriteByte('|')
	b.WriteString(p.Title)
	b.WriteByte('|')
	b.WriteString(p.Vendor)
	b.WriteByte('|')
	writeFloat(&b, p.Weight)
	b.WriteByte('|')
	b.WriteString(p.Condition)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeFloat(b *strings.Builder, v *float64) {
	if v == nil {
		b.WriteString("nil")
		return
	}
	fmt.Fprintf(b, "%.4f", *v)
}

func writeInt(b *strings.Builder, v *int) {
	if v == nil {
		b.WriteString("nil")
		return
	}
	fmt.Fprintf(b, "%d", *v)
}
