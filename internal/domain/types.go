package domain

import (
	"time"
)

// BatchType distinguishes the lifecycle stage family a batch record tracks.
type BatchType string

const (
	// BatchTypeSearch marks a batch created by an extraction request.
	BatchTypeSearch BatchType = "search"
	// BatchTypeNormalized marks a batch whose items have been canonicalised and
	// are ready for publish selection.
	BatchTypeNormalized BatchType = "normalized"
	// BatchTypePublishing marks a batch currently pushing items to the commerce platform.
	BatchTypePublishing BatchType = "publishing"
)

// BatchStatus describes the lifecycle state of a batch.
type BatchStatus string

const (
	// BatchStatusPending indicates the batch is created but no worker has claimed it.
	BatchStatusPending BatchStatus = "pending"
	// BatchStatusProcessing indicates a stage worker is actively working the batch.
	BatchStatusProcessing BatchStatus = "processing"
	// BatchStatusCompleted indicates every item has been attempted.
	BatchStatusCompleted BatchStatus = "completed"
	// BatchStatusFailed indicates a systemic error aborted the batch.
	BatchStatusFailed BatchStatus = "failed"
	// BatchStatusCancelled indicates the batch was cancelled before completion.
	BatchStatusCancelled BatchStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// StageExtraction, StageNormalization and StagePublishing label per-item
// failure records with the pipeline stage that produced them.
const (
	StageExtraction    = "extraction"
	StageNormalization = "normalization"
	StagePublishing    = "publishing"
)

// FailedItem records a single part number's failure within a batch.
type FailedItem struct {
	PartNumber string    `firestore:"partNumber"`
	Error      string    `firestore:"error"`
	Stage      string    `firestore:"stage"`
	Timestamp  time.Time `firestore:"timestamp"`
}

// Batch is one submitted unit of pipeline work. One record is reused across
// lifecycle stages; stage workers mutate counters with atomic increments only.
type Batch struct {
	ID                 string       `firestore:"-"`
	IdempotencyKey     string       `firestore:"idempotencyKey,omitempty"`
	BatchType          BatchType    `firestore:"batchType"`
	Status             BatchStatus  `firestore:"status"`
	TotalItems         int          `firestore:"totalItems"`
	ExtractedCount     int          `firestore:"extractedCount"`
	NormalizedCount    int          `firestore:"normalizedCount"`
	PublishedCount     int          `firestore:"publishedCount"`
	FailedCount        int          `firestore:"failedCount"`
	SkippedCount       int          `firestore:"skippedCount"`
	PartNumbers        []string     `firestore:"partNumbers"`
	PublishPartNumbers []string     `firestore:"publishPartNumbers,omitempty"`
	FailedItems        []FailedItem `firestore:"failedItems,omitempty"`
	ErrorMessage       string       `firestore:"errorMessage,omitempty"`
	CreatedAt          time.Time    `firestore:"createdAt"`
	UpdatedAt          time.Time    `firestore:"updatedAt"`
	CompletedAt        *time.Time   `firestore:"completedAt,omitempty"`
}

// CounterDelta carries atomic increments for a batch's progress counters.
type CounterDelta struct {
	Extracted  int
	Normalized int
	Published  int
	Failed     int
	Skipped    int
}

// Zero reports whether the delta carries no increments.
func (d CounterDelta) Zero() bool {
	return d.Extracted == 0 && d.Normalized == 0 && d.Published == 0 && d.Failed == 0 && d.Skipped == 0
}

// StagedStatus tracks a staged product's forward-only progress through the pipeline.
type StagedStatus string

const (
	// StagedStatusPending indicates the product is queued but not yet fetched.
	StagedStatusPending StagedStatus = "pending"
	// StagedStatusFetched indicates raw catalog data has been persisted.
	StagedStatusFetched StagedStatus = "fetched"
	// StagedStatusNormalized indicates the canonical record has been produced.
	StagedStatusNormalized StagedStatus = "normalized"
	// StagedStatusPublished indicates the product exists on the commerce platform.
	StagedStatusPublished StagedStatus = "published"
	// StagedStatusFailed indicates a stage rejected the product.
	StagedStatusFailed StagedStatus = "failed"
)

// stagedRank orders statuses so transitions can be validated as forward-only.
var stagedRank = map[StagedStatus]int{
	StagedStatusPending:    0,
	StagedStatusFetched:    1,
	StagedStatusNormalized: 2,
	StagedStatusPublished:  3,
}

// CanAdvance reports whether a staged product may move from its current status
// to the next one. Any status may divert to failed; otherwise only forward
// moves are legal.
func (s StagedStatus) CanAdvance(next StagedStatus) bool {
	if next == StagedStatusFailed {
		return true
	}
	cur, ok := stagedRank[s]
	if !ok {
		// a failed product may be retried from any forward status
		return s == StagedStatusFailed
	}
	nxt, ok := stagedRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// AtLeast reports whether the status has reached the given stage.
func (s StagedStatus) AtLeast(other StagedStatus) bool {
	cur, okCur := stagedRank[s]
	want, okWant := stagedRank[other]
	return okCur && okWant && cur >= want
}

// Dimensions holds a product's physical measurements with their unit of measure.
type Dimensions struct {
	Length *float64 `firestore:"length,omitempty"`
	Width  *float64 `firestore:"width,omitempty"`
	Height *float64 `firestore:"height,omitempty"`
	UOM    string   `firestore:"uom,omitempty"`
}

// CanonicalProduct is the platform-agnostic product record produced by
// normalization and consumed by publishing.
type CanonicalProduct struct {
	SKU             string     `firestore:"sku"`
	Title           string     `firestore:"title"`
	Description     string     `firestore:"description,omitempty"`
	Vendor          string     `firestore:"vendor"`
	Price           *float64   `firestore:"price,omitempty"`
	Currency        string     `firestore:"currency,omitempty"`
	InventoryQty    *int       `firestore:"inventoryQty,omitempty"`
	InventoryStatus string     `firestore:"inventoryStatus,omitempty"`
	Dimensions      Dimensions `firestore:"dimensions,omitempty"`
	Weight          *float64   `firestore:"weight,omitempty"`
	WeightUnit      string     `firestore:"weightUnit,omitempty"`
	CountryOfOrigin string     `firestore:"countryOfOrigin,omitempty"`
	Certification   string     `firestore:"certification,omitempty"`
	Condition       string     `firestore:"condition,omitempty"`
	ImageURL        string     `firestore:"imageUrl,omitempty"`
}

// PublishEligible reports whether the product qualifies for the publishing
// stage: positive inventory and a positive resolved price.
func (p CanonicalProduct) PublishEligible() bool {
	if p.InventoryQty == nil || *p.InventoryQty <= 0 {
		return false
	}
	return p.Price != nil && *p.Price > 0
}

// RawCatalogItem is the catalog adapter's response for one part number,
// preserved verbatim so normalization can be re-run without re-fetching.
type RawCatalogItem struct {
	PartNumber      string             `firestore:"partNumber" json:"partNumber"`
	Description     string             `firestore:"description,omitempty" json:"description,omitempty"`
	Vendor          string             `firestore:"vendor,omitempty" json:"vendor,omitempty"`
	Price           *float64           `firestore:"price,omitempty" json:"price,omitempty"`
	NetPrice        *float64           `firestore:"netPrice,omitempty" json:"netPrice,omitempty"`
	CostPerItem     *float64           `firestore:"costPerItem,omitempty" json:"costPerItem,omitempty"`
	Currency        string             `firestore:"currency,omitempty" json:"currency,omitempty"`
	QuantityOnHand  *int               `firestore:"quantityOnHand,omitempty" json:"quantityOnHand,omitempty"`
	InventoryStatus string             `firestore:"inventoryStatus,omitempty" json:"inventoryStatus,omitempty"`
	Length          *float64           `firestore:"length,omitempty" json:"length,omitempty"`
	Width           *float64           `firestore:"width,omitempty" json:"width,omitempty"`
	Height          *float64           `firestore:"height,omitempty" json:"height,omitempty"`
	DimensionUOM    string             `firestore:"dimensionUom,omitempty" json:"dimensionUom,omitempty"`
	Weight          *float64           `firestore:"weight,omitempty" json:"weight,omitempty"`
	WeightUnit      string             `firestore:"weightUnit,omitempty" json:"weightUnit,omitempty"`
	CountryOfOrigin string             `firestore:"countryOfOrigin,omitempty" json:"countryOfOrigin,omitempty"`
	CertCode        string             `firestore:"certCode,omitempty" json:"certCode,omitempty"`
	ConditionCode   string             `firestore:"conditionCode,omitempty" json:"conditionCode,omitempty"`
	ImageURL        string             `firestore:"imageUrl,omitempty" json:"imageUrl,omitempty"`
	Extra           map[string]any     `firestore:"extra,omitempty" json:"extra,omitempty"`
}

// StagedProduct tracks one part number's pipeline state. Documents are keyed
// by stripped SKU so the same base part matches across extraction and publish
// queues regardless of variant suffix.
type StagedProduct struct {
	SKU       string            `firestore:"-"`
	FullSKU   string            `firestore:"fullSku"`
	BatchID   string            `firestore:"batchId"`
	Status    StagedStatus      `firestore:"status"`
	Raw       *RawCatalogItem   `firestore:"raw,omitempty"`
	Canonical *CanonicalProduct `firestore:"canonical,omitempty"`
	LastError string            `firestore:"lastError,omitempty"`
	CreatedAt time.Time         `firestore:"createdAt"`
	UpdatedAt time.Time         `firestore:"updatedAt"`
}

// PublishedProduct mirrors the commerce platform's view of a product.
// ExternalID is set only after both the remote write and the local persist
// succeed.
type PublishedProduct struct {
	SKU         string           `firestore:"-"`
	ExternalID  string           `firestore:"externalId,omitempty"`
	Canonical   CanonicalProduct `firestore:"canonical"`
	ImageObject string           `firestore:"imageObject,omitempty"`
	ContentHash string           `firestore:"contentHash,omitempty"`
	PublishedAt time.Time        `firestore:"publishedAt"`
	UpdatedAt   time.Time        `firestore:"updatedAt"`
}

// SyncStatus describes a sync-schedule entry's most recent dispatch outcome.
type SyncStatus string

const (
	// SyncStatusPending indicates the entry has not yet been dispatched.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusSyncing indicates a dispatch worker currently holds the entry.
	SyncStatusSyncing SyncStatus = "syncing"
	// SyncStatusSuccess indicates the last dispatch succeeded (or was a no-op skip).
	SyncStatusSuccess SyncStatus = "success"
	// SyncStatusFailed indicates the last dispatch failed.
	SyncStatusFailed SyncStatus = "failed"
)

// SyncEntry is one tracked product's auto-sync bookkeeping, independent of
// any batch.
type SyncEntry struct {
	SKU                 string     `firestore:"-"`
	HourBucket          int        `firestore:"hourBucket"`
	SyncStatus          SyncStatus `firestore:"syncStatus"`
	ConsecutiveFailures int        `firestore:"consecutiveFailures"`
	LastError           string     `firestore:"lastError,omitempty"`
	LastSyncAt          *time.Time `firestore:"lastSyncAt,omitempty"`
	LastPrice           *float64   `firestore:"lastPrice,omitempty"`
	LastQuantity        *int       `firestore:"lastQuantity,omitempty"`
	LastInventoryStatus string     `firestore:"lastInventoryStatus,omitempty"`
	LastContentHash     string     `firestore:"lastContentHash,omitempty"`
	IsActive            bool       `firestore:"isActive"`
	CreatedAt           time.Time  `firestore:"createdAt"`
	UpdatedAt           time.Time  `firestore:"updatedAt"`
}
