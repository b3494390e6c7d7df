package storage

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

const defaultImageFileName = "primary.jpg"

// ImagePathParams provide the identifiers used to compose mirrored image object keys.
type ImagePathParams struct {
	SKU       string
	SourceURL string
}

// BuildImageObjectPath resolves the bucket object path for a mirrored product image.
// The file name is derived from the source URL, falling back to a stable default
// so re-mirroring the same product overwrites rather than accumulates objects.
func BuildImageObjectPath(params ImagePathParams) (string, error) {
	sku, err := validateSegment("sku", params.SKU)
	if err != nil {
		return "", err
	}

	fileName := defaultImageFileName
	if trimmed := strings.TrimSpace(params.SourceURL); trimmed != "" {
		if parsed, err := url.Parse(trimmed); err == nil {
			if base := path.Base(parsed.Path); base != "" && base != "." && base != "/" {
				if validated, err := validateFileName(base); err == nil {
					fileName = validated
				}
			}
		}
	}

	return fmt.Sprintf("products/%s/images/%s", sku, fileName), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

func validateFileName(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: fileName is required")
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: fileName contains invalid path characters")
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: fileName contains invalid traversal sequence")
	}
	return value, nil
}
