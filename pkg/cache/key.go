package cache

import (
	"fmt"
)

// Key identifies one cached page fetch.
type Key struct {
	// CategoryID is the owning category's identifier.
	CategoryID string

	// Page is the zero-based page index.
	Page int

	// PageSize is the requested page size; different sizes shift page
	// boundaries, so they cache separately.
	PageSize int
}

// String generates a deterministic cache key string.
//
// Example:
//
//	harvest:phones:p=3:n=20
func (k Key) String() string {
	return fmt.Sprintf("harvest:%s:p=%d:n=%d", k.CategoryID, k.Page, k.PageSize)
}
