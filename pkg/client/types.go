package client

import (
	"encoding/json"
	"fmt"
)

// Category is one independently paginated partition of the remote catalog.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Item is one catalog record. The remote schema is open: different
// categories and pages expose different field sets, so items are modeled as
// a mapping of field name to dynamically-typed value.
type Item map[string]any

// categoriesResponse accepts either {"categories":[...]} or a bare array.
type categoriesResponse struct {
	Categories []Category `json:"categories"`
}

// itemsResponse accepts either {"items":[...]} or a bare array.
type itemsResponse struct {
	Items []Item `json:"items"`
}

// parseCategories decodes a category directory response body.
func parseCategories(body []byte) ([]Category, error) {
	var wrapped categoriesResponse
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Categories != nil {
		return wrapped.Categories, nil
	}

	var bare []Category
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}
	return bare, nil
}

// parseItems decodes a listing page response body.
func parseItems(body []byte) ([]Item, error) {
	var wrapped itemsResponse
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Items != nil {
		return wrapped.Items, nil
	}

	var bare []Item
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	return bare, nil
}
