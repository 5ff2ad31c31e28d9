package indexer

import "fmt"

// PageSizes splits a backfill of limit signatures into getSignaturesForAddress
// calls of at most pageSize each.
func PageSizes(limit, pageSize int) ([]int, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be greater than zero")
	}
	if limit < 0 {
		return nil, fmt.Errorf("backfill limit must not be negative")
	}

	pages := make([]int, 0, limit/pageSize+1)
	for remaining := limit; remaining > 0; remaining -= pageSize {
		if remaining < pageSize {
			pages = append(pages, remaining)
			break
		}
		pages = append(pages, pageSize)
	}
	return pages, nil
}
