// Package utils holds small helpers shared by the HTTP and service layers.
package utils

import "strconv"

// DefaultPageSize applies when a caller asks for a non-positive page size.
const DefaultPageSize = 20

// AtoiDefault parses s as an int, returning def when s is empty or invalid.
// Surrounding whitespace is not trimmed.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// NormalizePage coerces a 1-based page and a page size into valid values and
// returns the row offset of that page.
//
//	page, size, off := utils.NormalizePage(0, 0) // 1, 20, 0
//	page, size, off = utils.NormalizePage(3, 10) // 3, 10, 20
func NormalizePage(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return page, pageSize, (page - 1) * pageSize
}
