package pagination

import (
	"fmt"
	"strconv"

	"callsession-backend/pkg/constants"
)

// Params represents limit/offset pagination
type Params struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Clamp bounds limit to [1, MaxPageSize], defaulting a non-positive limit,
// and floors offset at zero
func Clamp(limit, offset int) Params {
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// ParseLimitOffset parses pagination parameters from query string values.
// Empty values take the defaults; non-numeric values are an error.
func ParseLimitOffset(limitStr, offsetStr string) (Params, error) {
	limit := 0
	offset := 0

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return Params{}, fmt.Errorf("invalid limit parameter: %w", err)
		}
		limit = l
	}

	if offsetStr != "" {
		o, err := strconv.Atoi(offsetStr)
		if err != nil {
			return Params{}, fmt.Errorf("invalid offset parameter: %w", err)
		}
		offset = o
	}

	return Clamp(limit, offset), nil
}
