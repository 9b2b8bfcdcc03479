package repository

import (
	"database/sql"
	"errors"
)

// History limits
const (
	DefaultHistoryLimit = 30
	MaxHistoryLimit     = 366
)

// HandleNotFound processes a database query result, converting sql.ErrNoRows
// to a nil result without error. This is a common pattern for Find* operations
// where a missing row is not an error condition.
//
// Usage:
//
//	var rec model.AttendanceRecord
//	err := r.db.GetContext(ctx, &rec, query, args...)
//	return HandleNotFound(&rec, err)
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClampHistoryLimit bounds a caller-supplied history size.
func ClampHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}
