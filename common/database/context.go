package database

import (
	"context"
	"time"
)

const (
	// QueryTimeout bounds catalog reads and connection checks.
	QueryTimeout = 5 * time.Second
	// WriteTimeout bounds a single outcome or catalog upsert.
	WriteTimeout = 10 * time.Second
)

// QueryContext derives a read deadline from parent.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, QueryTimeout)
}

// WriteContext derives a write deadline from parent.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, WriteTimeout)
}
