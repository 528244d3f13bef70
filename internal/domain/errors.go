package domain

import "errors"

// Domain errors
var (
	ErrInvalidMap       = errors.New("invalid map parameter")
	ErrRateLimited      = errors.New("too many requests")
	ErrStoreUnavailable = errors.New("database connection unavailable")
	ErrCacheMiss        = errors.New("cache entry not found")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

// IsCacheMiss checks if an error means the cache has no usable entry
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
