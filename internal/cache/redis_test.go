package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "diagsync:status", CacheKey("status"))
	assert.Equal(t, "diagsync:status:task-1", CacheKey("status", "task-1"))
	assert.Equal(t, "diagsync:pending:cli:a", CacheKey("pending", "cli", "a"))
}

func TestNewRedisCache_InvalidURL(t *testing.T) {
	_, err := NewRedisCache("not-a-redis-url")
	assert.Error(t, err)
}
