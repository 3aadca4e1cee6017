package valkeyx

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewClient_Ping tests connecting to a miniredis instance
func TestNewClient_Ping(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(Config{Addr: mr.Addr(), DisableCache: true})
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, Ping(ctx, client))

	err = client.Do(ctx, client.B().Get().Key("missing").Build()).Error()
	assert.True(t, IsNil(err))
	assert.True(t, IsNil(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsNil(errors.New("other")))
	assert.False(t, IsNil(nil))
}

// TestNewClient_EmptyAddr tests configuration validation
func TestNewClient_EmptyAddr(t *testing.T) {
	_, err := NewClient(Config{Addr: "  "})
	assert.Error(t, err)
	assert.Error(t, Ping(context.Background(), nil))
}

// TestBuildKey tests key formatting
func TestBuildKey(t *testing.T) {
	assert.Equal(t, "lock:index:u1", BuildKey("lock:index", " u1 "))
	assert.Equal(t, "series:u1:weekly:TvZ", BuildKey("series", "u1", "weekly", "TvZ"))
	assert.Equal(t, "prefix", BuildKey("prefix"))
}
