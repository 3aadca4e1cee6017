package discord

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCompensationFailedPayload_Format tests the rollback alert embed
func TestCompensationFailedPayload_Format(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := NewCompensationFailedPayload(CompensationReport{
		UserID:     "u1",
		ReplayID:   "r1",
		FailedStep: "hash_manifest",
		Cause:      "connection reset",
		Orphans:    []string{"record r1", "blob local://replays/u1/r1/a.SC2Replay"},
		At:         at,
	})

	assert.Contains(t, payload.Content, "@here")
	require.Len(t, payload.Embeds, 1)
	embed := payload.Embeds[0]
	assert.Equal(t, colorRed, embed.Color)
	assert.Equal(t, "2026-03-01T12:00:00Z", embed.Timestamp)
	require.Len(t, embed.Fields, 5)
	assert.Equal(t, "hash_manifest", embed.Fields[2].Value)
	assert.Equal(t, "record r1\nblob local://replays/u1/r1/a.SC2Replay", embed.Fields[4].Value)
}

// TestCompensationFailedPayload_LongCause tests field truncation
func TestCompensationFailedPayload_LongCause(t *testing.T) {
	payload := NewCompensationFailedPayload(CompensationReport{Cause: strings.Repeat("x", 3000)})
	cause := payload.Embeds[0].Fields[3].Value
	assert.Len(t, cause, maxFieldValue)
	assert.True(t, strings.HasSuffix(cause, "..."))
	assert.Equal(t, "none recorded", payload.Embeds[0].Fields[4].Value)
}

// TestReindexSummaryPayload tests colors and number formatting
func TestReindexSummaryPayload(t *testing.T) {
	ok := NewReindexSummaryPayload(ReindexReport{Users: 12500, Rebuilt: 3, Duration: 90 * time.Second})
	assert.Equal(t, colorGreen, ok.Embeds[0].Color)
	assert.Equal(t, "12,500", ok.Embeds[0].Fields[0].Value)
	assert.Equal(t, "1m 30s", ok.Embeds[0].Fields[4].Value)

	failed := NewReindexSummaryPayload(ReindexReport{Failed: 1})
	assert.Equal(t, colorOrange, failed.Embeds[0].Color)
}

// TestFormatNumber tests comma grouping
func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "999", formatNumber(999))
	assert.Equal(t, "1,000", formatNumber(1000))
	assert.Equal(t, "1,234,567", formatNumber(1234567))
	assert.Equal(t, "-4,200", formatNumber(-4200))
}

// TestWebhookClient_Send tests that the payload is posted as JSON
func TestWebhookClient_Send(t *testing.T) {
	var got WebhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewWebhookClient(server.URL)
	err := client.SendCompensationFailed(context.Background(), CompensationReport{UserID: "u1", ReplayID: "r1"})
	require.NoError(t, err)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "u1", got.Embeds[0].Fields[0].Value)
}

// TestWebhookClient_RateLimitRetry tests Retry-After handling
func TestWebhookClient_RateLimitRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewWebhookClient(server.URL)
	require.NoError(t, client.SendReindexSummary(context.Background(), ReindexReport{Users: 1}))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

// TestWebhookClient_ErrorStatus tests that other statuses fail without retry
func TestWebhookClient_ErrorStatus(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := NewWebhookClient(server.URL).SendReindexSummary(context.Background(), ReindexReport{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
