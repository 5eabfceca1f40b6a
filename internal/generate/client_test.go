package generate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/summary-archive/internal/errors"
	"github.com/summary-archive/internal/types"
)

func testClient(t *testing.T, serverURL string) *SummarizerClient {
	t.Helper()
	c := NewSummarizerClient(ClientConfig{
		BaseURL:           serverURL,
		APIKey:            "test-key",
		DefaultModel:      "gpt-4o-mini",
		RequestsPerSecond: 1000,
		Timeout:           5 * time.Second,
	})
	c.retryConfig.InitialDelay = time.Millisecond
	c.retryConfig.MaxDelay = 5 * time.Millisecond
	return c
}

func testSource() types.Source {
	return types.Source{Type: types.SourceDiscord, ServerID: "guild-1", ChannelID: "chan-1"}
}

func testPeriod() types.Period {
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	return types.Period{Start: start, End: start.AddDate(0, 0, 1)}
}

func TestGenerate_Success(t *testing.T) {
	var gotAuth string
	var gotReq generateRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(generateResponse{
			SummaryID: "sum-123",
			TokensIn:  9500,
			TokensOut: 640,
			CostUSD:   0.031,
		})
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	result, err := client.Generate(context.Background(), testSource(), testPeriod(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "sum-123", result.SummaryID)
	assert.Equal(t, int64(9500), result.TokensIn)
	assert.Equal(t, int64(640), result.TokensOut)
	assert.InDelta(t, 0.031, result.CostUSD, 1e-9)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "discord", gotReq.SourceType)
	assert.Equal(t, "guild-1", gotReq.ServerID)
	assert.Equal(t, "2026-03-10", gotReq.PeriodStart)
	assert.Equal(t, "2026-03-11", gotReq.PeriodEnd)
	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
}

func TestGenerate_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(generateResponse{SummaryID: "sum-retry", TokensIn: 100, TokensOut: 10, CostUSD: 0.001})
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	result, err := client.Generate(context.Background(), testSource(), testPeriod(), Options{})
	require.NoError(t, err)
	assert.Equal(t, "sum-retry", result.SummaryID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerate_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"unknown model"}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	_, err := client.Generate(context.Background(), testSource(), testPeriod(), Options{Model: "bogus"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryCollaborator))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerate_HonorsContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Generate(ctx, testSource(), testPeriod(), Options{})
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryCollaborator))
	assert.Less(t, time.Since(start), time.Second)
}

func TestGenerate_DefaultModelApplied(t *testing.T) {
	var gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		json.NewEncoder(w).Encode(generateResponse{SummaryID: "s", TokensIn: 1, TokensOut: 1})
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	_, err := client.Generate(context.Background(), testSource(), testPeriod(), Options{Model: "claude-haiku"})
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku", gotModel)
}
