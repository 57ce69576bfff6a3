package integrationtests

import (
	"auction-engine/internal/app"
	"auction-engine/internal/config"
	model "auction-engine/internal/models"
	"auction-engine/internal/repository"
	"auction-engine/services/bidding/helpers"
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	q := config.QueueConfig{
		Concurrency:     2,
		PollInterval:    5 * time.Millisecond,
		StalledInterval: 100 * time.Millisecond,
		LockDuration:    time.Second,
		RetryBackoff:    10 * time.Millisecond,
	}
	return &config.Config{
		HTTP:    config.HTTPConfig{Port: "0", ShutdownTimeout: time.Second},
		Metrics: config.MetricsConfig{Namespace: "integration"},
		Workers: config.WorkersConfig{Timers: q, AutoBids: q, Notifications: q},
		Jobs: config.JobsConfig{
			FinalizePriority:        5,
			AutoBidPriority:         1,
			NotificationPriority:    10,
			FinalizeMaxAttempts:     3,
			AutoBidMaxAttempts:      3,
			NotificationMaxAttempts: 3,
		},
		Recovery: config.RecoveryConfig{Enabled: true, BatchSize: 100},
	}
}

// SetupTestApp builds the full in-memory component graph with running workers.
// Requests go straight to the router, no listener is opened.
func SetupTestApp(t *testing.T, products ...model.Product) *app.App {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	a, err := app.New(ctx, testConfig())
	require.NoError(t, err)

	mem := a.Repo.(*repository.MemoryRepo)
	for _, p := range products {
		mem.AddProduct(p)
	}

	require.NoError(t, a.Pool.Start(ctx))
	t.Cleanup(func() {
		cancel()
		a.Pool.Stop()
	})
	return a
}

// ActiveProduct returns a running auction that ends in an hour
func ActiveProduct(id string) model.Product {
	now := time.Now().UTC()
	return model.Product{
		ProductID:    id,
		SellerID:     "seller",
		Title:        "title " + id,
		Status:       model.StatusActive,
		StartPrice:   50000,
		StepPrice:    10000,
		CurrentPrice: 50000,
		StartTime:    now.Add(-time.Hour),
		EndTime:      now.Add(time.Hour),
	}
}

// ExecuteRequestAndParse executes an HTTP request as userID and parses the response envelope
func ExecuteRequestAndParse(t *testing.T, a *app.App, method, url, userID string, body any) (map[string]any, *httptest.ResponseRecorder) {
	t.Helper()

	var reqBody []byte
	switch v := body.(type) {
	case nil:
	case []byte:
		reqBody = v
	case string:
		reqBody = []byte(v)
	default:
		var err error
		reqBody, err = json.Marshal(v)
		require.NoError(t, err, "failed to marshal body")
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, url, bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(helpers.UserIDHeader, userID)
	}
	a.Router.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "failed to unmarshal response")
	}
	return resp, w
}

// Data returns the data field of a success envelope as an object
func Data(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	data, ok := resp["data"].(map[string]any)
	require.True(t, ok, "response data is not an object: %v", resp)
	return data
}
