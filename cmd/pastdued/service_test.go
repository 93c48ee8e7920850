package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gymbot-backend/internal/billing"
	"gymbot-backend/internal/clubos"
	"gymbot-backend/internal/clubos/clubostest"
	"gymbot-backend/internal/components/retry"
	"gymbot-backend/internal/components/telemetry"
	"gymbot-backend/internal/credentials"
	"gymbot-backend/internal/summarystore"
	"gymbot-backend/lib/util/serviceutil"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestService(t *testing.T, ctx context.Context) *Service {
	server := clubostest.NewServer(t)
	server.AddMember("X", clubostest.Agreement{
		ID:          "A",
		EmbedInList: true,
		Invoices: []map[string]any{
			{"id": 1, "invoiceStatus": 5, "invoice_total": 50.0},
			{"id": 2, "invoiceStatus": 2, "invoice_total": 12.5},
		},
	})

	database, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	database.SetMaxOpenConns(1)
	t.Cleanup(func() { database.Close() })

	store, err := summarystore.Open(ctx, database)
	require.NoError(t, err)

	tel := telemetry.NewRecorder()
	client, err := clubos.NewClient(clubos.Options{
		BaseURL:   server.URL,
		Timeout:   5 * time.Second,
		RateLimit: 1000,
		RateBurst: 100,
		Retry: retry.Policy{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		},
	}, tel)
	require.NoError(t, err)

	sweeper := billing.NewSweeper(billing.SweeperOptions{
		Client:      client,
		Credentials: credentials.Static{Username: server.Username, Password: server.Password},
	}, tel)
	return NewService(sweeper, store, []string{"X", "nobody"}, tel)
}

func get(t *testing.T, handler http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	service := newTestService(t, ctx)
	handler := serviceutil.RequireAccessToken("secret", service.Handler())

	res := get(t, handler, "/summaries", "secret")
	require.Equal(t, http.StatusOK, res.Code)
	var summaries []billing.PastDueSummary
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &summaries))
	require.Empty(t, summaries)

	require.NoError(t, service.RunSweep(ctx))

	res = get(t, handler, "/summaries", "")
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res = get(t, handler, "/summaries", "secret")
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "application/json", res.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	require.Equal(t, "X", summaries[0].MemberID)

	res = get(t, handler, "/summaries/X", "secret")
	require.Equal(t, http.StatusOK, res.Code)
	var summary billing.PastDueSummary
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &summary))
	require.Equal(t, 50.0, summary.TotalPastDue)
	require.Equal(t, 1, summary.InvoiceCount)
	require.True(t, summary.Complete)
	require.Empty(t, summary.AgreementsUnavailable)

	res = get(t, handler, "/summaries/nobody", "secret")
	require.Equal(t, http.StatusNotFound, res.Code)
}
