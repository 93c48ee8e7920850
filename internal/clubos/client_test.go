package clubos

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"gymbot-backend/internal/clubos/clubostest"
	"gymbot-backend/internal/components/chrono"
	"gymbot-backend/internal/components/retry"
	"gymbot-backend/internal/components/telemetry"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, server *clubostest.Server) (*Client, *telemetry.Recorder) {
	tel := telemetry.NewRecorder()
	client, err := NewClient(Options{
		BaseURL:   server.URL,
		ClubID:    "291",
		Timeout:   5 * time.Second,
		RateLimit: 1000,
		RateBurst: 100,
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
		Time: chrono.NewFixedTime(time.Date(2025, 9, 14, 12, 0, 0, 0, time.UTC)),
	}, tel)
	require.NoError(t, err)
	return client, tel
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func login(t *testing.T, client *Client, server *clubostest.Server) *Session {
	session, err := client.Authenticate(testContext(t), server.Username, server.Password)
	require.NoError(t, err)
	return session
}

func pastDue(id string, amount any) map[string]any {
	return map[string]any{"id": id, "invoiceStatus": 5, "invoice_total": amount, "dueDate": "2025-08-01"}
}

func paid(id string, amount any) map[string]any {
	return map[string]any{"id": id, "invoiceStatus": 1, "invoice_total": amount, "dueDate": "2025-07-01"}
}

func TestAuthenticate(t *testing.T) {
	server := clubostest.NewServer(t)
	client, _ := newTestClient(t, server)

	session := login(t, client, server)
	require.True(t, session.Alive())
	require.NotEmpty(t, session.SessionID)
	require.Equal(t, clubostest.LoggedInUserID, session.LoggedInUserID)
	require.Equal(t, CsrfTokens{
		SourcePage:  clubostest.SourcePageToken,
		Fingerprint: clubostest.FingerprintToken,
	}, session.CSRF)
	require.Equal(t, 1, server.Counts().LoginPosts)
}

func TestAuthenticateRejected(t *testing.T) {
	server := clubostest.NewServer(t)
	client, _ := newTestClient(t, server)

	_, err := client.Authenticate(testContext(t), server.Username, "wrong")
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, server.Username, authErr.Username)
	require.Equal(t, 1, server.Counts().LoginPosts)
}

func TestAuthenticateMissingFingerprint(t *testing.T) {
	server := clubostest.NewServer(t)
	server.OmitFingerprint = true
	client, tel := newTestClient(t, server)

	_, err := client.Authenticate(testContext(t), server.Username, server.Password)
	var csrfErr *MissingCsrfTokenError
	require.ErrorAs(t, err, &csrfErr)
	require.Equal(t, "__fp", csrfErr.Field)

	counts := server.Counts()
	require.Equal(t, 0, counts.LoginPosts)
	require.Equal(t, 1, counts.LoginPages)
	require.Len(t, tel.Reports(telemetry.KindBroken, report_session_authenticate), 1)
}

func TestAuthenticateRetriesLoginPage(t *testing.T) {
	server := clubostest.NewServer(t)
	server.LoginPageFailures = 1
	client, _ := newTestClient(t, server)

	login(t, client, server)
	counts := server.Counts()
	require.Equal(t, 2, counts.LoginPages)
	require.Equal(t, 1, counts.LoginPosts)
}

func TestDelegateThenDetail(t *testing.T) {
	server := clubostest.NewServer(t)
	server.AddMember("X", clubostest.Agreement{
		ID:       "1001",
		Name:     "PT 24 sessions",
		Invoices: []map[string]any{pastDue("9001", 50.0)},
	})
	client, _ := newTestClient(t, server)
	ctx := testContext(t)

	session := login(t, client, server)
	delegation, err := client.DelegateTo(ctx, session, "X")
	require.NoError(t, err)
	require.Equal(t, "X", delegation.MemberID)
	require.Equal(t, server.BearerToken("X"), delegation.BearerToken)
	require.False(t, delegation.EstablishedAt.IsZero())

	detail, report, err := client.FetchAgreementDetail(ctx, NewAuthContext(session, delegation), "1001")
	require.NoError(t, err)
	require.Len(t, report.Attempts, 1)
	require.Equal(t, "1001", detail.ID)
	require.Equal(t, "PT 24 sessions", detail.Name)
	require.Len(t, detail.Invoices, 1)
	require.Equal(t, StatusPastDue, detail.Invoices[0].Status)
	require.Equal(t, 50.0, detail.Invoices[0].Amount)

	// the delegation alone authorized the api call
	require.Equal(t, 1, server.Counts().LoginPosts)
}

func TestDelegateUnknownMember(t *testing.T) {
	server := clubostest.NewServer(t)
	client, _ := newTestClient(t, server)
	ctx := testContext(t)

	session := login(t, client, server)
	_, err := client.DelegateTo(ctx, session, "nobody")

	var delegationErr *DelegationError
	require.ErrorAs(t, err, &delegationErr)
	require.Equal(t, "nobody", delegationErr.MemberID)

	var clientErr *TerminalClientError
	require.ErrorAs(t, err, &clientErr)
	require.Equal(t, http.StatusNotFound, clientErr.Status)
	require.Equal(t, 1, server.Counts().Delegates)
	require.Nil(t, session.Delegation())
}

func TestDelegateRetriesServerError(t *testing.T) {
	server := clubostest.NewServer(t)
	server.AddMember("X")
	server.DelegateFailures = 1
	client, _ := newTestClient(t, server)

	session := login(t, client, server)
	_, err := client.DelegateTo(testContext(t), session, "X")
	require.NoError(t, err)
	require.Equal(t, 2, server.Counts().Delegates)
}

func TestDelegateBearerFromRefresh(t *testing.T) {
	server := clubostest.NewServer(t)
	server.AddMember("X", clubostest.Agreement{ID: "1001", EmbedInList: true})
	server.OmitBearerCookie = true
	server.RefreshSetsBearer = true
	client, _ := newTestClient(t, server)
	ctx := testContext(t)

	session := login(t, client, server)
	delegation, err := client.DelegateTo(ctx, session, "X")
	require.NoError(t, err)
	require.Equal(t, server.BearerToken("X"), delegation.BearerToken)
	require.Equal(t, 1, server.Counts().Refreshes)

	_, err = client.FetchAgreementList(ctx, NewAuthContext(session, delegation), "X", DefaultInclude)
	require.NoError(t, err)
}

func TestDelegateBearerFromSPA(t *testing.T) {
	server := clubostest.NewServer(t)
	server.AddMember("X", clubostest.Agreement{ID: "1001", EmbedInList: true})
	server.OmitBearerCookie = true
	client, _ := newTestClient(t, server)
	ctx := testContext(t)

	session := login(t, client, server)
	delegation, err := client.DelegateTo(ctx, session, "X")
	require.NoError(t, err)
	require.Equal(t, server.BearerToken("X"), delegation.BearerToken)

	listed, err := client.FetchAgreementList(ctx, NewAuthContext(session, delegation), "X", DefaultInclude)
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestListIsIdempotent(t *testing.T) {
	server := clubostest.NewServer(t)
	server.AddMember(
		"X",
		clubostest.Agreement{ID: "1001", Name: "PT", EmbedInList: true, Invoices: []map[string]any{pastDue("1", "$50.00")}},
		clubostest.Agreement{ID: "1002", Name: "Membership"},
	)
	client, _ := newTestClient(t, server)
	ctx := testContext(t)

	session := login(t, client, server)
	delegation, err := client.DelegateTo(ctx, session, "X")
	require.NoError(t, err)
	auth := NewAuthContext(session, delegation)

	first, err := client.FetchAgreementList(ctx, auth, "X", DefaultInclude)
	require.NoError(t, err)
	second, err := client.FetchAgreementList(ctx, auth, "X", DefaultInclude)
	require.NoError(t, err)
	require.Equal(t, first, second)

	require.Len(t, first, 2)
	require.True(t, first[0].InvoicesEmbedded)
	require.False(t, first[1].InvoicesEmbedded)
	require.Equal(t, "X", first[1].MemberID)
}

func TestListDropsForeignAgreements(t *testing.T) {
	server := clubostest.NewServer(t)
	server.AddMember(
		"X",
		clubostest.Agreement{ID: "1001", EmbedInList: true},
		clubostest.Agreement{ID: "2001", MemberID: "Y", EmbedInList: true},
	)
	client, tel := newTestClient(t, server)
	ctx := testContext(t)

	session := login(t, client, server)
	delegation, err := client.DelegateTo(ctx, session, "X")
	require.NoError(t, err)

	listed, err := client.FetchAgreementList(ctx, NewAuthContext(session, delegation), "X", DefaultInclude)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "1001", listed[0].ID)
	require.Len(t, tel.Reports(telemetry.KindWarning, report_fetcher_list_agreements), 1)
}

func TestFetchMemberIncludeHonored(t *testing.T) {
	server := clubostest.NewServer(t)
	server.AddMember(
		"X",
		clubostest.Agreement{ID: "1001", EmbedInList: true, Invoices: []map[string]any{pastDue("1", 50.0)}},
		clubostest.Agreement{ID: "1002", EmbedInList: true, Invoices: []map[string]any{paid("2", 20.0)}},
		clubostest.Agreement{ID: "1003", EmbedInList: true},
	)
	client, _ := newTestClient(t, server)
	ctx := testContext(t)

	session := login(t, client, server)
	delegation, err := client.DelegateTo(ctx, session, "X")
	require.NoError(t, err)

	enriched, err := client.FetchMember(ctx, NewAuthContext(session, delegation), DefaultInclude)
	require.NoError(t, err)
	require.Len(t, enriched, 3)
	for _, agreement := range enriched {
		require.Equal(t, ProvenanceList, agreement.Provenance, agreement.ID)
		require.Nil(t, agreement.DetailReport)
	}
	require.Empty(t, server.Counts().Details)
}

func TestFetchMemberDetailFallback(t *testing.T) {
	server := clubostest.NewServer(t)
	server.AddMember(
		"X",
		clubostest.Agreement{ID: "A", EmbedInList: true, Invoices: []map[string]any{pastDue("1", 50.0)}},
		clubostest.Agreement{ID: "B", Invoices: []map[string]any{pastDue("2", 25.5)}, DetailFailures: 1},
		clubostest.Agreement{ID: "C", Invoices: []map[string]any{pastDue("3", 10.0)}, DetailFailures: -1},
	)
	client, tel := newTestClient(t, server)
	ctx := testContext(t)

	session := login(t, client, server)
	delegation, err := client.DelegateTo(ctx, session, "X")
	require.NoError(t, err)

	enriched, err := client.FetchMember(ctx, NewAuthContext(session, delegation), DefaultInclude)
	require.NoError(t, err)
	require.Len(t, enriched, 3)

	require.Equal(t, ProvenanceList, enriched[0].Provenance)

	require.Equal(t, ProvenanceDetailFallback, enriched[1].Provenance)
	require.Len(t, enriched[1].DetailReport.Attempts, 2)
	require.Equal(t, http.StatusInternalServerError, enriched[1].DetailReport.Attempts[0].StatusCode)
	require.Len(t, enriched[1].Invoices, 1)
	require.Equal(t, 25.5, enriched[1].Invoices[0].Amount)

	require.Equal(t, ProvenanceUnavailable, enriched[2].Provenance)
	require.NotNil(t, enriched[2].Warning)
	require.Equal(t, "C", enriched[2].Warning.AgreementID)
	require.Equal(t, 3, enriched[2].Warning.Attempts)
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, enriched[2].Warning.Cause, &exhausted)

	counts := server.Counts()
	require.Equal(t, 1, counts.Lists)
	require.Equal(t, map[string]int{"B": 2, "C": 3}, counts.Details)
	require.Len(t, tel.Reports(telemetry.KindWarning, report_fetcher_fetch_member), 1)
}

func TestFetchMemberClientErrorNotRetried(t *testing.T) {
	server := clubostest.NewServer(t)
	server.AddMember("X", clubostest.Agreement{ID: "A", DetailFailures: -1, DetailFailStatus: http.StatusForbidden})
	client, _ := newTestClient(t, server)
	ctx := testContext(t)

	session := login(t, client, server)
	delegation, err := client.DelegateTo(ctx, session, "X")
	require.NoError(t, err)

	enriched, err := client.FetchMember(ctx, NewAuthContext(session, delegation), DefaultInclude)
	require.NoError(t, err)
	require.Len(t, enriched, 1)
	require.Equal(t, ProvenanceUnavailable, enriched[0].Provenance)
	require.Equal(t, 1, enriched[0].Warning.Attempts)

	var clientErr *TerminalClientError
	require.ErrorAs(t, enriched[0].Warning.Cause, &clientErr)
	require.Equal(t, 1, server.Counts().Details["A"])
}

func TestFetchMemberListFailure(t *testing.T) {
	server := clubostest.NewServer(t)
	server.AddMember("X", clubostest.Agreement{ID: "A", EmbedInList: true})
	server.ListFailures = 5
	client, _ := newTestClient(t, server)
	ctx := testContext(t)

	session := login(t, client, server)
	delegation, err := client.DelegateTo(ctx, session, "X")
	require.NoError(t, err)

	_, err = client.FetchMember(ctx, NewAuthContext(session, delegation), DefaultInclude)
	var serverErr *TransientServerError
	require.ErrorAs(t, err, &serverErr)
	require.Equal(t, 3, server.Counts().Lists)
}

func TestSessionExpiry(t *testing.T) {
	server := clubostest.NewServer(t)
	server.AddMember("X", clubostest.Agreement{ID: "A", EmbedInList: true})
	client, _ := newTestClient(t, server)
	ctx := testContext(t)

	session := login(t, client, server)
	delegation, err := client.DelegateTo(ctx, session, "X")
	require.NoError(t, err)

	server.ExpireSessions()

	_, err = client.FetchAgreementList(ctx, NewAuthContext(session, delegation), "X", DefaultInclude)
	var expired *SessionExpiredError
	require.ErrorAs(t, err, &expired)
	require.False(t, session.Alive())
	require.Nil(t, session.Delegation())

	_, err = BuildHeaders(session, delegation, KindAgreementList)
	require.ErrorAs(t, err, &expired)

	_, err = client.DelegateTo(ctx, session, "X")
	require.ErrorAs(t, err, &expired)
}

func TestStaleDelegation(t *testing.T) {
	server := clubostest.NewServer(t)
	server.AddMember("X", clubostest.Agreement{ID: "A", EmbedInList: true})
	server.AddMember("Y", clubostest.Agreement{ID: "B", EmbedInList: true})
	client, _ := newTestClient(t, server)
	ctx := testContext(t)

	session := login(t, client, server)
	x, err := client.DelegateTo(ctx, session, "X")
	require.NoError(t, err)

	_, err = client.FetchAgreementList(ctx, NewAuthContext(session, x), "Y", DefaultInclude)
	require.ErrorIs(t, err, ErrDelegationMismatch)

	y, err := client.DelegateTo(ctx, session, "Y")
	require.NoError(t, err)
	require.NotEqual(t, x.BearerToken, y.BearerToken)

	_, err = client.FetchAgreementList(ctx, NewAuthContext(session, x), "X", DefaultInclude)
	require.ErrorIs(t, err, ErrDelegationMismatch)
	_, err = client.FetchMember(ctx, NewAuthContext(session, x), DefaultInclude)
	require.ErrorIs(t, err, ErrDelegationMismatch)

	listed, err := client.FetchAgreementList(ctx, NewAuthContext(session, y), "Y", DefaultInclude)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "B", listed[0].ID)

	// none of the rejected calls reached the api
	require.Equal(t, 1, server.Counts().Lists)
}

func TestSessionExclusiveUse(t *testing.T) {
	server := clubostest.NewServer(t)
	server.AddMember("X", clubostest.Agreement{ID: "A", EmbedInList: true})
	client, _ := newTestClient(t, server)
	ctx := testContext(t)

	session := login(t, client, server)
	delegation, err := client.DelegateTo(ctx, session, "X")
	require.NoError(t, err)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	server.ListHook = func() {
		close(entered)
		<-proceed
	}

	done := make(chan error, 1)
	go func() {
		_, err := client.FetchAgreementList(ctx, NewAuthContext(session, delegation), "X", DefaultInclude)
		done <- err
	}()

	<-entered
	_, err = client.DelegateTo(ctx, session, "X")
	require.ErrorIs(t, err, ErrSessionInUse)
	_, _, err = client.FetchAgreementDetail(ctx, NewAuthContext(session, delegation), "A")
	require.ErrorIs(t, err, ErrSessionInUse)
	close(proceed)

	require.NoError(t, <-done)
}

func TestIndependentSessions(t *testing.T) {
	server := clubostest.NewServer(t)
	server.AddMember("X", clubostest.Agreement{ID: "A", EmbedInList: true})
	server.AddMember("Y", clubostest.Agreement{ID: "B", EmbedInList: true})
	client, _ := newTestClient(t, server)
	ctx := testContext(t)

	first := login(t, client, server)
	second := login(t, client, server)
	require.NotEqual(t, first.SessionID, second.SessionID)

	x, err := client.DelegateTo(ctx, first, "X")
	require.NoError(t, err)
	y, err := client.DelegateTo(ctx, second, "Y")
	require.NoError(t, err)

	// delegating the second session did not touch the first one
	listed, err := client.FetchAgreementList(ctx, NewAuthContext(first, x), "X", DefaultInclude)
	require.NoError(t, err)
	require.Equal(t, "A", listed[0].ID)
	listed, err = client.FetchAgreementList(ctx, NewAuthContext(second, y), "Y", DefaultInclude)
	require.NoError(t, err)
	require.Equal(t, "B", listed[0].ID)

	_, err = client.FetchAgreementList(ctx, NewAuthContext(first, y), "Y", DefaultInclude)
	require.Error(t, err)
}

func TestLogout(t *testing.T) {
	server := clubostest.NewServer(t)
	server.AddMember("X")
	client, _ := newTestClient(t, server)
	ctx := testContext(t)

	session := login(t, client, server)
	require.NoError(t, session.Logout(ctx))
	require.False(t, session.Alive())

	_, err := client.DelegateTo(ctx, session, "X")
	var delegationErr *DelegationError
	require.ErrorAs(t, err, &delegationErr)
	require.True(t, errors.As(err, new(*SessionExpiredError)))
	require.Equal(t, 0, server.Counts().Delegates)
}

func TestFetchMemberCanceledDuringDetailBackoff(t *testing.T) {
	server := clubostest.NewServer(t)
	server.AddMember(
		"X",
		clubostest.Agreement{ID: "A", EmbedInList: true, Invoices: []map[string]any{pastDue("1", 50.0)}},
		clubostest.Agreement{ID: "B", Invoices: []map[string]any{pastDue("2", 25.5)}, DetailFailures: -1},
	)
	client, err := NewClient(Options{
		BaseURL:   server.URL,
		Timeout:   5 * time.Second,
		RateLimit: 1000,
		RateBurst: 100,
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    2 * time.Second,
		},
	}, telemetry.NewRecorder())
	require.NoError(t, err)

	session := login(t, client, server)
	delegation, err := client.DelegateTo(testContext(t), session, "X")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()
	time.AfterFunc(300*time.Millisecond, cancel)

	enriched, err := client.FetchMember(ctx, NewAuthContext(session, delegation), DefaultInclude)
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, enriched)
	require.Equal(t, 1, server.Counts().Details["B"])
}
