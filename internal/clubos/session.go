package clubos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"gymbot-backend/internal/components/retry"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/codes"
)

const (
	report_session_authenticate = "session.authenticate"
	report_session_logout       = "session.logout"
	report_session_expire       = "session.expire"
)

const (
	fieldSourcePage  = "_sourcePage"
	fieldFingerprint = "__fp"
)

// CsrfTokens are the hidden anti-forgery values the login form was served with.
type CsrfTokens struct {
	SourcePage  string
	Fingerprint string
}

// Session is an authenticated staff session. It is not safe for concurrent use, a second
// call made while another one is running fails with ErrSessionInUse.
type Session struct {
	SessionID      string
	LoggedInUserID string
	CSRF           CsrfTokens

	client *Client
	http   *resty.Client
	jar    http.CookieJar

	busy atomic.Bool

	mutex      sync.Mutex
	expired    bool
	delegation *DelegationContext
	generation uint64
}

func (s *Session) acquire() (release func(), err error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrSessionInUse
	}
	return func() { s.busy.Store(false) }, nil
}

// Alive reports whether the session has neither been logged out nor observed a redirect
// to the login page.
func (s *Session) Alive() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return !s.expired
}

func (s *Session) expire() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.expired {
		s.client.tel.ReportDebug(report_session_expire, s.LoggedInUserID)
	}
	s.expired = true
	s.delegation = nil
}

// Delegation returns the currently active delegation or nil.
func (s *Session) Delegation() *DelegationContext {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.delegation
}

func (s *Session) cookie(name string) string {
	for _, c := range s.jar.Cookies(s.client.baseURL) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func (s *Session) setCookie(name, value string) {
	s.jar.SetCookies(s.client.baseURL, []*http.Cookie{{
		Name:  name,
		Value: value,
		Path:  "/",
	}})
}

func (s *Session) clearCookie(name string) {
	s.jar.SetCookies(s.client.baseURL, []*http.Cookie{{
		Name:   name,
		Path:   "/",
		MaxAge: -1,
	}})
}

// check turns a finished response into the error taxonomy. A response that ended up on the
// login page kills the session unless it is part of logging in.
func (s *Session) check(endpoint string, res *resty.Response, loggingIn bool) error {
	if !loggingIn && res.RawResponse != nil && res.RawResponse.Request != nil {
		if isLoginPath(res.RawResponse.Request.URL.Path) {
			s.expire()
			return &SessionExpiredError{Endpoint: endpoint}
		}
	}
	switch {
	case res.StatusCode() >= 500:
		return &TransientServerError{Endpoint: endpoint, Status: res.StatusCode()}
	case res.StatusCode() >= 400:
		return &TerminalClientError{
			Endpoint: endpoint,
			Status:   res.StatusCode(),
			Body:     truncateBody(res.Body()),
		}
	}
	return nil
}

// get performs one GET with headers composed for kind, retried under the client's policy.
func (s *Session) get(
	ctx context.Context,
	auth AuthContext,
	kind EndpointKind,
	endpoint, path string,
	query func(req *resty.Request),
) (*resty.Response, retry.Report, error) {
	loggingIn := kind == KindLoginPage
	return retry.Do(ctx, s.client.retrier, endpoint, func(ctx context.Context) (*resty.Response, error) {
		if !loggingIn && !s.Alive() {
			return nil, &SessionExpiredError{Endpoint: endpoint}
		}
		headers, err := auth.AuthorizationHeaders(kind)
		if err != nil {
			return nil, err
		}
		req := s.http.R().
			SetContext(ctx).
			SetHeaderMultiValues(headers)
		if query != nil {
			query(req)
		}
		res, err := req.Get(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", endpoint, err)
		}
		err = s.check(endpoint, res, loggingIn)
		if err != nil {
			return res, err
		}
		return res, nil
	})
}

func (c *Client) newSession() (*Session, error) {
	httpClient, jar, err := c.newHttp()
	if err != nil {
		return nil, err
	}
	return &Session{
		client: c,
		http:   httpClient,
		jar:    jar,
	}, nil
}

func parseCsrfTokens(body []byte) (CsrfTokens, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(body))
	if err != nil {
		return CsrfTokens{}, fmt.Errorf("parse login page: %w", err)
	}
	tokens := CsrfTokens{
		SourcePage:  doc.Find("input[name=_sourcePage]").AttrOr("value", ""),
		Fingerprint: doc.Find("input[name=__fp]").AttrOr("value", ""),
	}
	if tokens.SourcePage == "" {
		return CsrfTokens{}, &MissingCsrfTokenError{Field: fieldSourcePage}
	}
	if tokens.Fingerprint == "" {
		return CsrfTokens{}, &MissingCsrfTokenError{Field: fieldFingerprint}
	}
	return tokens, nil
}

// Authenticate performs the login handshake: load the login form, echo its anti-forgery
// tokens with the credentials, then require both session cookies and a final url that is
// not the login page.
func (c *Client) Authenticate(ctx context.Context, username, password string) (session *Session, err error) {
	ctx, span := tracer.Start(ctx, "client:Authenticate")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s, err := c.newSession()
	if err != nil {
		return nil, err
	}
	auth := AuthContext{Session: s}

	res, _, err := s.get(ctx, auth, KindLoginPage, "login-page", pathLoginView, nil)
	if err != nil {
		c.tel.ReportBroken(report_session_authenticate, fmt.Errorf("login page request: %w", err))
		return nil, err
	}
	tokens, err := parseCsrfTokens(res.Body())
	if err != nil {
		c.tel.ReportBroken(report_session_authenticate, err)
		return nil, err
	}
	s.CSRF = tokens

	headers, err := auth.AuthorizationHeaders(KindLoginSubmit)
	if err != nil {
		return nil, err
	}
	res, err = s.http.R().
		SetContext(ctx).
		SetHeaderMultiValues(headers).
		SetFormData(map[string]string{
			"login":          "Submit",
			"username":       username,
			"password":       password,
			fieldSourcePage:  tokens.SourcePage,
			fieldFingerprint: tokens.Fingerprint,
		}).
		Post(pathLoginSubmit)
	if err != nil {
		c.tel.ReportBroken(report_session_authenticate, fmt.Errorf("login submit: %w", err))
		return nil, fmt.Errorf("login submit: %w", err)
	}
	err = s.check("login-submit", res, true)
	if err != nil {
		c.tel.ReportBroken(report_session_authenticate, err)
		return nil, err
	}

	s.SessionID = s.cookie(cookieSession)
	s.LoggedInUserID = s.cookie(cookieLoggedInUser)
	finalPath := ""
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		finalPath = res.RawResponse.Request.URL.Path
	}
	switch {
	case s.SessionID == "":
		err = &AuthenticationError{Username: username, Reason: "no session cookie after login"}
	case s.LoggedInUserID == "":
		err = &AuthenticationError{Username: username, Reason: "no logged in user cookie after login"}
	case isLoginPath(finalPath):
		err = &AuthenticationError{Username: username, Reason: "redirected back to the login page"}
	}
	if err != nil {
		c.tel.ReportWarning(report_session_authenticate, err)
		return nil, err
	}

	// the browser always lands on the dashboard, some server side state is only set up there
	_, _, err = s.get(ctx, AuthContext{Session: s}, KindDashboard, "dashboard", pathDashboard, nil)
	if err != nil {
		var expired *SessionExpiredError
		if errors.As(err, &expired) {
			return nil, &AuthenticationError{Username: username, Reason: "session rejected right after login"}
		}
		c.tel.ReportWarning(report_session_authenticate, fmt.Errorf("dashboard: %w", err))
	}

	c.tel.ReportDebug(report_session_authenticate, username, s.LoggedInUserID)
	return s, nil
}

// Logout ends the session on the server, the session is dead afterwards even if the request
// failed.
func (s *Session) Logout(ctx context.Context) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()
	defer s.expire()

	if !s.Alive() {
		return nil
	}
	headers, err := AuthContext{Session: s}.AuthorizationHeaders(KindLogout)
	if err != nil {
		return err
	}
	_, err = s.http.R().
		SetContext(ctx).
		SetHeaderMultiValues(headers).
		Get(pathLogout)
	if err != nil {
		s.client.tel.ReportWarning(report_session_logout, err)
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}
