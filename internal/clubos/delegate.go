package clubos

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"gymbot-backend/internal/components/chrono"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	report_delegation_delegate_to   = "delegation.delegate-to"
	report_delegation_bearer_source = "delegation.bearer-source"
)

// DelegationContext is a session acting as one member. It is only valid for that member and
// only until the same session delegates again.
type DelegationContext struct {
	MemberID      string
	BearerToken   string
	EstablishedAt time.Time

	session    *Session
	generation uint64
}

func (d *DelegationContext) validFor(s *Session) bool {
	if d == nil || d.session != s {
		return false
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return !s.expired && s.delegation == d && s.generation == d.generation
}

var accessTokenRegex = regexp.MustCompile(`var ACCESS_TOKEN = "([^"]+)";`)

func (c *Client) cacheBust(req *resty.Request) {
	req.SetQueryParam("_", strconv.FormatInt(chrono.EpochMillis(c.time.Now()), 10))
}

// DelegateTo switches the session to act as memberID. Every DelegationContext established
// earlier on the same session becomes stale, whether or not this call succeeds.
func (c *Client) DelegateTo(ctx context.Context, session *Session, memberID string) (delegation *DelegationContext, err error) {
	ctx, span := tracer.Start(ctx, "client:DelegateTo")
	span.SetAttributes(attribute.String("member_id", memberID))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	release, err := session.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	if memberID == "" {
		return nil, &DelegationError{MemberID: memberID, Err: fmt.Errorf("empty member id")}
	}
	if !session.Alive() {
		return nil, &DelegationError{MemberID: memberID, Err: &SessionExpiredError{Endpoint: "delegate"}}
	}

	session.mutex.Lock()
	session.generation++
	generation := session.generation
	session.delegation = nil
	session.mutex.Unlock()

	// whatever the previous delegation left behind must not be mistaken for this one
	session.clearCookie(cookieDelegatedUser)
	session.clearCookie(cookieBearer)

	delegationError := func(err error) error {
		c.tel.ReportWarning(report_delegation_delegate_to, memberID, err)
		return &DelegationError{MemberID: memberID, Err: err}
	}

	auth := AuthContext{Session: session}
	_, _, err = session.get(
		ctx, auth, KindDelegate, "delegate",
		fmt.Sprintf(pathDelegate, url.PathEscape(memberID)),
		c.cacheBust,
	)
	if err != nil {
		return nil, delegationError(err)
	}

	delegated := session.cookie(cookieDelegatedUser)
	if delegated != memberID {
		return nil, delegationError(fmt.Errorf(
			"%s cookie is %q after delegating", cookieDelegatedUser, delegated,
		))
	}

	token, err := c.bearerToken(ctx, session)
	if err != nil {
		return nil, delegationError(err)
	}

	delegation = &DelegationContext{
		MemberID:      memberID,
		BearerToken:   token,
		EstablishedAt: c.time.Now(),
		session:       session,
		generation:    generation,
	}

	session.mutex.Lock()
	defer session.mutex.Unlock()
	if session.generation != generation || session.expired {
		return nil, delegationError(ErrDelegationMismatch)
	}
	session.delegation = delegation
	return delegation, nil
}

var errNoBearerToken = errors.New("no api access token after delegating")

// bearerToken finds the api token the delegation produced: the cookie, then the cookie after
// an explicit refresh, then the token embedded in the agreement SPA page.
func (c *Client) bearerToken(ctx context.Context, session *Session) (string, error) {
	if token := session.cookie(cookieBearer); token != "" {
		return token, nil
	}

	auth := AuthContext{Session: session}

	_, _, err := session.get(ctx, auth, KindTokenRefresh, "token-refresh", pathTokenRefresh, c.cacheBust)
	if err != nil {
		var expired *SessionExpiredError
		if errors.As(err, &expired) {
			return "", err
		}
		c.tel.ReportWarning(report_delegation_bearer_source, "refresh", err)
	}
	if token := session.cookie(cookieBearer); token != "" {
		c.tel.ReportDebug(report_delegation_bearer_source, "refresh")
		return token, nil
	}

	res, _, err := session.get(ctx, auth, KindAgreementSPA, "agreement-spa", pathAgreementSPA, nil)
	if err != nil {
		return "", fmt.Errorf("load agreement spa: %w", err)
	}
	groups := accessTokenRegex.FindSubmatch(res.Body())
	if len(groups) < 2 {
		return "", errNoBearerToken
	}
	token := string(groups[1])
	// the api expects the token as a cookie as well
	session.setCookie(cookieBearer, token)
	c.tel.ReportDebug(report_delegation_bearer_source, "spa")
	return token, nil
}
