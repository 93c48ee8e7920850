package clubos

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"gymbot-backend/internal/components/chrono"

	"github.com/google/uuid"
)

// EndpointKind identifies which browser interaction a request imitates, it decides the
// referer, fetch metadata and credentials the request is sent with.
type EndpointKind int

const (
	KindLoginPage EndpointKind = iota
	KindLoginSubmit
	KindDashboard
	KindLogout
	KindDelegate
	KindTokenRefresh
	KindAgreementSPA
	KindServicesPage
	KindAgreementList
	KindAgreementDetail
)

func (k EndpointKind) String() string {
	switch k {
	case KindLoginPage:
		return "login-page"
	case KindLoginSubmit:
		return "login-submit"
	case KindDashboard:
		return "dashboard"
	case KindLogout:
		return "logout"
	case KindDelegate:
		return "delegate"
	case KindTokenRefresh:
		return "token-refresh"
	case KindAgreementSPA:
		return "agreement-spa"
	case KindServicesPage:
		return "services-page"
	case KindAgreementList:
		return "agreement-list"
	case KindAgreementDetail:
		return "agreement-detail"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k EndpointKind) preLogin() bool {
	return k == KindLoginPage || k == KindLoginSubmit
}

// jsonApi kinds talk to the parallel JSON api and need the delegated bearer token.
func (k EndpointKind) jsonApi() bool {
	return k == KindAgreementList || k == KindAgreementDetail
}

func (k EndpointKind) xhr() bool {
	return k.jsonApi() || k == KindDelegate || k == KindTokenRefresh
}

func (k EndpointKind) referer() string {
	switch k {
	case KindLoginSubmit:
		return pathLoginView
	case KindDashboard, KindLogout, KindServicesPage, KindTokenRefresh:
		return pathDashboard
	case KindDelegate:
		return pathAssignees
	case KindAgreementSPA:
		return pathServices
	case KindAgreementList, KindAgreementDetail:
		return pathAgreementSPA
	}
	return ""
}

// the browser agent's account and application ids, fixed for every club.
const (
	newrelicAccount     = "2069141"
	newrelicApplication = "1103255579"
	newrelicID          = "VgYBWFdXCRABVVFTBgUBVVQJ"
)

type newrelicData struct {
	Type        string `json:"ty"`
	Account     string `json:"ac"`
	Application string `json:"ap"`
	ID          string `json:"id"`
	Trace       string `json:"tr"`
	Timestamp   int64  `json:"ti"`
}

type newrelicPayload struct {
	Version []int        `json:"v"`
	Data    newrelicData `json:"d"`
}

func hexID(length int) string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:length]
}

func setTraceHeaders(headers http.Header, timestamp int64) error {
	traceID := hexID(32)
	spanID := hexID(16)

	payload, err := json.Marshal(newrelicPayload{
		Version: []int{0, 1},
		Data: newrelicData{
			Type:        "Browser",
			Account:     newrelicAccount,
			Application: newrelicApplication,
			ID:          spanID,
			Trace:       traceID,
			Timestamp:   timestamp,
		},
	})
	if err != nil {
		return err
	}

	headers.Set("newrelic", base64.StdEncoding.EncodeToString(payload))
	headers.Set("traceparent", fmt.Sprintf("00-%s-%s-01", traceID, spanID))
	headers.Set("tracestate", fmt.Sprintf(
		"%s@nr=0-1-%s-%s-%s----%d",
		newrelicAccount, newrelicAccount, newrelicApplication, spanID, timestamp,
	))
	headers.Set("X-NewRelic-ID", newrelicID)
	return nil
}

// BuildHeaders composes the complete header set known to work for kind. It never returns a
// partial set: a dead session, a missing or stale delegation for a JSON api kind or a
// missing cookie are all errors.
func BuildHeaders(session *Session, delegation *DelegationContext, kind EndpointKind) (http.Header, error) {
	if session == nil {
		return nil, fmt.Errorf("clubos: %s: no session", kind)
	}

	if !kind.preLogin() {
		if !session.Alive() {
			return nil, &SessionExpiredError{Endpoint: kind.String()}
		}
		for _, name := range []string{cookieSession, cookieLoggedInUser} {
			if session.cookie(name) == "" {
				return nil, fmt.Errorf("clubos: %s: missing %s cookie", kind, name)
			}
		}
	}

	if kind.jsonApi() {
		if delegation == nil {
			return nil, fmt.Errorf("clubos: %s: %w", kind, ErrNoDelegation)
		}
		if !delegation.validFor(session) {
			return nil, fmt.Errorf("clubos: %s: %w", kind, ErrDelegationMismatch)
		}
		if session.cookie(cookieDelegatedUser) != delegation.MemberID {
			return nil, fmt.Errorf("clubos: %s: %s cookie does not match member %q: %w",
				kind, cookieDelegatedUser, delegation.MemberID, ErrDelegationMismatch)
		}
		if session.cookie(cookieBearer) == "" || delegation.BearerToken == "" {
			return nil, fmt.Errorf("clubos: %s: missing %s cookie", kind, cookieBearer)
		}
	}

	c := session.client
	origin := c.baseURL.String()
	headers := http.Header{}

	headers.Set("Accept-Language", "en-US,en;q=0.9")
	headers.Set("Origin", origin)
	if referer := kind.referer(); referer != "" {
		headers.Set("Referer", origin+referer)
	}

	switch {
	case kind.jsonApi():
		headers.Set("Accept", "application/json, text/javascript, */*; q=0.01")
		headers.Set("Authorization", "Bearer "+delegation.BearerToken)
	case kind.xhr():
		headers.Set("Accept", "*/*")
	default:
		headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	}
	if kind == KindLoginSubmit {
		headers.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if kind.xhr() {
		headers.Set("X-Requested-With", "XMLHttpRequest")
		headers.Set("Sec-Fetch-Dest", "empty")
		headers.Set("Sec-Fetch-Mode", "cors")
	} else {
		headers.Set("Sec-Fetch-Dest", "document")
		headers.Set("Sec-Fetch-Mode", "navigate")
		headers.Set("Sec-Fetch-User", "?1")
	}
	if kind == KindLoginPage {
		headers.Set("Sec-Fetch-Site", "none")
	} else {
		headers.Set("Sec-Fetch-Site", "same-origin")
	}

	err := setTraceHeaders(headers, chrono.EpochMillis(c.time.Now()))
	if err != nil {
		return nil, err
	}
	return headers, nil
}

// AuthContext bundles a session with its (optional) delegation so call sites never assemble
// headers themselves.
type AuthContext struct {
	Session    *Session
	Delegation *DelegationContext
}

func NewAuthContext(session *Session, delegation *DelegationContext) AuthContext {
	return AuthContext{Session: session, Delegation: delegation}
}

func (a AuthContext) AuthorizationHeaders(kind EndpointKind) (http.Header, error) {
	return BuildHeaders(a.Session, a.Delegation, kind)
}
