// Package clubos talks to the undocumented internal api of the ClubOS gym management web app.
//
// The flow is always: authenticate a staff Session, delegate it to a member, then fetch that
// member's package agreements (list first, per-agreement detail as a fallback). Every call
// needs an exact combination of cookies, a derived bearer token and browser headers, the
// server answers anything less with an opaque 500.
package clubos

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"gymbot-backend/internal/components/assert"
	"gymbot-backend/internal/components/chrono"
	"gymbot-backend/internal/components/retry"
	"gymbot-backend/internal/components/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("gymbot/clubos")

const (
	pathLoginView    = "/action/Login/view"
	pathLoginSubmit  = "/action/Login"
	pathLogout       = "/action/Logout"
	pathDashboard    = "/action/Dashboard"
	pathAssignees    = "/action/Assignees"
	pathTokenRefresh = "/action/Login/refresh-api-v3-access-token"
	pathAgreementSPA = "/action/PackageAgreementUpdated/spa/"
	pathServices     = "/action/ClubServicesNew"
	pathList         = "/api/agreements/package_agreements/list"
	pathDetail       = "/api/agreements/package_agreements/V2/%s"
	pathDelegate     = "/action/Delegate/%s/url=false"
)

const (
	cookieSession       = "JSESSIONID"
	cookieLoggedInUser  = "loggedInUserId"
	cookieDelegatedUser = "delegatedUserId"
	cookieBearer        = "apiV3AccessToken"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

func isLoginPath(path string) bool {
	path = strings.TrimSuffix(path, "/")
	return path == pathLoginView || path == pathLoginSubmit
}

type Options struct {
	// BaseURL is the club's ClubOS origin, ex. https://anytime.club-os.com
	BaseURL string
	// ClubID is sent along with agreement list requests when set.
	ClubID    string
	UserAgent string
	// Timeout bounds every single request, defaults to 30s.
	Timeout time.Duration
	// RateLimit is the maximum requests per second of a single session, defaults to 2.
	RateLimit        float64
	RateBurst        int
	CloudflareBypass bool
	Retry            retry.Policy

	Time chrono.TimeAPI
	// Output receives a dump of every request/response pair when set.
	Output telemetry.MessageOutput
}

// Client creates Sessions and runs calls on them. It holds no session state itself, every
// Session owns its own cookie jar and http client.
type Client struct {
	baseURL *url.URL
	opts    Options
	retrier retry.Retrier
	time    chrono.TimeAPI
	tel     telemetry.API
}

func NewClient(opts Options, tel telemetry.API) (*Client, error) {
	assert.NotNil(tel)
	assert.NotEmptyStr(opts.BaseURL)

	baseURL, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", opts.BaseURL)
	}

	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 2
	}
	if opts.RateBurst == 0 {
		// max burst >= 2 just means that no requests will be dropped
		opts.RateBurst = 2
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Time == nil {
		opts.Time = chrono.NewStandardTime()
	}

	tel = telemetry.NewScopedAPI("clubos_client", tel)

	return &Client{
		baseURL: baseURL,
		opts:    opts,
		retrier: retry.NewRetrier(opts.Retry, tel),
		time:    opts.Time,
		tel:     tel,
	}, nil
}

func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

func (c *Client) newHttp() (*resty.Client, http.CookieJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, nil, err
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(c.baseURL.String())
	httpClient.SetCookieJar(jar)
	if c.opts.CloudflareBypass {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}
	httpClient.SetHeader("user-agent", c.opts.UserAgent)
	httpClient.SetRedirectPolicy(
		resty.FlexibleRedirectPolicy(10),
		resty.DomainCheckRedirectPolicy(c.baseURL.Hostname()),
	)
	httpClient.SetTimeout(c.opts.Timeout)

	rateLimiter := rate.NewLimiter(rate.Limit(c.opts.RateLimit), c.opts.RateBurst)
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(httpClient, c.tel, c.opts.Output)

	return httpClient, jar, nil
}
