package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Operation names used for error classification and metrics labels.
const (
	opLogin    = "login"
	opRegister = "register"
	opRefresh  = "refresh"
	opLogout   = "logout"
)

// Client issues auth mutations against the backend and normalizes every
// result into an AuthResponse or a classified *Error. It holds no session
// state of its own; that is the Manager's job.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// Logger receives best-effort failure logs (logout). Defaults to
	// slog.Default.
	Logger *slog.Logger

	// limiter throttles user-initiated login submissions so a hot-looping
	// caller cannot hammer the backend. Refresh is not limited here; the
	// scheduler owns its own backoff.
	limiter *rate.Limiter

	// now is the clock, injectable for tests.
	now func() time.Time
}

// ClientOption customizes Client construction.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP transport.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.HTTPClient = hc
		}
	}
}

// WithClientLogger sets the logger used for best-effort failures.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithLoginRateLimit overrides the local login submission limiter.
func WithLoginRateLimit(limit rate.Limit, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithClientClock injects a custom clock (useful for tests).
func WithClientClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewClient creates an auth client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		Logger: slog.Default(),
		// One submission per second, short bursts allowed. Generous for
		// humans, tight enough to stop a render loop stuck on submit.
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
		now:     time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// authResponseBody is the wire shape of a successful login/register.
type authResponseBody struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
	User        *User  `json:"user"`
}

// Login exchanges credentials for an AuthResponse via the password grant.
// Failures are classified: KindInvalidCredentials for a backend rejection,
// KindValidation for malformed fields, KindNetwork for transport trouble.
func (c *Client) Login(ctx context.Context, creds Credentials) (*AuthResponse, error) {
	if creds.Identifier == "" {
		return nil, validationError("missing_identifier", "identifier is required")
	}
	if creds.Secret == "" {
		return nil, validationError("missing_secret", "secret is required")
	}

	if !c.limiter.Allow() {
		return nil, &Error{
			Kind:        KindOperationInProgress,
			Code:        "too_many_attempts",
			Description: "login submitted too frequently",
		}
	}

	grant := creds.GrantType
	if grant == "" {
		grant = GrantPassword
	}

	form := url.Values{
		"username":   {creds.Identifier},
		"password":   {creds.Secret},
		"grant_type": {string(grant)},
	}

	body, err := c.postForm(ctx, opLogin, "/auth/login", form, "")
	if err != nil {
		return nil, err
	}
	return c.decodeAuthResponse(opLogin, body)
}

// Register creates a new account. AcceptTerms is enforced locally before
// any network call. Register is never retried automatically: an ambiguous
// failure requires explicit user re-submission, since a blind retry could
// create duplicate accounts.
func (c *Client) Register(ctx context.Context, reg Registration) (*AuthResponse, error) {
	if !reg.AcceptTerms {
		return nil, validationError("terms_not_accepted", "terms must be accepted before registering")
	}
	if reg.Email == "" {
		return nil, validationError("missing_email", "email is required")
	}
	if reg.Secret == "" {
		return nil, validationError("missing_secret", "password is required")
	}

	payload, err := json.Marshal(map[string]string{
		"email":    reg.Email,
		"password": reg.Secret,
	})
	if err != nil {
		return nil, validationError("encode_request", err.Error())
	}

	body, err := c.postJSON(ctx, opRegister, "/auth/register", payload)
	if err != nil {
		return nil, err
	}
	return c.decodeAuthResponse(opRegister, body)
}

// Refresh exchanges the current token for a fresh one. A 401 means the
// refresh token is no longer honored (KindInvalidRefreshToken, terminal);
// transport failures are KindNetwork and safe to retry.
func (c *Client) Refresh(ctx context.Context, current Token) (*Token, error) {
	if current.AccessValue == "" {
		return nil, validationError("missing_token", "no token to refresh")
	}

	form := url.Values{
		"grant_type": {"refresh_token"},
		"token":      {current.AccessValue},
	}

	body, err := c.postForm(ctx, opRefresh, "/auth/refresh", form, current.AccessValue)
	if err != nil {
		return nil, err
	}

	var resp authResponseBody
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, networkError("malformed_response", err)
	}
	if resp.AccessToken == "" {
		return nil, networkError("malformed_response",
			fmt.Errorf("refresh response missing access_token"))
	}

	tok := newToken(resp.AccessToken, resp.ExpiresIn, c.now())
	return &tok, nil
}

// Logout notifies the backend that the session ended. Best effort: failures
// are logged and swallowed, local clearing must proceed regardless.
func (c *Client) Logout(ctx context.Context, current Token) error {
	if current.AccessValue == "" {
		return nil
	}

	_, err := c.postForm(ctx, opLogout, "/auth/logout", url.Values{}, current.AccessValue)
	if err != nil {
		c.Logger.Warn("backend logout notification failed", "error", err)
	}
	return nil
}

// decodeAuthResponse validates the success shape at the client boundary so
// internal components never see a malformed response.
func (c *Client) decodeAuthResponse(op string, body []byte) (*AuthResponse, error) {
	var resp authResponseBody
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, networkError("malformed_response", err)
	}
	if resp.AccessToken == "" {
		return nil, networkError("malformed_response",
			fmt.Errorf("%s response missing access_token", op))
	}
	if resp.User == nil || resp.User.ID == 0 {
		return nil, networkError("malformed_response",
			fmt.Errorf("%s response missing user", op))
	}

	return &AuthResponse{
		Token: newToken(resp.AccessToken, resp.ExpiresIn, c.now()),
		User:  *resp.User,
	}, nil
}

// postForm submits a form-encoded request and returns the response body,
// or a classified error for non-2xx statuses and transport failures.
func (c *Client) postForm(ctx context.Context, op, path string, form url.Values, bearer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.BaseURL+path,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return nil, networkError("build_request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	return c.do(op, req)
}

// postJSON submits a JSON request body.
func (c *Client) postJSON(ctx context.Context, op, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.BaseURL+path,
		strings.NewReader(string(payload)),
	)
	if err != nil {
		return nil, networkError("build_request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(op, req)
}

func (c *Client) do(op string, req *http.Request) ([]byte, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, networkError("send_request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError("read_response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(op, resp.StatusCode, body)
	}
	return body, nil
}
