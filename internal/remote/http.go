package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"postforge/internal/media"
	logx "postforge/pkg/logx"
)

// HTTPClient talks to a Graph-style publishing API:
//
//	POST {base}/{account}/media          -> {"id": containerID}
//	GET  {base}/{container}?fields=status_code
//	POST {base}/{account}/media_publish  -> {"id": remoteMediaID}
//	GET  {base}/{account}?fields=id,username
//	GET  {base}/me/permissions
//
// A token-bucket limiter smooths request bursts on top of the quota ledger;
// the ledger enforces the budget, the limiter just keeps us polite.
type HTTPClient struct {
	cfg   Config
	creds CredentialSource
	http  *http.Client
	lim   *rate.Limiter
	log   logx.Logger
}

func NewHTTPClient(cfg Config, creds CredentialSource, log logx.Logger) *HTTPClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPClient{
		cfg:   cfg,
		creds: creds,
		http:  &http.Client{Timeout: cfg.RequestTimeout},
		lim:   rate.NewLimiter(rate.Limit(rps), rps),
		log:   log,
	}
}

func (c *HTTPClient) CreateContainer(ctx context.Context, req CreateRequest) (string, error) {
	params := url.Values{}
	params.Set("caption", req.Caption)

	// The remote side wants the declared type up front; reels and videos are
	// distinct declared types even though both are video files.
	switch req.Kind {
	case media.KindReel:
		params.Set("media_type", "REELS")
		params.Set("video_url", first(req.Locators))
	case media.KindVideo:
		params.Set("media_type", "VIDEO")
		params.Set("video_url", first(req.Locators))
	case media.KindCarousel:
		params.Set("media_type", "CAROUSEL")
		params.Set("children", strings.Join(req.Locators, ","))
	default:
		params.Set("image_url", first(req.Locators))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, req.AccountID, path(req.AccountID, "media"), params, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", Errorf(KindRemoteRejected, "create container: remote returned no container id")
	}
	return out.ID, nil
}

func (c *HTTPClient) ContainerStatus(ctx context.Context, accountID, containerID string) (ContainerStatus, error) {
	params := url.Values{}
	params.Set("fields", "status_code")

	var out struct {
		StatusCode string `json:"status_code"`
	}
	if err := c.call(ctx, http.MethodGet, accountID, path(containerID), params, &out); err != nil {
		return "", err
	}
	switch strings.ToUpper(strings.TrimSpace(out.StatusCode)) {
	case "FINISHED", "PUBLISHED":
		return StatusFinished, nil
	case "IN_PROGRESS":
		return StatusInProgress, nil
	case "ERROR", "EXPIRED":
		return StatusError, nil
	default:
		return StatusPending, nil
	}
}

func (c *HTTPClient) PublishContainer(ctx context.Context, accountID, containerID string) (string, error) {
	params := url.Values{}
	params.Set("creation_id", containerID)

	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, accountID, path(accountID, "media_publish"), params, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", Errorf(KindRemoteRejected, "publish: remote returned no media id")
	}
	return out.ID, nil
}

func (c *HTTPClient) VerifyCredentials(ctx context.Context, accountID string) (TokenInfo, error) {
	params := url.Values{}
	params.Set("fields", "id,username")

	var acct struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := c.call(ctx, http.MethodGet, accountID, path(accountID), params, &acct); err != nil {
		return TokenInfo{}, err
	}

	var perms struct {
		Data []struct {
			Permission string `json:"permission"`
			Status     string `json:"status"`
		} `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, accountID, path("me", "permissions"), url.Values{}, &perms); err != nil {
		return TokenInfo{}, err
	}

	info := TokenInfo{Valid: true, Username: acct.Username}
	for _, p := range perms.Data {
		if strings.EqualFold(p.Status, "granted") {
			info.Permissions = append(info.Permissions, p.Permission)
		}
	}
	return info, nil
}

// call performs one authenticated request and decodes the JSON response into out.
func (c *HTTPClient) call(ctx context.Context, method, accountID, p string, params url.Values, out any) error {
	if err := c.lim.Wait(ctx); err != nil {
		return Wrap(KindNetworkFailure, err, "request pacing interrupted")
	}

	token, err := c.creds.AccessToken(accountID)
	if err != nil {
		return Wrap(KindCredentialInvalid, err, "no credential for account")
	}
	params.Set("access_token", token)

	u := strings.TrimRight(c.cfg.BaseURL, "/") + p
	var req *http.Request
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, u+"?"+params.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, strings.NewReader(params.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return Wrap(KindNetworkFailure, err, "build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Wrap(KindNetworkFailure, err, method+" "+p)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Wrap(KindNetworkFailure, err, "read response")
	}

	if resp.StatusCode >= 400 {
		return c.classify(resp, body, method+" "+p)
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return Wrap(KindNetworkFailure, err, "decode response")
		}
	}
	return nil
}

// apiError is the platform's error envelope.
type apiError struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		UserMsg   string `json:"error_user_msg"`
		UserTitle string `json:"error_user_title"`
	} `json:"error"`
}

func (c *HTTPClient) classify(resp *http.Response, body []byte, op string) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)

	msg := strings.TrimSpace(ae.Error.UserMsg)
	if msg == "" {
		msg = strings.TrimSpace(ae.Error.Message)
	}
	if msg == "" {
		msg = fmt.Sprintf("http %d", resp.StatusCode)
	}
	msg = op + ": " + msg

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || isRateLimitCode(ae.Error.Code):
		return RateLimited(retryAfterHeader(resp), msg)
	case resp.StatusCode == http.StatusUnauthorized || ae.Error.Code == 190:
		return Errorf(KindCredentialInvalid, "%s", msg)
	case resp.StatusCode >= 500:
		return Errorf(KindNetworkFailure, "%s", msg)
	default:
		// 4xx without a quota/credential signature: the input was bad.
		return Errorf(KindRemoteRejected, "%s", msg)
	}
}

// Platform throttling codes: 4 (app), 17 (user), 32 (pages), 613 (custom).
func isRateLimitCode(code int) bool {
	switch code {
	case 4, 17, 32, 613:
		return true
	default:
		return false
	}
}

func retryAfterHeader(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func path(parts ...string) string {
	return "/" + strings.Join(parts, "/")
}

func first(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

var _ Client = (*HTTPClient)(nil)

// ErrTokenMissing lets CredentialSource implementations signal an absent
// credential uniformly.
var ErrTokenMissing = errors.New("access token missing")
