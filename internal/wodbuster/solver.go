package wodbuster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// solverClient talks to a FlareSolverr instance, a scripted browser that
// solves the Cloudflare challenge in front of the login form.
type solverClient struct {
	baseURL string
	http    *http.Client
	// maxTimeout is passed to FlareSolverr in milliseconds; the HTTP client
	// timeout is kept slightly above it.
	maxTimeout time.Duration
}

func newSolverClient(baseURL string) *solverClient {
	const solveTimeout = 60 * time.Second
	return &solverClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		maxTimeout: solveTimeout,
		http:       &http.Client{Timeout: solveTimeout + 5*time.Second},
	}
}

type solverCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

type solverRequest struct {
	Cmd        string         `json:"cmd"`
	URL        string         `json:"url"`
	MaxTimeout int64          `json:"maxTimeout"`
	PostData   string         `json:"postData,omitempty"`
	Cookies    []solverCookie `json:"cookies,omitempty"`
}

type solverResult struct {
	Cookies  []Cookie
	Response string
	Status   int
	URL      string
}

func (s *solverClient) solve(ctx context.Context, method, target, postData string, cookies []Cookie) (*solverResult, error) {
	req := solverRequest{
		Cmd:        "request." + strings.ToLower(method),
		URL:        target,
		MaxTimeout: s.maxTimeout.Milliseconds(),
		PostData:   postData,
	}
	for _, ck := range cookies {
		req.Cookies = append(req.Cookies, solverCookie(ck))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("flaresolverr: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("flaresolverr: %w", err)
	}

	var parsed struct {
		Status   string `json:"status"`
		Message  string `json:"message"`
		Solution struct {
			Cookies  []solverCookie `json:"cookies"`
			Response string         `json:"response"`
			Status   int            `json:"status"`
			URL      string         `json:"url"`
		} `json:"solution"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("flaresolverr: decoding response: %w", err)
	}
	if parsed.Status != "ok" {
		msg := parsed.Message
		if msg == "" {
			msg = "unknown error"
		}
		return nil, fmt.Errorf("flaresolverr: %s", msg)
	}

	out := &solverResult{
		Response: parsed.Solution.Response,
		Status:   parsed.Solution.Status,
		URL:      parsed.Solution.URL,
	}
	if out.URL == "" {
		out.URL = target
	}
	for _, ck := range parsed.Solution.Cookies {
		out.Cookies = append(out.Cookies, Cookie(ck))
	}
	return out, nil
}

// loginViaSolver runs the three login phases through FlareSolverr, copying
// solved cookies into the jar between phases.
func (c *Client) loginViaSolver(ctx context.Context, email, password string) error {
	loginURL := c.loginURL()

	res, err := c.solver.solve(ctx, http.MethodGet, loginURL, "", nil)
	if err != nil {
		return err
	}
	c.setCookies(res.Cookies)

	tokens := hiddenInputs(res.Response)
	if tokens["__VIEWSTATE"] == "" && tokens["__VIEWSTATEC"] == "" {
		return &LoginError{Reason: "no form tokens on login page"}
	}

	form := buildLoginForm(tokens, email, password)
	res, err = c.solver.solve(ctx, http.MethodPost, loginURL, form.Encode(), c.Cookies())
	if err != nil {
		return err
	}
	c.setCookies(res.Cookies)

	if hasLoginError(res.Response) {
		return &LoginError{Reason: "invalid email or password"}
	}

	if needsDeviceConfirmation(res.Response) {
		confirmTokens := hiddenInputs(res.Response)
		confirmForm := buildDeviceConfirmForm(confirmTokens, res.Response)
		confirmURL := res.URL
		if _, err := url.Parse(confirmURL); err != nil || confirmURL == "" {
			confirmURL = loginURL
		}
		if res, err = c.solver.solve(ctx, http.MethodPost, confirmURL, confirmForm.Encode(), c.Cookies()); err == nil {
			c.setCookies(res.Cookies)
		}
	}

	if c.verifySession(ctx) {
		c.loggedIn = true
		return nil
	}
	return fmt.Errorf("wodbuster: solver session not established")
}
