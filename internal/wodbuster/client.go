package wodbuster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	logx "github.com/Keralin/WodSniper/pkg/logx"
)

const (
	accountHost = "https://wodbuster.com"
	userAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/119.0.0.0 Safari/537.36"

	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 4 << 20
)

// Config configures one upstream client.
type Config struct {
	// BoxURL is the gym's WodBuster URL, e.g. https://teknix.wodbuster.com.
	BoxURL string
	// Timeout bounds every request. Defaults to 15s.
	Timeout time.Duration
	// FlareSolverrURL, when set, routes login traffic through FlareSolverr
	// before falling back to direct requests.
	FlareSolverrURL string
	// UserAgent overrides the default browser-like User-Agent.
	UserAgent string
}

// Client talks to WodBuster for a single user session. It owns a cookie jar
// and is NOT safe for concurrent use; create one client per user per run.
type Client struct {
	boxURL  string
	boxName string
	ua      string

	http   *http.Client
	jar    http.CookieJar
	solver *solverClient

	log      logx.Logger
	loggedIn bool
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	boxURL := strings.TrimRight(strings.TrimSpace(cfg.BoxURL), "/")
	if boxURL == "" {
		return nil, fmt.Errorf("wodbuster: box URL is required")
	}
	u, err := url.Parse(boxURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("wodbuster: invalid box URL %q", cfg.BoxURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = userAgent
	}

	c := &Client{
		boxURL:  boxURL,
		boxName: boxNameFromHost(u.Host),
		ua:      ua,
		jar:     jar,
		http: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
		log: log.With(logx.String("box", boxNameFromHost(u.Host))),
	}
	if solverURL := strings.TrimSpace(cfg.FlareSolverrURL); solverURL != "" {
		c.solver = newSolverClient(solverURL)
	}
	return c, nil
}

func boxNameFromHost(host string) string {
	if name, ok := strings.CutSuffix(host, ".wodbuster.com"); ok {
		return name
	}
	return host
}

func (c *Client) loginURL() string {
	return accountHost + "/account/login.aspx?cb=" + url.QueryEscape(c.boxName)
}

// LoggedIn reports whether a session was established in this client.
func (c *Client) LoggedIn() bool { return c.loggedIn }

// ---- cookie persistence ----

// Cookie is the stored form of one session cookie.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Cookies exports the cookies relevant to the account host and the box, for
// persisting across runs.
func (c *Client) Cookies() []Cookie {
	seen := make(map[string]bool)
	var out []Cookie
	for _, raw := range []string{accountHost, c.boxURL} {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		for _, ck := range c.jar.Cookies(u) {
			key := ck.Name + "@" + u.Host
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Cookie{Name: ck.Name, Value: ck.Value, Domain: u.Host, Path: "/"})
		}
	}
	return out
}

func (c *Client) setCookies(cookies []Cookie) {
	byHost := make(map[string][]*http.Cookie)
	for _, ck := range cookies {
		hc := &http.Cookie{Name: ck.Name, Value: ck.Value, Path: ck.Path}
		if hc.Path == "" {
			hc.Path = "/"
		}
		host := strings.TrimPrefix(ck.Domain, ".")
		if host == "" {
			// No domain recorded: make it visible to both hosts.
			for _, raw := range []string{accountHost, c.boxURL} {
				u, _ := url.Parse(raw)
				byHost[u.Host] = append(byHost[u.Host], hc)
			}
			continue
		}
		byHost[host] = append(byHost[host], hc)
	}
	for host, list := range byHost {
		u := &url.URL{Scheme: "https", Host: host, Path: "/"}
		c.jar.SetCookies(u, list)
	}
}

// EncodeCookies serializes cookies for the session store.
func EncodeCookies(cookies []Cookie) (string, error) {
	if len(cookies) == 0 {
		return "", nil
	}
	b, err := json.Marshal(cookies)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeCookies parses a stored session. Empty or malformed input yields nil.
func DecodeCookies(s string) []Cookie {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []Cookie
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// ---- HTTP plumbing ----

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "es-ES,es;q=0.9,en;q=0.8")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	return req, nil
}

func (c *Client) getBody(ctx context.Context, rawURL string, params url.Values) (string, int, error) {
	if params != nil {
		rawURL = rawURL + "?" + params.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(b), resp.StatusCode, nil
}

func (c *Client) postForm(ctx context.Context, rawURL string, form url.Values) (string, int, string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", resp.StatusCode, "", err
	}
	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return string(b), resp.StatusCode, finalURL, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, params url.Values, out any) error {
	body, status, err := c.getBody(ctx, rawURL, params)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("wodbuster: %s returned status %d", rawURL, status)
	}
	return json.Unmarshal([]byte(body), out)
}
