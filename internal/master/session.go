package master

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/net/http/httpproxy"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds the connect and read phases of one request.
	DefaultTimeout = 10 * time.Second
	// DefaultGlobalTimeout bounds a whole run.
	DefaultGlobalTimeout = 5 * time.Hour
	// DefaultUserAgent is sent when Options.UserAgent is empty.
	DefaultUserAgent = "pypimirror/dev"

	// closeGrace lets in-flight connection teardown finish after Close.
	closeGrace = 100 * time.Millisecond
)

// Options configures a Session (and the Master that owns it).
type Options struct {
	// URL is the base URL of the index, e.g. https://pypi.org.
	URL string
	// Timeout bounds connect, TLS handshake, response headers and every
	// body read individually. Zero means DefaultTimeout.
	Timeout time.Duration
	// GlobalTimeout bounds everything between Open and Close. Zero or
	// negative means DefaultGlobalTimeout.
	GlobalTimeout time.Duration
	// Proxy wins over the environment when set and usable.
	Proxy string
	// AllowNonHTTPS permits an http:// base URL.
	AllowNonHTTPS bool
	TLS           *TLSConfig
	// RequestsPerSecond limits request starts across the session. Zero
	// disables the limiter.
	RequestsPerSecond float64
	UserAgent         string
}

// Session owns the HTTP transport used for one run.
//
// Configuration is fixed at NewSession. After Open the session is safe for
// concurrent use and nothing mutates it until Close.
type Session struct {
	base          string
	timeout       time.Duration
	globalTimeout time.Duration
	proxy         func(*url.URL) (*url.URL, error)
	tlsConfig     *tls.Config
	userAgent     string
	limiter       *rate.Limiter

	mu        sync.RWMutex
	transport *http.Transport
	client    *http.Client
	ctx       context.Context
	cancel    context.CancelFunc
}

func configErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfiguration)
}

// NewSession validates opts. It does not open any connection.
func NewSession(opts Options) (*Session, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "master URL %q", opts.URL), ErrConfiguration)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !opts.AllowNonHTTPS {
			err := configErrorf("master URL %s is not https scheme", opts.URL)
			slog.Error("refusing non-https master URL", "url", opts.URL)
			return nil, err
		}
	default:
		return nil, configErrorf("master URL %s has unsupported scheme %q", opts.URL, u.Scheme)
	}
	if u.Host == "" {
		return nil, configErrorf("master URL %s has no host", opts.URL)
	}

	s := &Session{
		base:          strings.TrimSuffix(u.String(), "/"),
		timeout:       opts.Timeout,
		globalTimeout: opts.GlobalTimeout,
		proxy:         resolveProxy(opts.Proxy),
		userAgent:     opts.UserAgent,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.globalTimeout <= 0 {
		s.globalTimeout = DefaultGlobalTimeout
	}
	if s.userAgent == "" {
		s.userAgent = DefaultUserAgent
	}
	if opts.TLS != nil {
		s.tlsConfig, err = opts.TLS.BuildTLSConfig()
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "tls"), ErrConfiguration)
		}
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return s, nil
}

func supportedProxyScheme(scheme string) bool {
	switch scheme {
	case "http", "https", "socks5", "socks5h":
		return true
	}
	return false
}

// resolveProxy applies the precedence explicit > environment > none.
// From the environment an https index uses HTTPS_PROXY, then HTTP_PROXY,
// then ALL_PROXY; an http index uses HTTP_PROXY, then ALL_PROXY. NO_PROXY
// applies to both.
func resolveProxy(explicit string) func(*url.URL) (*url.URL, error) {
	if explicit != "" {
		u, err := url.Parse(explicit)
		if err == nil && supportedProxyScheme(u.Scheme) && u.Host != "" {
			slog.Info("using proxy URL", "proxy", u.Redacted())
			return func(*url.URL) (*url.URL, error) { return u, nil }
		}
		slog.Warn("ignoring unusable proxy URL", "proxy", explicit)
	}

	env := httpproxy.FromEnvironment()
	all := firstEnv("ALL_PROXY", "all_proxy")
	if env.HTTPSProxy == "" {
		env.HTTPSProxy = firstNonEmpty(env.HTTPProxy, all)
	}
	if env.HTTPProxy == "" {
		env.HTTPProxy = all
	}
	if env.HTTPSProxy == "" && env.HTTPProxy == "" {
		return func(*url.URL) (*url.URL, error) { return nil, nil }
	}
	slog.Info("using proxy from environment", "https_proxy", env.HTTPSProxy, "http_proxy", env.HTTPProxy)
	return env.ProxyFunc()
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// BaseURL returns the index base URL without a trailing slash.
func (s *Session) BaseURL() string {
	return s.base
}

// ProxyFor reports the proxy a request to target would use.
func (s *Session) ProxyFor(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	return s.proxy(u)
}

// Resolve turns an index path into an absolute URL. Absolute http(s) URLs
// are returned unchanged.
func (s *Session) Resolve(path string) string {
	if strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return s.base + path
}

// Open starts the global timeout and builds the connection pool.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return errors.New("session already open")
	}

	slog.Debug("opening index session", "url", s.base, "timeout", s.timeout, "global_timeout", s.globalTimeout)

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = func(req *http.Request) (*url.URL, error) { return s.proxy(req.URL) }
	tr.DialContext = (&net.Dialer{Timeout: s.timeout, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = s.timeout
	tr.ResponseHeaderTimeout = s.timeout
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second
	if s.tlsConfig != nil {
		tr.TLSClientConfig = s.tlsConfig.Clone()
	}

	s.transport = tr
	s.client = &http.Client{
		Transport: roundTripperFunc(s.send),
		Timeout:   0, // bounded by the request context
	}
	s.ctx, s.cancel = context.WithTimeout(ctx, s.globalTimeout)
	return nil
}

// Close releases the connection pool. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.client == nil {
		s.mu.Unlock()
		return nil
	}
	slog.Debug("closing index session and waiting", "grace", closeGrace)
	s.cancel()
	s.transport.CloseIdleConnections()
	s.transport = nil
	s.client = nil
	s.mu.Unlock()

	time.Sleep(closeGrace)
	return nil
}

func (s *Session) state() (*http.Client, context.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, nil, ErrSessionClosed
	}
	return s.client, s.ctx, nil
}

// send is the transport of s.client; every hop of a redirect chain gets
// the fixed headers and passes the rate limiter.
func (s *Session) send(req *http.Request) (*http.Response, error) {
	s.mu.RLock()
	tr := s.transport
	s.mu.RUnlock()
	if tr == nil {
		return nil, ErrSessionClosed
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", s.userAgent)
	return tr.RoundTrip(req)
}

// Do issues req under the session timeouts. Non-2xx answers are returned
// as *HTTPStatusError with the body already closed. On success the caller
// owns resp.Body.
func (s *Session) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	client, sctx, err := s.state()
	if err != nil {
		return nil, err
	}

	rctx, cancel, release := bind(ctx, sctx)
	resp, err := client.Do(req.WithContext(rctx))
	if err != nil {
		err = classify(rctx, err)
		release()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		closeRespBody(resp)
		release()
		return nil, &HTTPStatusError{URL: req.URL.String(), StatusCode: resp.StatusCode}
	}
	resp.Body = newTimeoutBody(resp.Body, rctx, cancel, s.timeout, release)
	return resp, nil
}

// Get is Do for a GET of an index path or absolute URL.
func (s *Session) Get(ctx context.Context, path string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Resolve(path), http.NoBody)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return s.Do(ctx, req)
}

// RoundTripper returns a transport that sends every request through Do
// with ctx. It lets third-party clients share the session.
func (s *Session) RoundTripper(ctx context.Context) http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return s.Do(ctx, req)
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// closeRespBody closes HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}
