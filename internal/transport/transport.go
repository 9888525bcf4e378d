// Package transport implements the collection-endpoint collaborator: one
// bounded HTTP send of a batch of opaque event payloads, returning the
// status code and any server-supplied tuning values.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/http2"
)

// ErrorType represents a category of send error for metrics.
type ErrorType string

const (
	// ErrorTypeNetwork represents network-level errors (DNS, connection refused, etc.)
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeServerError represents server-side errors (5xx status codes)
	ErrorTypeServerError ErrorType = "server_error"
	// ErrorTypeClientError represents client-side errors (4xx status codes)
	ErrorTypeClientError ErrorType = "client_error"
	// ErrorTypeAuth represents authentication/authorization errors (401, 403)
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeRateLimit represents rate limiting errors (429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeUnknown represents unclassified errors
	ErrorTypeUnknown ErrorType = "unknown"
)

var (
	sendRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_courier_send_requests_total",
		Help: "Total upload requests sent to the collection endpoint",
	})

	sendErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_send_errors_total",
		Help: "Total upload request errors by error type",
	}, []string{"error_type"})

	sendBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_send_bytes_total",
		Help: "Total bytes sent to the collection endpoint",
	}, []string{"compression"})
)

func init() {
	prometheus.MustRegister(sendRequestsTotal)
	prometheus.MustRegister(sendErrorsTotal)
	prometheus.MustRegister(sendBytesTotal)
}

// Response is the interpreted result of an upload request. Limits is nil
// when the server did not return parseable tuning values.
type Response struct {
	StatusCode int
	Limits     *Limits
}

// Limits carries the server-supplied tuning values from a response body.
// Pointer fields distinguish absent values from explicit zeroes.
type Limits struct {
	MaxTotalSize     *int64 `json:"max_total_size"`
	MaxBatchSize     *int64 `json:"max_batch_size"`
	MaxWaitMillis    *int64 `json:"max_wait_ms"`
	MinBatchInterval *int64 `json:"min_batch_interval_ms"`
}

// Transport sends one ordered batch of opaque payloads. A nil Response
// with an error is a send failure; any returned Response carries the HTTP
// status for the coordinator to interpret.
type Transport interface {
	Send(ctx context.Context, payloads []json.RawMessage) (*Response, error)
}

// HTTPClientConfig holds HTTP client connection pool settings.
type HTTPClientConfig struct {
	MaxIdleConns         int
	MaxIdleConnsPerHost  int
	MaxConnsPerHost      int
	IdleConnTimeout      time.Duration
	DisableKeepAlives    bool
	ForceAttemptHTTP2    bool
	HTTP2ReadIdleTimeout time.Duration
	HTTP2PingTimeout     time.Duration
}

// Config holds the transport configuration.
type Config struct {
	// Endpoint is the collection endpoint URL (scheme and path optional).
	Endpoint string
	// DefaultPath is appended when the endpoint has no path (default: /v1/events).
	DefaultPath string
	// Insecure uses plain HTTP instead of TLS.
	Insecure bool
	// Timeout bounds one send, including connection setup and body read.
	Timeout time.Duration
	// BearerToken, when set, is sent as an Authorization header.
	BearerToken string
	// Headers are extra headers added to every request.
	Headers map[string]string
	// Compression is the request body compression (none, gzip, zstd).
	Compression Compression
	// HTTPClient configures connection pooling.
	HTTPClient HTTPClientConfig
}

// HTTPTransport is the production Transport: JSON batch upload over a
// pooled HTTP client.
type HTTPTransport struct {
	client   *http.Client
	endpoint string
	timeout  time.Duration
	codec    *compressor
	bearer   string
	headers  map[string]string
}

// New creates an HTTPTransport.
func New(cfg Config) (*HTTPTransport, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.HTTPClient.ForceAttemptHTTP2,
		MaxIdleConns:          cfg.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.HTTPClient.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.HTTPClient.MaxConnsPerHost,
		IdleConnTimeout:       cfg.HTTPClient.IdleConnTimeout,
		DisableKeepAlives:     cfg.HTTPClient.DisableKeepAlives,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 100
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConnsPerHost = 100
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}

	if !cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	if cfg.HTTPClient.ForceAttemptHTTP2 || (!cfg.Insecure && transport.TLSClientConfig != nil) {
		http2Transport, err := http2.ConfigureTransports(transport)
		if err == nil && http2Transport != nil {
			if cfg.HTTPClient.HTTP2ReadIdleTimeout > 0 {
				http2Transport.ReadIdleTimeout = cfg.HTTPClient.HTTP2ReadIdleTimeout
			}
			if cfg.HTTPClient.HTTP2PingTimeout > 0 {
				http2Transport.PingTimeout = cfg.HTTPClient.HTTP2PingTimeout
			}
		}
	}

	codec, err := newCompressor(cfg.Compression)
	if err != nil {
		return nil, err
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:8080"
	}
	scheme := "http"
	if !cfg.Insecure {
		scheme = "https"
	}
	if !hasScheme(endpoint) {
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}
	if !hasPath(endpoint) {
		defaultPath := cfg.DefaultPath
		if defaultPath == "" {
			defaultPath = "/v1/events"
		}
		endpoint = endpoint + defaultPath
	}

	return &HTTPTransport{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		endpoint: endpoint,
		timeout:  cfg.Timeout,
		codec:    codec,
		bearer:   cfg.BearerToken,
		headers:  cfg.Headers,
	}, nil
}

// Send uploads one batch of payloads as a JSON array. Any HTTP response,
// whatever its status code, yields a Response; only transport-level
// failures return an error.
func (t *HTTPTransport) Send(ctx context.Context, payloads []json.RawMessage) (*Response, error) {
	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	compressionLabel := "none"
	if t.codec.enabled() {
		body, err = t.codec.compress(body)
		if err != nil {
			return nil, fmt.Errorf("failed to compress batch: %w", err)
		}
		compressionLabel = string(t.codec.kind)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding := t.codec.contentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if t.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearer)
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	sendRequestsTotal.Inc()

	resp, err := t.client.Do(req)
	if err != nil {
		sendErrorsTotal.WithLabelValues(string(classifyError(err))).Inc()
		return nil, fmt.Errorf("failed to send batch: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		sendErrorsTotal.WithLabelValues(string(classifyHTTPStatusCode(resp.StatusCode))).Inc()
	}
	sendBytesTotal.WithLabelValues(compressionLabel).Add(float64(len(body)))

	result := &Response{StatusCode: resp.StatusCode}
	var limits Limits
	if len(respBody) > 0 && json.Unmarshal(respBody, &limits) == nil {
		result.Limits = &limits
	}
	return result, nil
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// hasScheme checks if a URL has a scheme.
func hasScheme(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// hasPath checks if a URL has a path component after the host.
func hasPath(url string) bool {
	rest := url
	if i := strings.Index(url, "://"); i >= 0 {
		rest = url[i+3:]
	}
	return strings.Contains(rest, "/")
}

// classifyError categorizes an error into a low-cardinality error type.
func classifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "no such host"),
		strings.Contains(errStr, "network is unreachable"),
		strings.Contains(errStr, "connection reset"),
		strings.Contains(errStr, "broken pipe"):
		return ErrorTypeNetwork
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"):
		return ErrorTypeTimeout
	}
	return ErrorTypeUnknown
}

// classifyHTTPStatusCode categorizes an HTTP status code into an error type.
func classifyHTTPStatusCode(statusCode int) ErrorType {
	switch {
	case statusCode == 401 || statusCode == 403:
		return ErrorTypeAuth
	case statusCode == 429:
		return ErrorTypeRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorTypeClientError
	case statusCode >= 500:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}

// isTimeoutError checks if the error is a timeout error.
func isTimeoutError(err error) bool {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return err == context.DeadlineExceeded
}

// isNetworkError checks if the error is a network error.
func isNetworkError(err error) bool {
	if netErr, ok := err.(net.Error); ok && !netErr.Timeout() {
		return true
	}
	if _, ok := err.(*net.DNSError); ok {
		return true
	}
	if _, ok := err.(*net.OpError); ok {
		return true
	}
	return false
}
