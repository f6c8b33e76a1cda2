// Package httptransport sends queued uploads and actions over net/http.
package httptransport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
)

const (
	// DefaultTimeout is the client-level timeout for one request.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize caps how much of a response body is read (10MB).
	MaxResponseSize = 10 * 1024 * 1024

	// UserAgent is sent on every request.
	UserAgent = "fieldsync/1.0"

	// TracerName is the name used for client spans.
	TracerName = "github.com/kimhsiao/fieldsync/httptransport"
)

// Config holds transport configuration.
type Config struct {
	Timeout time.Duration
	// Headers are added to every request unless the request sets them.
	Headers map[string]string
}

// Transport implements sync.Transport over an http.Client.
type Transport struct {
	client     *http.Client
	headers    map[string]string
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

var _ syncpkg.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithTracerProvider records a client span per request.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *Transport) {
		if tp != nil {
			t.tracer = tp.Tracer(TracerName)
		}
	}
}

// New creates a Transport. A zero timeout uses DefaultTimeout.
func New(cfg Config, opts ...Option) *Transport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	t := &Transport{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		headers:    cfg.Headers,
		tracer:     otel.GetTracerProvider().Tracer(TracerName),
		propagator: otel.GetTextMapPropagator(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send executes req. Network failures come back as NETWORK_TRANSIENT errors
// and malformed requests as NETWORK_PERMANENT; any HTTP status is returned
// as a Response for the caller to classify.
func (t *Transport) Send(ctx context.Context, req syncpkg.Request) (*syncpkg.Response, error) {
	httpReq, err := t.build(ctx, req)
	if err != nil {
		return nil, err
	}

	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("%s %s", httpReq.Method, httpReq.URL.Path),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(httpReq.Method),
			semconv.URLFull(redact(httpReq.URL)),
		),
	)
	defer span.End()
	httpReq = httpReq.WithContext(ctx)
	t.propagator.Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := t.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.ErrNetworkTransient, "execute request", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetworkTransient, "read response body", err)
	}
	if len(body) > MaxResponseSize {
		logging.Warn("Response body truncated", map[string]interface{}{
			"url":    redact(httpReq.URL),
			"status": resp.StatusCode,
			"limit":  MaxResponseSize,
		})
		body = body[:MaxResponseSize]
	}

	return &syncpkg.Response{Status: resp.StatusCode, Body: body, Header: resp.Header}, nil
}

func (t *Transport) build(ctx context.Context, req syncpkg.Request) (*http.Request, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperrors.Newf(apperrors.ErrNetworkPermanent, "invalid request url %q", req.URL)
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.File != nil:
		data, ct, err := encodeMultipart(req.File)
		if err != nil {
			return nil, err
		}
		body, contentType = bytes.NewReader(data), ct
	case len(req.Body) > 0:
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetworkPermanent, "create request", err)
	}

	httpReq.Header.Set("User-Agent", UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	return httpReq, nil
}

// encodeMultipart renders a file part followed by its form fields in key order.
func encodeMultipart(f *syncpkg.File) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, f.Fields[k]); err != nil {
			return nil, "", apperrors.Wrap(apperrors.ErrSerialization, "write form field", err)
		}
	}

	field := f.FieldName
	if field == "" {
		field = "file"
	}
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, f.FileName))
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrSerialization, "create file part", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrSerialization, "write file part", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrSerialization, "close multipart body", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// redact drops credentials and the query string from u for logs and spans.
func redact(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}
