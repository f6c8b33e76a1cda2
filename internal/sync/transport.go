package sync

//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks -source=transport.go Transport,Connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/sync/batch"
)

// File is a binary part sent as a multipart upload.
type File struct {
	FieldName   string
	FileName    string
	ContentType string
	Data        []byte
	// Fields are sent as additional form values.
	Fields map[string]string
}

// Request is one call to the remote API.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
	// File, when set, replaces Body with a multipart form.
	File *File
}

// Response is the remote API's answer.
type Response struct {
	Status int
	Body   []byte
	Header http.Header
}

// Transport sends requests to the remote API. Implementations return an error
// only when no HTTP status was received.
type Transport interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Connectivity reports the current link quality.
type Connectivity interface {
	ConnectionQuality() batch.Quality
}

// StaticConnectivity reports a fixed quality.
type StaticConnectivity batch.Quality

// ConnectionQuality implements Connectivity.
func (s StaticConnectivity) ConnectionQuality() batch.Quality {
	return batch.Quality(s)
}

// outcomeKind classifies a transport result.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeTransient
	outcomePermanent
	outcomeConflict
)

// outcome is the classified result of one send.
type outcome struct {
	kind       outcomeKind
	status     int
	err        error
	retryAfter time.Duration
}

func (o outcome) message() string {
	if o.err != nil {
		return o.err.Error()
	}
	return fmt.Sprintf("HTTP %d %s", o.status, http.StatusText(o.status))
}

// classify maps a transport result to an outcome. Network errors, timeouts,
// 5xx, 401 and 429 are transient; 409 and 412 signal a version conflict;
// every other 4xx is permanent.
func classify(resp *Response, err error, now time.Time) outcome {
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNetworkPermanent) {
			return outcome{kind: outcomePermanent, err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return outcome{kind: outcomeTransient, err: apperrors.Wrap(apperrors.ErrNetworkTransient, "request timed out", err)}
		}
		return outcome{kind: outcomeTransient, err: err}
	}
	if resp == nil {
		return outcome{kind: outcomeTransient, err: apperrors.New(apperrors.ErrNetworkTransient, "empty response")}
	}

	o := outcome{status: resp.Status}
	switch {
	case resp.Status >= 200 && resp.Status < 300:
		o.kind = outcomeSuccess
	case resp.Status == http.StatusConflict, resp.Status == http.StatusPreconditionFailed:
		o.kind = outcomeConflict
	case resp.Status >= 500, resp.Status == http.StatusUnauthorized, resp.Status == http.StatusTooManyRequests:
		o.kind = outcomeTransient
		o.retryAfter = RetryAfter(resp.Header, now)
	default:
		o.kind = outcomePermanent
	}
	return o
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
// It returns zero when the header is absent or unparseable.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
