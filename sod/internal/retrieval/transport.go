package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/seis-sod/sod-stack/common/models"
)

// Transport performs a single network attempt for a request.
type Transport interface {
	Get(ctx context.Context, req *models.RetrievalRequest) ([]byte, error)
	// Source names the remote end. It keys rate limiting and is recorded on RawRecords.
	Source() string
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *models.RetrievalRequest) ([]byte, error)

func (f TransportFunc) Get(ctx context.Context, req *models.RetrievalRequest) ([]byte, error) {
	return f(ctx, req)
}

func (f TransportFunc) Source() string {
	return "func"
}

const fdsnTimeFormat = "2006-01-02T15:04:05.000000"

// FDSNTransport fetches miniSEED from an FDSN dataselect service.
type FDSNTransport struct {
	base      *url.URL
	client    *http.Client
	userAgent string
	maxBytes  int64
}

// NewFDSNTransport creates a transport for the dataselect query endpoint,
// e.g. https://service.iris.edu/fdsnws/dataselect/1/query.
func NewFDSNTransport(endpoint, userAgent string) (*FDSNTransport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid dataselect URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid dataselect URL %q: scheme must be http or https", endpoint)
	}
	if userAgent == "" {
		userAgent = "sod"
	}
	return &FDSNTransport{
		base: u,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: userAgent,
		maxBytes:  256 << 20,
	}, nil
}

// Source returns the datacenter host.
func (t *FDSNTransport) Source() string {
	return t.base.Host
}

// QueryURL renders the dataselect URL for req.
func (t *FDSNTransport) QueryURL(req *models.RetrievalRequest) string {
	loc := req.Channel.Location
	if loc == "" {
		loc = "--"
	}
	q := url.Values{}
	q.Set("net", req.Channel.Network)
	q.Set("sta", req.Channel.Station)
	q.Set("loc", loc)
	q.Set("cha", req.Channel.Channel)
	q.Set("starttime", req.Window.Start.UTC().Format(fdsnTimeFormat))
	q.Set("endtime", req.Window.End.UTC().Format(fdsnTimeFormat))
	q.Set("nodata", "404")

	u := *t.base
	u.RawQuery = q.Encode()
	return u.String()
}

// Get issues one dataselect query. The caller's context bounds the call.
func (t *FDSNTransport) Get(ctx context.Context, req *models.RetrievalRequest) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.QueryURL(req), nil)
	if err != nil {
		return nil, Permanent(err)
	}
	httpReq.Header.Set("User-Agent", t.userAgent)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, classifyStatus(resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes))
	if err != nil {
		return nil, Transient(fmt.Errorf("read body: %w", err))
	}
	if len(data) == 0 {
		return nil, Permanent(errors.New("no data"))
	}
	return data, nil
}

func classifyStatus(code int, body string) error {
	err := &TransportError{StatusCode: code, Err: errors.New(http.StatusText(code))}
	if body != "" {
		err.Err = fmt.Errorf("%s: %s", http.StatusText(code), body)
	}
	switch {
	case code == http.StatusNoContent:
		err.Err = errors.New("no data")
	case code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout,
		code >= 500:
		err.Transient = true
	}
	return err
}
