package master

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/pypimirror/internal/metrics"
)

// FetchOptions adjusts a guarded fetch.
type FetchOptions struct {
	// Header is added to the request, e.g. Accept for PEP 691 JSON pages.
	Header http.Header
}

// FetchResult is a response that passed the serial check. The caller must
// Close it.
type FetchResult struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Serial     int64
	HasSerial  bool
}

// Close releases the connection.
func (r *FetchResult) Close() error {
	return r.Body.Close()
}

// JSON decodes the body into v.
func (r *FetchResult) JSON(v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrStaleResponse):
		return metrics.ResultStale
	case errors.Is(err, ErrPackageNotFound), statusCode(err) == http.StatusNotFound:
		return metrics.ResultNotFound
	case IsTimeout(err):
		return metrics.ResultTimeout
	}
	return metrics.ResultError
}

// GuardedFetch GETs path and checks the serial header against required.
// A stale response is closed and returned as *StaleResponseError; no body
// from it ever reaches the caller.
func (m *Master) GuardedFetch(ctx context.Context, path string, required RequiredSerial, opts *FetchOptions) (*FetchResult, error) {
	start := time.Now()
	res, err := m.guardedFetch(ctx, path, required, opts)
	metrics.Observe(metrics.KindGet, resultOf(err), start)
	return res, err
}

func (m *Master) guardedFetch(ctx context.Context, path string, required RequiredSerial, opts *FetchOptions) (*FetchResult, error) {
	if required.mode == requirementUnset {
		return nil, ErrSerialRequirementUnspecified
	}
	target := m.session.Resolve(path)
	slog.Debug("getting", "url", target, "serial", required.String())

	var header http.Header
	if opts != nil {
		header = opts.Header
	}
	resp, err := m.session.Get(ctx, target, header)
	if err != nil {
		return nil, err
	}

	serial, ok := ObservedSerial(resp.Header)
	if err := CheckFresh(path, required, serial, ok); err != nil {
		closeRespBody(resp)
		slog.Warn("rejecting stale response", "url", target, "required", required.String(), "error", err)
		return nil, err
	}

	return &FetchResult{
		URL:        target,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Serial:     serial,
		HasSerial:  ok,
	}, nil
}

// PackageMetadata is the JSON API document of one project.
type PackageMetadata struct {
	Info       PackageInfo              `json:"info"`
	LastSerial int64                    `json:"last_serial"`
	Releases   map[string][]ReleaseFile `json:"releases"`
	URLs       []ReleaseFile            `json:"urls"`

	// Raw is the document as served, for storing verbatim.
	Raw json.RawMessage `json:"-"`
}

// PackageInfo is the "info" object of the JSON API.
type PackageInfo struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	Summary        string `json:"summary"`
	RequiresPython string `json:"requires_python"`
	Yanked         bool   `json:"yanked"`
}

// ReleaseFile is one distribution file of a release.
type ReleaseFile struct {
	Filename       string            `json:"filename"`
	URL            string            `json:"url"`
	Size           int64             `json:"size"`
	Digests        map[string]string `json:"digests"`
	PackageType    string            `json:"packagetype"`
	PythonVersion  string            `json:"python_version"`
	RequiresPython string            `json:"requires_python"`
	HasSig         bool              `json:"has_sig"`
	Yanked         bool              `json:"yanked"`
	UploadTime     string            `json:"upload_time_iso_8601"`
}

// FetchPackageMetadata fetches /pypi/<name>/json requiring at least serial.
// A 404 becomes *PackageNotFoundError.
func (m *Master) FetchPackageMetadata(ctx context.Context, name string, serial int64) (*PackageMetadata, error) {
	res, err := m.GuardedFetch(ctx, "/pypi/"+url.PathEscape(name)+"/json", AtLeast(serial), nil)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, &PackageNotFoundError{Name: name}
		}
		return nil, err
	}
	defer res.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read metadata of %s", name)
	}
	md := &PackageMetadata{Raw: raw}
	if err := json.Unmarshal(raw, md); err != nil {
		return nil, errors.Wrapf(err, "decode metadata of %s", name)
	}
	return md, nil
}

// FetchSimplePage fetches the PEP 503 simple page of name requiring at
// least serial. The caller must Close the result.
func (m *Master) FetchSimplePage(ctx context.Context, name string, serial int64) (*FetchResult, error) {
	res, err := m.GuardedFetch(ctx, "/simple/"+url.PathEscape(name)+"/", AtLeast(serial), nil)
	if err != nil && statusCode(err) == http.StatusNotFound {
		return nil, &PackageNotFoundError{Name: name}
	}
	return res, err
}
