// Package master talks to the authoritative package index.
//
// A Master owns one Session for one run. Every read that matters for
// mirror consistency goes through GuardedFetch, which rejects responses
// whose X-PYPI-LAST-SERIAL header is behind the serial the caller already
// knows about. The package keeps no state between runs; serial cursors
// belong to the caller.
package master

import (
	"context"
)

// Master is the single entry point used by sync, verify and delete runs.
type Master struct {
	session *Session
	rpc     *RPCGateway
	files   *FileFetcher
}

// New validates opts and returns an unopened Master. A plain http:// URL
// fails with ErrConfiguration unless opts.AllowNonHTTPS is set.
func New(opts Options) (*Master, error) {
	s, err := NewSession(opts)
	if err != nil {
		return nil, err
	}
	return &Master{
		session: s,
		rpc:     NewRPCGateway(s),
		files:   NewFileFetcher(s),
	}, nil
}

// Open acquires the session. Pair every successful Open with Close.
func (m *Master) Open(ctx context.Context) error {
	return m.session.Open(ctx)
}

// Close releases the session.
func (m *Master) Close() error {
	return m.session.Close()
}

// Session returns the shared session.
func (m *Master) Session() *Session {
	return m.session
}

// URL returns the index base URL.
func (m *Master) URL() string {
	return m.session.BaseURL()
}

// ListAllPackages returns {name: last serial} for every project.
func (m *Master) ListAllPackages(ctx context.Context) (map[string]int64, error) {
	return m.rpc.ListAllPackages(ctx)
}

// ChangedSince returns {name: max serial} for projects changed after lastSerial.
func (m *Master) ChangedSince(ctx context.Context, lastSerial int64) (map[string]int64, error) {
	return m.rpc.ChangedSince(ctx, lastSerial)
}

// FetchFile streams rawURL to dest. See FileFetcher for the atomicity contract.
func (m *Master) FetchFile(ctx context.Context, rawURL, dest string, opts *FileOptions) (int64, error) {
	return m.files.FetchFile(ctx, rawURL, dest, opts)
}
