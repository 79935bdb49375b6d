/*
Package pypimirror is a tool for mirroring the Python Package Index.

pypimirror keeps a local copy of a PyPI-compatible index consistent with
the index's event serial. Features include:
  - Incremental updates driven by the changelog serial
  - Rejection of stale CDN responses via X-PYPI-LAST-SERIAL
  - Optional file downloads with sha256 and PGP signature verification
  - TLS, proxy and rate limit settings for the upstream session
  - Atomic updates with file locking

The main packages are:

	github.com/mirrorctl/pypimirror/internal/master   - Index client: session, serial guard, XML-RPC and file fetching
	github.com/mirrorctl/pypimirror/internal/mirror   - Sync orchestration, configuration and storage
	github.com/mirrorctl/pypimirror/internal/metrics  - Prometheus metrics
	github.com/mirrorctl/pypimirror/cmd/pypi-mirrorctl - Command-line interface
*/
package pypimirror
