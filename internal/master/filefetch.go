package master

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/pypimirror/internal/metrics"
)

// DefaultChunkSize is the read size of FetchFile.
const DefaultChunkSize = 64 * 1024

// Offloader runs blocking filesystem work away from the caller's
// goroutine. Submitted functions must not assume any ordering.
type Offloader interface {
	Run(ctx context.Context, fn func() error) error
}

// WorkerPool is an Offloader with a fixed number of workers.
type WorkerPool struct {
	semaphore chan struct{}
}

// NewWorkerPool creates a pool running at most n functions at once.
func NewWorkerPool(n int) *WorkerPool {
	if n < 1 {
		n = 1
	}
	semaphore := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		semaphore <- struct{}{}
	}
	return &WorkerPool{semaphore: semaphore}
}

// Run waits for a free worker slot, runs fn in it and returns its error.
// If ctx ends while waiting, Run returns ctx.Err() and fn never runs. A
// started fn always runs to completion before Run returns.
func (p *WorkerPool) Run(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.semaphore:
	}
	defer func() { p.semaphore <- struct{}{} }()
	return fn()
}

type inline struct{}

func (inline) Run(_ context.Context, fn func() error) error {
	return fn()
}

// FileOptions adjusts FetchFile.
type FileOptions struct {
	// Offload runs directory creation and the write loop. Nil runs them
	// on the calling goroutine.
	Offload Offloader
	// ChunkSize is the maximum size of one read. Zero means DefaultChunkSize.
	ChunkSize int
	// Progress, if set, is called with the size of every written chunk.
	Progress func(n int64)
}

// FileFetcher streams remote files to local paths over a Session.
//
// FetchFile gives no atomicity guarantee: a failure mid-stream leaves a
// partial file at dest. Callers needing atomic replacement must fetch to
// a temporary path and rename it on success.
type FileFetcher struct {
	session *Session
}

// NewFileFetcher returns a fetcher sharing s.
func NewFileFetcher(s *Session) *FileFetcher {
	return &FileFetcher{session: s}
}

// FetchFile downloads rawURL to dest and returns the number of bytes written.
func (f *FileFetcher) FetchFile(ctx context.Context, rawURL, dest string, opts *FileOptions) (int64, error) {
	start := time.Now()
	n, err := f.fetchFile(ctx, rawURL, dest, opts)
	metrics.Observe(metrics.KindFile, resultOf(err), start)
	metrics.FetchedBytes.Add(float64(n))
	return n, err
}

func (f *FileFetcher) fetchFile(ctx context.Context, rawURL, dest string, opts *FileOptions) (int64, error) {
	var offload Offloader = inline{}
	chunkSize := DefaultChunkSize
	var progress func(int64)
	if opts != nil {
		if opts.Offload != nil {
			offload = opts.Offload
		}
		if opts.ChunkSize > 0 {
			chunkSize = opts.ChunkSize
		}
		progress = opts.Progress
	}

	slog.Info("fetching", "url", rawURL)

	err := offload.Run(ctx, func() error {
		return os.MkdirAll(filepath.Dir(dest), 0750)
	})
	if err != nil {
		return 0, errors.Wrapf(classify(ctx, err), "create parent of %s", dest)
	}

	resp, err := f.session.Get(ctx, rawURL, nil)
	if err != nil {
		return 0, err
	}
	defer closeRespBody(resp)
	stop := context.AfterFunc(ctx, func() { _ = resp.Body.Close() })
	defer stop()

	var written atomic.Int64
	err = offload.Run(ctx, func() error {
		fd, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644) // #nosec G304 - dest is chosen by the storage layer
		if err != nil {
			return err
		}
		buf := make([]byte, chunkSize)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				if _, werr := fd.Write(buf[:n]); werr != nil {
					_ = fd.Close()
					return werr
				}
				written.Add(int64(n))
				if progress != nil {
					progress(int64(n))
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				_ = fd.Close()
				return rerr
			}
		}
		return fd.Close()
	})
	if err != nil {
		return written.Load(), errors.Wrapf(classify(ctx, err), "fetch %s", rawURL)
	}
	return written.Load(), nil
}
