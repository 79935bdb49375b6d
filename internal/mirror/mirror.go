package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorctl/pypimirror/internal/master"
)

const progressInterval = 30 * time.Second

// SyncResult summarizes one Sync.
type SyncResult struct {
	// Previous is the serial the mirror was consistent with before the run.
	Previous int64
	// Serial is the serial after the run. It equals Previous when any
	// package failed.
	Serial  int64
	Synced  []string
	Removed []string
	Failed  map[string]error
}

// Complete reports whether every package of the run was synchronized.
func (r *SyncResult) Complete() bool {
	return len(r.Failed) == 0
}

// Mirror implements the synchronization of a PyPI mirror.
type Mirror struct {
	master        *master.Master
	storage       *Storage
	workers       int
	downloadFiles bool
	verifier      *Verifier
	pool          *master.WorkerPool

	mu     sync.Mutex
	result *SyncResult
}

// NewMirror constructs a Mirror. m must be open for the duration of Sync.
// verifier may be nil to skip signature checks.
func NewMirror(m *master.Master, storage *Storage, config *Config, verifier *Verifier) *Mirror {
	workers := config.Workers
	if workers < 1 {
		workers = defaultWorkers
	}
	return &Mirror{
		master:        m,
		storage:       storage,
		workers:       workers,
		downloadFiles: config.DownloadFiles,
		verifier:      verifier,
		pool:          master.NewWorkerPool(workers),
	}
}

// Sync brings the mirror up to date with the index.
//
// A mirror that never completed a sync lists every project; otherwise
// only projects changed after the stored serial are processed. Failures
// of single projects are collected in the result and keep the stored
// serial where it was, so the next run retries them. Errors listing the
// work or writing local storage abort the run.
func (m *Mirror) Sync(ctx context.Context) (*SyncResult, error) {
	previous, err := m.storage.ReadSerial()
	if err != nil {
		return nil, err
	}

	var todo map[string]int64
	if previous == 0 {
		slog.Info("no previous serial, listing all packages", "url", m.master.URL())
		todo, err = m.master.ListAllPackages(ctx)
	} else {
		slog.Info("fetching changes", "url", m.master.URL(), "since", previous)
		todo, err = m.master.ChangedSince(ctx, previous)
	}
	if err != nil {
		return nil, err
	}

	m.result = &SyncResult{
		Previous: previous,
		Serial:   previous,
		Failed:   make(map[string]error),
	}
	if len(todo) == 0 {
		slog.Info("mirror is up to date", "serial", previous)
		return m.result, nil
	}

	names := make([]string, 0, len(todo))
	target := previous
	for name, serial := range todo {
		names = append(names, name)
		if serial > target {
			target = serial
		}
	}
	sort.Strings(names)
	slog.Info("sync starts", "packages", len(names), "target_serial", target)

	done := make(chan struct{})
	go m.reportProgress(done, len(names))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(m.workers)
	for _, name := range names {
		name, serial := name, todo[name]
		group.Go(func() error {
			return m.syncPackage(gctx, name, serial)
		})
	}
	err = group.Wait()
	close(done)
	if err != nil {
		return m.result, err
	}

	sort.Strings(m.result.Synced)
	sort.Strings(m.result.Removed)

	if !m.result.Complete() {
		slog.Warn("sync incomplete, keeping serial", "serial", previous, "failed", len(m.result.Failed))
		return m.result, nil
	}
	if err := m.storage.WriteSerial(target); err != nil {
		return m.result, errors.Wrap(err, "failed to record serial")
	}
	m.result.Serial = target
	slog.Info("sync succeeded", "serial", target, "synced", len(m.result.Synced), "removed", len(m.result.Removed))
	return m.result, nil
}

func (m *Mirror) reportProgress(done <-chan struct{}, total int) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.mu.Lock()
			n := len(m.result.Synced) + len(m.result.Removed) + len(m.result.Failed)
			m.mu.Unlock()
			slog.Info("sync progress", "done", n, "total", total)
		}
	}
}

func (m *Mirror) record(name string, err error, removed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err != nil:
		m.result.Failed[name] = err
	case removed:
		m.result.Removed = append(m.result.Removed, name)
	default:
		m.result.Synced = append(m.result.Synced, name)
	}
}

// syncPackage returns an error only for local failures that must stop the run.
func (m *Mirror) syncPackage(ctx context.Context, name string, serial int64) error {
	md, err := m.master.FetchPackageMetadata(ctx, name, serial)
	switch {
	case errors.Is(err, master.ErrPackageNotFound):
		slog.Info("package deleted upstream", "package", name)
		if err := m.storage.Remove(MetadataPath(name)); err != nil {
			return errors.Wrapf(err, "remove %s", name)
		}
		m.record(name, nil, true)
		return nil
	case err != nil:
		slog.Warn("failed to fetch package metadata", "package", name, "serial", serial, "error", err)
		m.record(name, err, false)
		return ctx.Err()
	}

	if m.downloadFiles {
		for _, file := range md.URLs {
			if err := m.downloadFile(ctx, file); err != nil {
				slog.Warn("failed to download file", "package", name, "file", file.Filename, "error", err)
				m.record(name, err, false)
				return ctx.Err()
			}
		}
	}

	if err := m.storage.WriteFile(MetadataPath(name), md.Raw); err != nil {
		return errors.Wrapf(err, "store metadata of %s", name)
	}
	slog.Debug("package synced", "package", name, "serial", md.LastSerial)
	m.record(name, nil, false)
	return nil
}

// filePath maps a file URL to its storage path under web/.
func filePath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	p := path.Clean("/" + u.Path)
	if p == "/" {
		return "", errors.Newf("file URL %s has no path", rawURL)
	}
	return path.Join(webDir, p), nil
}

// downloadFile fetches one release file into a temporary path, checks it
// and commits it. An existing file of the expected size is kept.
func (m *Mirror) downloadFile(ctx context.Context, file master.ReleaseFile) error {
	rel, err := filePath(file.URL)
	if err != nil {
		return err
	}
	if ok, size, err := m.storage.Exists(rel); err != nil {
		return err
	} else if ok && size == file.Size {
		return nil
	}

	tmp, err := m.fetchTemp(ctx, file.URL, rel)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if want := file.Digests["sha256"]; want != "" {
		got, err := sha256File(tmp)
		if err != nil {
			return err
		}
		if got != want {
			return errors.Newf("sha256 mismatch for %s: got %s, want %s", file.Filename, got, want)
		}
	}

	if m.verifier != nil && file.HasSig {
		sigRel := rel + ".asc"
		sigTmp, err := m.fetchTemp(ctx, file.URL+".asc", sigRel)
		if err != nil {
			return err
		}
		defer os.Remove(sigTmp)
		if err := m.verifier.VerifyFile(tmp, sigTmp); err != nil {
			return errors.Wrap(err, file.Filename)
		}
		slog.Debug("signature is valid", "file", file.Filename, "key_id", m.verifier.KeyID())
		if err := m.storage.Commit(sigTmp, sigRel); err != nil {
			return err
		}
	}
	return m.storage.Commit(tmp, rel)
}

func (m *Mirror) fetchTemp(ctx context.Context, rawURL, rel string) (string, error) {
	tmp, err := m.storage.TempFile(rel)
	if err != nil {
		return "", err
	}
	if _, err := m.master.FetchFile(ctx, rawURL, tmp, &master.FileOptions{Offload: m.pool}); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

func sha256File(p string) (string, error) {
	f, err := os.Open(p) // #nosec G304 - storage temp file
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
