// Package transfer implements the agent-side file transfer engine: a
// concurrent, resumable-by-restart HTTP downloader that decides whether a
// destination needs fetching, streams it to disk while hashing it, and
// reports progress over the event bus. It follows the teacher's
// health.HTTPChecker shape for the plain HTTP plumbing, generalized into a
// tracked, asynchronous download rather than a one-shot check.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/metrics"
)

// progressInterval throttles Progress event emission to at most once every
// two seconds.
const progressInterval = 2 * time.Second

// retryBackoff is how long the reconciler should wait before the next Ensure
// call after a transfer failed due to an I/O or network error.
const retryBackoff = 60 * time.Second

type status int

const (
	statusRunning status = iota
	statusDone
	statusFailed
)

type transferState struct {
	id       string
	status   status
	err      error
	failedAt time.Time
}

// Manager tracks in-flight and recently finished transfers keyed by
// destination path, and implements reconciler.TransferManager.
type Manager struct {
	broker *events.Broker
	client *http.Client

	mu     sync.Mutex
	states map[string]*transferState
}

// NewManager builds a Manager that publishes transfer lifecycle events to
// broker.
func NewManager(broker *events.Broker) *Manager {
	return &Manager{
		broker: broker,
		client: &http.Client{Timeout: 0}, // download bodies can be large; no blanket timeout
		states: make(map[string]*transferState),
	}
}

// Ensure decides whether dst needs (re)downloading from url, and if so,
// starts or continues a tracked background transfer. The download itself runs
// in the background; the staleness check may hash dst and, when dst exists
// and no size/sha256 hint is given, issue a synchronous HEAD request to url.
// pending is true while a download is in flight or was scheduled this call,
// and the reconciler is expected to requeue and call again.
func (m *Manager) Ensure(ctx context.Context, description, url, dst string, sizeHint *uint64, sha256Hint *string, perm *os.FileMode) (bool, error) {
	m.mu.Lock()
	st, active := m.states[dst]
	if active {
		switch st.status {
		case statusRunning:
			m.mu.Unlock()
			return true, nil
		case statusDone:
			delete(m.states, dst)
			m.mu.Unlock()
			return false, nil
		case statusFailed:
			if time.Since(st.failedAt) < retryBackoff {
				m.mu.Unlock()
				return true, st.err
			}
			delete(m.states, dst)
		}
	}
	m.mu.Unlock()

	needed, err := m.needsDownload(ctx, url, dst, sizeHint, sha256Hint)
	if err != nil {
		return false, err
	}
	if !needed {
		return false, nil
	}

	id := uuid.NewString()
	st = &transferState{id: id, status: statusRunning}
	m.mu.Lock()
	m.states[dst] = st
	m.mu.Unlock()

	metrics.TransfersActive.Inc()
	go m.run(context.WithoutCancel(ctx), id, description, url, dst, sizeHint, sha256Hint, perm, st)
	return true, nil
}

// needsDownload implements the download-iff decision:
// !exists(dst) OR size/sha256 mismatch OR (online AND HEAD reveals staleness).
func (m *Manager) needsDownload(ctx context.Context, url, dst string, sizeHint *uint64, sha256Hint *string) (bool, error) {
	info, err := os.Stat(dst)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("stat %s: %w", dst, err)
	}

	if sizeHint != nil && uint64(info.Size()) != *sizeHint {
		return true, nil
	}
	if sha256Hint != nil {
		sum, err := sha256File(dst)
		if err != nil {
			return false, err
		}
		if sum != *sha256Hint {
			return true, nil
		}
	}
	if sizeHint != nil || sha256Hint != nil {
		// Hints matched; no need to ask the origin for staleness.
		return false, nil
	}

	stale, err := m.headStale(ctx, url, info)
	if err != nil {
		// A dead or unreachable origin with a hint-free local file that
		// already exists is treated as "keep what we have", matching
		// the offline case.
		log.WithComponent("transfer").Debug().Err(err).Str("url", url).Msg("head check failed, keeping existing file")
		return false, nil
	}
	return stale, nil
}

// headStale issues a HEAD request and compares Last-Modified/Content-Length
// against the local file. This inspects response headers HTTPChecker does
// not expose, so it is implemented directly rather than built on it.
func (m *Manager) headStale(ctx context.Context, url string, local os.FileInfo) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.ContentLength > 0 && resp.ContentLength != local.Size() {
		return true, nil
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		remoteModified, err := http.ParseTime(lm)
		if err == nil && remoteModified.After(local.ModTime()) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) run(ctx context.Context, id, description, url, dst string, sizeHint *uint64, sha256Hint *string, perm *os.FileMode, st *transferState) {
	logger := log.WithComponent("transfer")
	err := m.download(ctx, id, description, url, dst, sizeHint, sha256Hint, perm)

	m.mu.Lock()
	defer m.mu.Unlock()
	metrics.TransfersActive.Dec()
	if err != nil {
		metrics.TransferFailuresTotal.Inc()
		logger.Error().Err(err).Str("url", url).Str("dst", dst).Msg("transfer failed")
		st.status = statusFailed
		st.err = err
		st.failedAt = time.Now()
		return
	}
	st.status = statusDone
}

func (m *Manager) download(ctx context.Context, id, description, url, dst string, sizeHint *uint64, sha256Hint *string, perm *os.FileMode) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request %s: HTTP %d", url, resp.StatusCode)
	}

	total := uint64(resp.ContentLength)
	if sizeHint != nil {
		total = *sizeHint
	}
	m.publish(events.Content{Kind: events.ContentTransferStart, TotalBytes: total})

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", dst, err)
	}
	tmp := dst + ".part-" + id
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	hasher := sha256.New()
	pw := &progressWriter{
		m:        m,
		total:    total,
		lastSent: time.Now(),
	}
	n, copyErr := io.Copy(io.MultiWriter(f, hasher, pw), resp.Body)
	closeErr := f.Close()

	if copyErr != nil {
		m.publish(events.Content{Kind: events.ContentTransferEnd, DownloadedBytes: uint64(n), TotalBytes: total})
		return fmt.Errorf("download %s: %w", url, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", tmp, closeErr)
	}

	if sizeHint != nil && uint64(n) != *sizeHint {
		m.publish(events.Content{Kind: events.ContentTransferEnd, DownloadedBytes: uint64(n), TotalBytes: total})
		return fmt.Errorf("size mismatch for %s: got %d want %d", dst, n, *sizeHint)
	}
	if sha256Hint != nil {
		got := hex.EncodeToString(hasher.Sum(nil))
		if got != *sha256Hint {
			m.publish(events.Content{Kind: events.ContentTransferEnd, DownloadedBytes: uint64(n), TotalBytes: total})
			return fmt.Errorf("sha256 mismatch for %s: got %s want %s", dst, got, *sha256Hint)
		}
	}

	if perm != nil {
		if err := os.Chmod(tmp, *perm); err != nil {
			return fmt.Errorf("chmod %s: %w", tmp, err)
		}
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmp, dst, err)
	}

	metrics.TransferBytesTotal.Add(float64(n))
	m.publish(events.Content{Kind: events.ContentTransferEnd, DownloadedBytes: uint64(n), TotalBytes: total})
	return nil
}

func (m *Manager) publish(content events.Content) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{Content: content})
}

// progressWriter is an io.Writer sink that emits throttled Progress events
// as bytes flow through io.Copy.
type progressWriter struct {
	m          *Manager
	total      uint64
	downloaded uint64
	lastSent   time.Time
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.downloaded += uint64(len(b))
	if time.Since(p.lastSent) >= progressInterval {
		p.m.publish(events.Content{Kind: events.ContentTransferProgress, DownloadedBytes: p.downloaded, TotalBytes: p.total})
		p.lastSent = time.Now()
	}
	return len(b), nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
