package cannon

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cuemby/snops/pkg/types"
)

// ledgerRESTPort is the node binary's conventional REST port, used when a
// sink's target carries no explicit port. Mirrors the control plane's own
// ledger read-through proxy default.
const ledgerRESTPort = 3030

// LedgerClient implements Broadcaster and Confirmer by talking directly to a
// node's REST API, grounded on the control plane's proxyToNode read-through
// handlers. CannonSink.Target is taken as a literal host or host:port rather
// than resolved through any environment-scoped glob: glob-based target
// resolution is not implemented (DESIGN.md).
type LedgerClient struct {
	client *http.Client
}

// NewLedgerClient builds a LedgerClient with a bounded per-request timeout;
// unlike transfer.Manager's downloader these are small JSON round trips.
func NewLedgerClient() *LedgerClient {
	return &LedgerClient{client: &http.Client{Timeout: 10 * time.Second}}
}

func targetURL(target, path string) string {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		host = target
		port = fmt.Sprintf("%d", ledgerRESTPort)
	}
	return fmt.Sprintf("http://%s:%s%s", host, port, path)
}

// Broadcast implements Broadcaster. A file sink appends the blob as a line
// to FilePath; a broadcast sink POSTs it to the target node's transaction
// broadcast endpoint.
func (c *LedgerClient) Broadcast(ctx context.Context, sink types.CannonSink, blob string) error {
	switch sink.Kind {
	case types.SinkFile:
		return appendLine(sink.FilePath, blob)
	case types.SinkBroadcast:
		url := targetURL(sink.Target, "/transaction/broadcast")
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(blob))
		if err != nil {
			return fmt.Errorf("build broadcast request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("broadcast to %s: %w", sink.Target, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("broadcast to %s: HTTP %d: %s", sink.Target, resp.StatusCode, string(body))
		}
		return nil
	default:
		return fmt.Errorf("unknown sink kind %d", sink.Kind)
	}
}

// Confirm implements Confirmer. A file sink has no confirmation concept: a
// write to disk is terminal, so it reports confirmed immediately. A
// broadcast sink asks the target node whether txID has landed in a block.
func (c *LedgerClient) Confirm(ctx context.Context, sink types.CannonSink, txID string) (uint32, bool, error) {
	switch sink.Kind {
	case types.SinkFile:
		return 0, true, nil
	case types.SinkBroadcast:
		url := targetURL(sink.Target, "/transaction/"+txID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, false, fmt.Errorf("build confirm request: %w", err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return 0, false, fmt.Errorf("query %s: %w", sink.Target, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return 0, false, nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return 0, false, fmt.Errorf("query %s: HTTP %d", sink.Target, resp.StatusCode)
		}
		// The node's REST response doesn't expose the confirming block
		// height in a documented, stable field here; a 2xx is taken as
		// confirmation and the height is left unreported (0).
		return 0, true, nil
	default:
		return 0, false, fmt.Errorf("unknown sink kind %d", sink.Kind)
	}
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
