package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bridge"
)

// EnsureLocalFile materializes a job's upload file under dir and returns
// its path. Inline data wins; otherwise the file is fetched from the
// comet's /file/get endpoint. A nil upload file is a no-op.
func EnsureLocalFile(ctx context.Context, client *http.Client, cometAddr string, uf *bridge.UploadFile, dir string) (string, error) {
	if uf == nil || uf.Filename == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("executor: upload dir: %w", err)
	}
	// Strip any path components a hostile filename might carry.
	dst := filepath.Join(dir, filepath.Base(uf.Filename))

	if len(uf.Data) > 0 {
		if err := os.WriteFile(dst, uf.Data, 0o644); err != nil {
			return "", fmt.Errorf("executor: write upload file: %w", err)
		}
		return dst, nil
	}

	u := fmt.Sprintf("http://%s/file/get/%s", cometAddr, url.PathEscape(filepath.Base(uf.Filename)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("executor: fetch upload file: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("executor: fetch upload file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("executor: fetch upload file: unexpected status %s", resp.Status)
	}

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("executor: write upload file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("executor: write upload file: %w", err)
	}
	return dst, nil
}
