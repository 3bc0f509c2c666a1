package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/melbahja/got"
)

// FetchArchive downloads the full encoded stream from an archive URL to a
// temporary file and returns its contents. The service hands out archive
// URLs instead of inline chunks for large finalized payloads.
func (c *APIClient) FetchArchive(ctx context.Context, url string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "chainvault-archive")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Printf(err.Error())
		}
	}()
	downloadPath := filepath.Join(dir, "stream")

	downloader := got.New()
	downloader.Client = c.httpClient.StandardClient()
	if err := downloader.Do(got.NewDownload(ctx, url, downloadPath)); err != nil {
		return nil, fmt.Errorf("download archive: %w", err)
	}

	stream, err := os.ReadFile(downloadPath)
	if err != nil {
		return nil, fmt.Errorf("read downloaded archive: %w", err)
	}
	return stream, nil
}
