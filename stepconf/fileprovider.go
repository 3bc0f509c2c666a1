package stepconf

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/filedownloader"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const fileScheme = "file://"

// FileProvider resolves payload source references to readable files. A
// `file://` reference maps to the local filesystem; a remote URL is
// downloaded to a temporary location first, with the downloader's retry
// behavior.
type FileProvider interface {
	// LocalPath returns an absolute local path for the reference,
	// downloading remote URLs into a temporary directory.
	LocalPath(ctx context.Context, path string) (string, error)

	// Contents opens the reference for streaming reads. The caller closes
	// the returned reader.
	Contents(ctx context.Context, srcPath string) (io.ReadCloser, error)
}

type fileProvider struct {
	downloader   filedownloader.Downloader
	fileManager  fileutil.FileManager
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
}

// NewFileProvider creates a FileProvider.
func NewFileProvider(downloader filedownloader.Downloader, fileManager fileutil.FileManager, pathProvider pathutil.PathProvider, pathModifier pathutil.PathModifier) FileProvider {
	return &fileProvider{
		downloader:   downloader,
		fileManager:  fileManager,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
	}
}

func (f *fileProvider) LocalPath(ctx context.Context, path string) (string, error) {
	if strings.HasPrefix(path, fileScheme) {
		return f.localFilePath(path)
	}
	return f.fetchToTempDir(ctx, path)
}

func (f *fileProvider) Contents(ctx context.Context, srcPath string) (io.ReadCloser, error) {
	if strings.HasPrefix(srcPath, fileScheme) {
		pth, err := f.localFilePath(srcPath)
		if err != nil {
			return nil, err
		}
		return f.fileManager.Open(pth)
	}
	return f.downloader.Get(ctx, srcPath)
}

// localFilePath strips the file:// scheme and resolves to an absolute path.
func (f *fileProvider) localFilePath(path string) (string, error) {
	return f.pathModifier.AbsPath(strings.TrimPrefix(path, fileScheme))
}

func (f *fileProvider) fetchToTempDir(ctx context.Context, urlPath string) (string, error) {
	tmpDir, err := f.pathProvider.CreateTempDir("FileProvider")
	if err != nil {
		return "", fmt.Errorf("create temp directory: %w", err)
	}

	fileName, err := fileNameFromURL(urlPath)
	if err != nil {
		return "", fmt.Errorf("extract filename from URL %s: %w", urlPath, err)
	}

	localPath := filepath.Join(tmpDir, fileName)
	if err := f.downloader.Download(ctx, localPath, urlPath); err != nil {
		return "", fmt.Errorf("download %s: %w", urlPath, err)
	}
	return localPath, nil
}

func fileNameFromURL(urlPath string) (string, error) {
	parsedURL, err := url.Parse(urlPath)
	if err != nil {
		return "", err
	}
	return filepath.Base(parsedURL.Path), nil
}
