// Package network is the client for the session service: session
// registration, metadata reads and the chunk download endpoint.
package network

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/mr-tron/base58"

	"github.com/chainvault/go-chainvault/store/encoding"
	"github.com/chainvault/go-chainvault/store/session"
)

// ErrSessionNotFound is returned when the service has no record of the
// session handle.
var ErrSessionNotFound = errors.New("no session found for the provided handle")

// PrepareSessionRequest registers a client-generated session with the
// service before any transaction is submitted.
type PrepareSessionRequest struct {
	Owner              string `json:"owner"`
	SessionID          string `json:"session_id"`
	PayloadDescription string `json:"payload_description"`
	ChunkSizeHint      int    `json:"chunk_size_hint"`
	TotalChunks        uint32 `json:"total_chunks"`
	ContentDigest      string `json:"content_digest"`
	EncodedSizeBytes   int    `json:"encoded_size_bytes"`
}

// PrepareSessionResponse echoes the session coordinates the service will
// track.
type PrepareSessionResponse struct {
	SessionHandle  string `json:"session_handle"`
	ChunkSizeBytes int    `json:"chunk_size_bytes"`
	TotalChunks    uint32 `json:"chunk_count"`
}

type sessionMetadataResponse struct {
	Owner         string `json:"owner"`
	SessionID     string `json:"session_id"`
	TotalChunks   uint32 `json:"total_chunks"`
	ContentDigest string `json:"content_digest"`
	Status        string `json:"status"`
}

type chunkPayload struct {
	Index int    `json:"index"`
	Data  string `json:"data"`
}

type downloadResponse struct {
	Chunks     []chunkPayload `json:"chunks"`
	ArchiveURL string         `json:"archive_url"`
}

// ChunkDownload is the service's answer to a chunk download request: either
// the chunk list inline, or a URL serving the whole encoded stream for large
// payloads.
type ChunkDownload struct {
	Chunks     []encoding.Chunk
	ArchiveURL string
}

// APIClient talks to the session service.
type APIClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewAPIClient creates an APIClient.
func NewAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) *APIClient {
	return &APIClient{
		httpClient:  client,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

// PrepareSession registers the upload with the service.
func (c *APIClient) PrepareSession(ctx context.Context, requestBody PrepareSessionRequest) (*PrepareSessionResponse, error) {
	url := fmt.Sprintf("%s/sessions", c.baseURL)

	body, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	c.setHeaders(req)
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return nil, unwrapError(resp)
	}

	var response PrepareSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Metadata fetches the session's current state as tracked by the service.
func (c *APIClient) Metadata(ctx context.Context, handle string) (*session.Session, error) {
	url := fmt.Sprintf("%s/sessions/%s", c.baseURL, handle)

	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, handle)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}

	var response sessionMetadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, err
	}
	return response.toSession()
}

// DownloadChunks fetches the chunk set of a finalized session.
func (c *APIClient) DownloadChunks(ctx context.Context, handle string) (*ChunkDownload, error) {
	url := fmt.Sprintf("%s/sessions/%s/chunks", c.baseURL, handle)

	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, handle)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}

	var response downloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, err
	}

	download := &ChunkDownload{ArchiveURL: response.ArchiveURL}
	for _, chunk := range response.Chunks {
		data, err := base64.StdEncoding.DecodeString(chunk.Data)
		if err != nil {
			return nil, fmt.Errorf("decode chunk %d: %w", chunk.Index, err)
		}
		download.Chunks = append(download.Chunks, encoding.Chunk{Index: chunk.Index, Data: data})
	}
	return download, nil
}

func (c *APIClient) setHeaders(req *retryablehttp.Request) {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
}

func (c *APIClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func (r sessionMetadataResponse) toSession() (*session.Session, error) {
	owner, err := base58.Decode(r.Owner)
	if err != nil || len(owner) != 32 {
		return nil, fmt.Errorf("invalid owner in session metadata: %q", r.Owner)
	}
	sessionID, err := hex.DecodeString(r.SessionID)
	if err != nil || len(sessionID) != 16 {
		return nil, fmt.Errorf("invalid session id in session metadata: %q", r.SessionID)
	}
	digest, err := hex.DecodeString(r.ContentDigest)
	if err != nil || len(digest) != 32 {
		return nil, fmt.Errorf("invalid content digest in session metadata: %q", r.ContentDigest)
	}

	parsed := &session.Session{TotalChunks: r.TotalChunks}
	copy(parsed.Owner[:], owner)
	copy(parsed.ID[:], sessionID)
	copy(parsed.Digest[:], digest)

	switch r.Status {
	case "active":
		parsed.Status = session.StatusActive
	case "finalized":
		parsed.Status = session.StatusFinalized
	default:
		return nil, fmt.Errorf("unknown session status %q", r.Status)
	}
	return parsed, nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
