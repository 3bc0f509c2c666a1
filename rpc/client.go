// Package rpc is the JSON-RPC client for the ledger node: transaction
// submission and simulation, batched signature status queries, account reads
// and transaction history scans.
package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/mr-tron/base58"
)

// ErrAccountNotFound is returned by GetAccountInfo for absent accounts.
var ErrAccountNotFound = errors.New("account not found")

// Client talks JSON-RPC 2.0 to a single ledger endpoint.
type Client struct {
	httpClient *retryablehttp.Client
	endpoint   string
	logger     log.Logger
	requestID  int64
}

// NewClient creates a Client for the given RPC endpoint.
func NewClient(endpoint string, logger log.Logger) *Client {
	return &Client{
		httpClient: retryhttp.NewClient(logger),
		endpoint:   endpoint,
		logger:     logger,
	}
}

// SendTransaction submits a signed transaction and returns its signature.
func (c *Client) SendTransaction(ctx context.Context, signedTx []byte) (string, error) {
	var signature string
	err := c.call(ctx, "sendTransaction", []interface{}{base64.StdEncoding.EncodeToString(signedTx)}, &signature)
	if err != nil {
		return "", err
	}
	return signature, nil
}

// SimulateTransaction runs the transaction against current ledger state
// without submitting it. A non-nil error means the transaction would fail.
func (c *Client) SimulateTransaction(ctx context.Context, signedTx []byte) error {
	var result simulateResult
	err := c.call(ctx, "simulateTransaction", []interface{}{base64.StdEncoding.EncodeToString(signedTx)}, &result)
	if err != nil {
		return err
	}
	if len(result.Err) > 0 && string(result.Err) != "null" {
		return fmt.Errorf("simulation failed: %s", result.Err)
	}
	return nil
}

// GetSignatureStatuses resolves the status of a batch of signatures in a
// single round-trip. The returned slice is aligned with the input; entries
// the ledger has not seen yet have an empty Confirmation.
func (c *Client) GetSignatureStatuses(ctx context.Context, signatures []string) ([]SignatureStatus, error) {
	var result signatureStatusesResult
	err := c.call(ctx, "getSignatureStatuses", []interface{}{signatures}, &result)
	if err != nil {
		return nil, err
	}
	if len(result.Value) != len(signatures) {
		return nil, fmt.Errorf("status count mismatch: asked for %d, got %d", len(signatures), len(result.Value))
	}

	statuses := make([]SignatureStatus, len(signatures))
	for i, value := range result.Value {
		statuses[i] = SignatureStatus{Signature: signatures[i]}
		if value == nil {
			continue
		}
		statuses[i].Confirmation = value.ConfirmationStatus
		if len(value.Err) > 0 && string(value.Err) != "null" {
			statuses[i].Err = string(value.Err)
		}
	}
	return statuses, nil
}

// GetAccountInfo reads an account's raw data. Returns ErrAccountNotFound
// when the address has no account.
func (c *Client) GetAccountInfo(ctx context.Context, address string) ([]byte, error) {
	var result accountInfoResult
	err := c.call(ctx, "getAccountInfo", []interface{}{address}, &result)
	if err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}

	data, err := base64.StdEncoding.DecodeString(result.Value.Data)
	if err != nil {
		return nil, fmt.Errorf("decode account data: %w", err)
	}
	return data, nil
}

// GetLatestBlockRef fetches a recent block reference to anchor new
// transactions to.
func (c *Client) GetLatestBlockRef(ctx context.Context) ([32]byte, error) {
	var blockRef [32]byte

	var result latestBlockRefResult
	err := c.call(ctx, "getLatestBlockRef", nil, &result)
	if err != nil {
		return blockRef, err
	}

	raw, err := base58.Decode(result.BlockRef)
	if err != nil {
		return blockRef, fmt.Errorf("decode block reference: %w", err)
	}
	if len(raw) != 32 {
		return blockRef, fmt.Errorf("block reference must be 32 bytes, got %d", len(raw))
	}
	copy(blockRef[:], raw)
	return blockRef, nil
}

// GetTransactionHistory lists all transactions that touched the address,
// newest first, with their instruction payloads.
func (c *Client) GetTransactionHistory(ctx context.Context, address string) ([]TransactionRecord, error) {
	var records []TransactionRecord
	err := c.call(ctx, "getTransactionHistory", []interface{}{address}, &records)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	requestBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddInt64(&c.requestID, 1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, c.endpoint, requestBody)
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, errorBody)
	}

	var response rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if response.Error != nil {
		return fmt.Errorf("%s: RPC error %d: %s", method, response.Error.Code, response.Error.Message)
	}

	if result != nil {
		if err := json.Unmarshal(response.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}
