package rpc

import "encoding/json"

// Confirmation levels reported by the ledger, weakest to strongest.
const (
	ConfirmationProcessed = "processed"
	ConfirmationConfirmed = "confirmed"
	ConfirmationFinalized = "finalized"
)

// SignatureStatus is the resolution state of one submitted transaction.
// A zero Confirmation with an empty Err means the ledger has not seen the
// signature yet.
type SignatureStatus struct {
	Signature    string
	Confirmation string
	Err          string
}

// Known reports whether the ledger has seen the signature at all.
func (s SignatureStatus) Known() bool {
	return s.Confirmation != "" || s.Err != ""
}

// Failed reports whether the transaction errored on chain.
func (s SignatureStatus) Failed() bool {
	return s.Err != ""
}

// Confirmed reports whether the transaction reached at least the
// "confirmed" finality level.
func (s SignatureStatus) Confirmed() bool {
	return s.Err == "" &&
		(s.Confirmation == ConfirmationConfirmed || s.Confirmation == ConfirmationFinalized)
}

// InstructionRecord is one instruction of a historical transaction. Data is
// the base64-encoded instruction payload.
type InstructionRecord struct {
	Data string `json:"data"`
}

// TransactionRecord is one entry of an account's transaction history.
type TransactionRecord struct {
	Signature    string              `json:"signature"`
	Instructions []InstructionRecord `json:"instructions"`
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type signatureStatusValue struct {
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

type signatureStatusesResult struct {
	Value []*signatureStatusValue `json:"value"`
}

type accountInfoValue struct {
	Data string `json:"data"`
}

type accountInfoResult struct {
	Value *accountInfoValue `json:"value"`
}

type latestBlockRefResult struct {
	BlockRef string `json:"blockRef"`
}

type simulateResult struct {
	Err json.RawMessage `json:"err"`
}
