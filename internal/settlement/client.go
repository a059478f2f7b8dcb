package settlement

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TxStatus is the settlement network's view of a submitted transaction.
type TxStatus string

const (
	StatusProcessed TxStatus = "processed"
	StatusConfirmed TxStatus = "confirmed"
	StatusFinalized TxStatus = "finalized"
	StatusFailed    TxStatus = "failed"
	StatusUnknown   TxStatus = "unknown"
)

// Settled reports whether the status counts as settled for payment purposes.
func (s TxStatus) Settled() bool {
	return s == StatusConfirmed || s == StatusFinalized
}

// Client is the subset of a settlement node's API this service needs. It is
// injected everywhere rather than constructed lazily so tests can substitute
// a fake.
type Client interface {
	// SubmitTransaction relays raw signed transaction bytes and returns the
	// settlement signature.
	SubmitTransaction(ctx context.Context, raw []byte) (string, error)
	// ConfirmTransaction reports the current status of a signature.
	ConfirmTransaction(ctx context.Context, signature string) (TxStatus, error)
	// LatestBlockhash returns a recent blockhash for building transactions.
	LatestBlockhash(ctx context.Context) ([32]byte, error)
	// Balance returns the native-coin balance of an address in lamports.
	Balance(ctx context.Context, addr Address) (uint64, error)
}

// RPCClient talks JSON-RPC 2.0 to a settlement node endpoint.
type RPCClient struct {
	endpoint string
	http     *http.Client
}

// NewRPCClient creates a client for the given node endpoint. Calls are bounded
// by the given timeout; a zero timeout defaults to 5 seconds.
func NewRPCClient(endpoint string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RPCClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshaling rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("calling %s: unexpected status %d", method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("calling %s: %w", method, rr.Error)
	}
	if result != nil {
		if err := json.Unmarshal(rr.Result, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

// SubmitTransaction sends the raw transaction in base64 encoding.
func (c *RPCClient) SubmitTransaction(ctx context.Context, raw []byte) (string, error) {
	var sig string
	err := c.call(ctx, "sendTransaction",
		[]any{base64.StdEncoding.EncodeToString(raw), map[string]any{"encoding": "base64"}},
		&sig,
	)
	if err != nil {
		return "", err
	}
	return sig, nil
}

// ConfirmTransaction looks up the signature's confirmation status.
func (c *RPCClient) ConfirmTransaction(ctx context.Context, signature string) (TxStatus, error) {
	var result struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	err := c.call(ctx, "getSignatureStatuses", []any{[]string{signature}}, &result)
	if err != nil {
		return StatusUnknown, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return StatusUnknown, nil
	}
	v := result.Value[0]
	if v.Err != nil && string(v.Err) != "null" {
		return StatusFailed, nil
	}
	switch v.ConfirmationStatus {
	case "processed":
		return StatusProcessed, nil
	case "confirmed":
		return StatusConfirmed, nil
	case "finalized":
		return StatusFinalized, nil
	default:
		return StatusUnknown, nil
	}
}

// LatestBlockhash fetches a recent blockhash.
func (c *RPCClient) LatestBlockhash(ctx context.Context) ([32]byte, error) {
	var bh [32]byte
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", nil, &result); err != nil {
		return bh, err
	}
	addr, err := AddressFromBase58(result.Value.Blockhash)
	if err != nil {
		return bh, fmt.Errorf("parsing blockhash: %w", err)
	}
	return [32]byte(addr), nil
}

// Balance fetches the native balance of an address.
func (c *RPCClient) Balance(ctx context.Context, addr Address) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []any{addr.String()}, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}
