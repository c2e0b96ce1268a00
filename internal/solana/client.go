package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/viper"
)

const defaultRPCURL = "https://api.mainnet-beta.solana.com"

// Client is a minimal JSON-RPC 2.0 client for the handful of node calls the
// wallet needs. No websockets, no batching.
type Client struct {
	rpcURL     string
	httpClient *http.Client
}

func NewClient() *Client {
	rpcURL := viper.GetString("solana.rpc_url")
	if rpcURL == "" {
		rpcURL = defaultRPCURL
	}
	return &Client{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientWithURL is used by tests to point at a stub server.
func NewClientWithURL(rpcURL string) *Client {
	return &Client{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s failed: status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("rpc %s response malformed: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc %s failed: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("rpc %s result malformed: %w", method, err)
		}
	}
	return nil
}

// GetLatestBlockhash returns a blockhash usable as a transaction lifetime.
func (c *Client) GetLatestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	err := c.call(ctx, "getLatestBlockhash",
		[]any{map[string]string{"commitment": "finalized"}}, &result)
	if err != nil {
		return "", err
	}
	if result.Value.Blockhash == "" {
		return "", fmt.Errorf("empty blockhash from node")
	}
	return result.Value.Blockhash, nil
}

// SignatureInfo is one entry from getSignaturesForAddress, newest first.
type SignatureInfo struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	Err       any    `json:"err"`
}

// GetSignaturesForAddress lists transaction signatures touching address,
// newest first. before starts the page below the given signature and until
// stops the listing at the watermark; either may be empty.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, limit int, before, until string) ([]SignatureInfo, error) {
	opts := map[string]any{"limit": limit, "commitment": "finalized"}
	if before != "" {
		opts["before"] = before
	}
	if until != "" {
		opts["until"] = until
	}

	var result []SignatureInfo
	if err := c.call(ctx, "getSignaturesForAddress", []any{address, opts}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// TokenAmount is the parsed token quantity inside instruction info and
// token balances. Amount is base units rendered as a decimal string.
type TokenAmount struct {
	Amount   string `json:"amount"`
	Decimals int    `json:"decimals"`
}

// ParsedInstructionInfo covers the fields of a parsed transferChecked.
type ParsedInstructionInfo struct {
	Source      string      `json:"source"`
	Destination string      `json:"destination"`
	Mint        string      `json:"mint"`
	Authority   string      `json:"authority"`
	TokenAmount TokenAmount `json:"tokenAmount"`
}

type ParsedInstruction struct {
	Program   string `json:"program"`
	ProgramID string `json:"programId"`
	Parsed    *struct {
		Type string                `json:"type"`
		Info ParsedInstructionInfo `json:"info"`
	} `json:"parsed"`
}

// TokenBalance is a pre/post token balance row from transaction meta.
type TokenBalance struct {
	AccountIndex  int         `json:"accountIndex"`
	Mint          string      `json:"mint"`
	Owner         string      `json:"owner"`
	UITokenAmount TokenAmount `json:"uiTokenAmount"`
}

type innerInstructionSet struct {
	Index        int                 `json:"index"`
	Instructions []ParsedInstruction `json:"instructions"`
}

// TransactionResult is a jsonParsed getTransaction response, trimmed to the
// parts deposit scanning reads.
type TransactionResult struct {
	Meta *struct {
		Err               any                   `json:"err"`
		PreTokenBalances  []TokenBalance        `json:"preTokenBalances"`
		PostTokenBalances []TokenBalance        `json:"postTokenBalances"`
		InnerInstructions []innerInstructionSet `json:"innerInstructions"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []struct {
				Pubkey string `json:"pubkey"`
			} `json:"accountKeys"`
			Instructions []ParsedInstruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

// AllInstructions returns top-level and inner instructions flattened.
func (t *TransactionResult) AllInstructions() []ParsedInstruction {
	out := append([]ParsedInstruction(nil), t.Transaction.Message.Instructions...)
	if t.Meta != nil {
		for _, inner := range t.Meta.InnerInstructions {
			out = append(out, inner.Instructions...)
		}
	}
	return out
}

// Failed reports whether the transaction errored on chain.
func (t *TransactionResult) Failed() bool {
	return t.Meta != nil && t.Meta.Err != nil
}

// GetTransaction fetches a confirmed transaction in jsonParsed encoding.
// A nil result with nil error means the node does not know the signature.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*TransactionResult, error) {
	var result *TransactionResult
	err := c.call(ctx, "getTransaction",
		[]any{signature, map[string]any{
			"encoding":                       "jsonParsed",
			"commitment":                     "finalized",
			"maxSupportedTransactionVersion": 0,
		}}, &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AccountExists reports whether address has an account on chain, used to
// decide if a destination ATA must be created.
func (c *Client) AccountExists(ctx context.Context, address string) (bool, error) {
	var result struct {
		Value json.RawMessage `json:"value"`
	}
	err := c.call(ctx, "getAccountInfo",
		[]any{address, map[string]string{"encoding": "base64"}}, &result)
	if err != nil {
		return false, err
	}
	return len(result.Value) > 0 && string(result.Value) != "null", nil
}

// SimulateTransaction dry-runs a signed transaction; a non-nil error means
// the transaction would fail and must not be broadcast.
func (c *Client) SimulateTransaction(ctx context.Context, txBase64 string) error {
	var result struct {
		Value struct {
			Err any `json:"err"`
		} `json:"value"`
	}
	err := c.call(ctx, "simulateTransaction",
		[]any{txBase64, map[string]string{"encoding": "base64", "commitment": "finalized"}}, &result)
	if err != nil {
		return err
	}
	if result.Value.Err != nil {
		return fmt.Errorf("simulation failed: %v", result.Value.Err)
	}
	return nil
}

// SendTransaction broadcasts a signed transaction and returns its signature.
func (c *Client) SendTransaction(ctx context.Context, txBase64 string) (string, error) {
	var signature string
	err := c.call(ctx, "sendTransaction",
		[]any{txBase64, map[string]string{"encoding": "base64"}}, &signature)
	if err != nil {
		return "", err
	}
	return signature, nil
}
