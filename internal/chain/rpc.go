package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dyluth/pixelsett/internal/metrics"
)

// Minimal subset of the Solana JSON-RPC API used for verification.
// Fields mirror the documented jsonParsed wire format; unknown fields are ignored.

// RPCClient verifies transactions against a Solana JSON-RPC endpoint.
type RPCClient struct {
	endpoint  string
	programID string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCClient creates a client for endpoint. programID is the canvas program
// every publish and mint transaction must invoke.
func NewRPCClient(endpoint, programID string, timeout time.Duration) *RPCClient {
	return &RPCClient{
		endpoint:  endpoint,
		programID: programID,
		http:      &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type accountKey struct {
	Pubkey string `json:"pubkey"`
}

type parsedInstruction struct {
	Program string `json:"program"`
	Parsed  *struct {
		Type string `json:"type"`
		Info struct {
			Source      string `json:"source"`
			Destination string `json:"destination"`
			Lamports    uint64 `json:"lamports"`
		} `json:"info"`
	} `json:"parsed,omitempty"`
}

type transaction struct {
	Meta *struct {
		Err interface{} `json:"err"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys  []accountKey        `json:"accountKeys"`
			Instructions []parsedInstruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

func (t *transaction) succeeded() bool {
	return t.Meta != nil && t.Meta.Err == nil
}

func (t *transaction) involves(addresses ...string) bool {
	keys := make(map[string]bool, len(t.Transaction.Message.AccountKeys))
	for _, k := range t.Transaction.Message.AccountKeys {
		keys[k.Pubkey] = true
	}
	for _, a := range addresses {
		if !keys[a] {
			return false
		}
	}
	return true
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: http %d", method, resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, decoded.Error.Code, decoded.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// fetchTransaction returns (nil, nil) when the node does not know the signature yet.
func (c *RPCClient) fetchTransaction(ctx context.Context, signature string) (*transaction, error) {
	var tx *transaction
	err := c.call(ctx, "getTransaction", []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	}, &tx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// VerifyTransaction checks that signature is a successful transfer of at least
// lamports from payer to recipient.
func (c *RPCClient) VerifyTransaction(ctx context.Context, signature, payer, recipient string, lamports uint64) (bool, error) {
	start := time.Now()
	tx, err := c.fetchTransaction(ctx, signature)
	if err != nil {
		return false, err
	}

	ok := false
	if tx != nil && tx.succeeded() {
		for _, ix := range tx.Transaction.Message.Instructions {
			if ix.Program != "system" || ix.Parsed == nil || ix.Parsed.Type != "transfer" {
				continue
			}
			info := ix.Parsed.Info
			if info.Source == payer && info.Destination == recipient && info.Lamports >= lamports {
				ok = true
				break
			}
		}
	}

	metrics.RecordChainVerify("payment", ok, time.Since(start))
	return ok, nil
}

// VerifyPublishTransaction checks that signature is a successful program call touching canvasAddress.
func (c *RPCClient) VerifyPublishTransaction(ctx context.Context, signature, canvasAddress string) (bool, error) {
	return c.verifyProgramCall(ctx, "publish", signature, canvasAddress)
}

// VerifyMintTransaction checks that signature is a successful program call touching mintAddress.
func (c *RPCClient) VerifyMintTransaction(ctx context.Context, signature, mintAddress string) (bool, error) {
	return c.verifyProgramCall(ctx, "mint", signature, mintAddress)
}

func (c *RPCClient) verifyProgramCall(ctx context.Context, kind, signature, account string) (bool, error) {
	start := time.Now()
	tx, err := c.fetchTransaction(ctx, signature)
	if err != nil {
		return false, err
	}

	ok := tx != nil && tx.succeeded() && tx.involves(c.programID, account)
	metrics.RecordChainVerify(kind, ok, time.Since(start))
	return ok, nil
}

// RecentBlockhash fetches the latest blockhash at confirmed commitment.
func (c *RPCClient) RecentBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	err := c.call(ctx, "getLatestBlockhash", []interface{}{
		map[string]interface{}{"commitment": "confirmed"},
	}, &result)
	if err != nil {
		return "", err
	}
	if result.Value.Blockhash == "" {
		return "", fmt.Errorf("getLatestBlockhash: empty blockhash")
	}
	return result.Value.Blockhash, nil
}
