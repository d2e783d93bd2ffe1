package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mr-tron/base58"

	"github.com/nosana-ci/nosana-node/pkg/log"
)

// ErrAccountNotFound is returned when an account does not exist on chain.
var ErrAccountNotFound = fmt.Errorf("account not found")

// RPCError is a structured error returned by the RPC endpoint.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client talks JSON-RPC to a Solana endpoint.
type Client struct {
	endpoint string
	http     *retryablehttp.Client
	nextID   atomic.Uint64
}

// NewClient creates a client for the given RPC endpoint.
func NewClient(endpoint string) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 0
	hc.RetryWaitMin = 250 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.HTTPClient.Timeout = 30 * time.Second
	hc.Logger = nil
	return &Client{endpoint: endpoint, http: hc}
}

type rpcRequest struct {
	Version string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		Version: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer res.Body.Close()

	var resp rpcResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return fmt.Errorf("rpc %s: decode response: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("rpc %s: %w", method, resp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("rpc %s: decode result: %w", method, err)
		}
	}
	return nil
}

type accountInfo struct {
	Data  []string `json:"data"`
	Owner string   `json:"owner"`
}

// GetAccountInfo fetches and decodes the raw data of a single account.
func (c *Client) GetAccountInfo(ctx context.Context, addr Pubkey) ([]byte, error) {
	var out struct {
		Value *accountInfo `json:"value"`
	}
	params := []any{addr.String(), map[string]any{"encoding": "base64"}}
	if err := c.call(ctx, "getAccountInfo", params, &out); err != nil {
		return nil, err
	}
	if out.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	return decodeAccountData(out.Value.Data)
}

// KeyedAccount pairs an address with its decoded account data.
type KeyedAccount struct {
	Pubkey Pubkey
	Data   []byte
}

// MemcmpFilter matches accounts whose data equals the given bytes at offset.
type MemcmpFilter struct {
	Offset int
	Bytes  []byte
}

// GetProgramAccounts enumerates accounts owned by a program, optionally
// narrowed by memcmp filters.
func (c *Client) GetProgramAccounts(ctx context.Context, program Pubkey, filters ...MemcmpFilter) ([]KeyedAccount, error) {
	opts := map[string]any{"encoding": "base64"}
	if len(filters) > 0 {
		fs := make([]any, 0, len(filters))
		for _, f := range filters {
			fs = append(fs, map[string]any{
				"memcmp": map[string]any{
					"offset": f.Offset,
					"bytes":  base58.Encode(f.Bytes),
				},
			})
		}
		opts["filters"] = fs
	}

	var out []struct {
		Pubkey  string      `json:"pubkey"`
		Account accountInfo `json:"account"`
	}
	if err := c.call(ctx, "getProgramAccounts", []any{program.String(), opts}, &out); err != nil {
		return nil, err
	}

	accounts := make([]KeyedAccount, 0, len(out))
	for _, entry := range out {
		pk, err := ParsePubkey(entry.Pubkey)
		if err != nil {
			return nil, err
		}
		data, err := decodeAccountData(entry.Account.Data)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, KeyedAccount{Pubkey: pk, Data: data})
	}
	return accounts, nil
}

// GetBalance returns the lamport balance of an account.
func (c *Client) GetBalance(ctx context.Context, addr Pubkey) (uint64, error) {
	var out struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []any{addr.String()}, &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// GetTokenBalance returns the raw token amount held by a token account.
// A missing account reads as zero.
func (c *Client) GetTokenBalance(ctx context.Context, tokenAccount Pubkey) (uint64, error) {
	var out struct {
		Value *struct {
			Amount string `json:"amount"`
		} `json:"value"`
	}
	err := c.call(ctx, "getTokenAccountBalance", []any{tokenAccount.String()}, &out)
	if err != nil {
		return 0, err
	}
	if out.Value == nil {
		return 0, nil
	}
	amount, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse token amount: %w", err)
	}
	return amount, nil
}

// CountTokenAccounts returns how many token accounts of the given mint the
// owner holds with a non-zero balance.
func (c *Client) CountTokenAccounts(ctx context.Context, owner, mint Pubkey) (int, error) {
	var out struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount string `json:"amount"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	params := []any{
		owner.String(),
		map[string]any{"mint": mint.String()},
		map[string]any{"encoding": "jsonParsed"},
	}
	if err := c.call(ctx, "getTokenAccountsByOwner", params, &out); err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range out.Value {
		if entry.Account.Data.Parsed.Info.TokenAmount.Amount != "0" {
			count++
		}
	}
	return count, nil
}

// GetLatestBlockhash fetches a recent blockhash for transaction assembly.
func (c *Client) GetLatestBlockhash(ctx context.Context) ([32]byte, error) {
	var out struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	var hash [32]byte
	if err := c.call(ctx, "getLatestBlockhash", nil, &out); err != nil {
		return hash, err
	}
	pk, err := ParsePubkey(out.Value.Blockhash)
	if err != nil {
		return hash, fmt.Errorf("decode blockhash: %w", err)
	}
	return pk, nil
}

// SendTransaction submits a signed transaction and returns its signature.
func (c *Client) SendTransaction(ctx context.Context, tx []byte) (string, error) {
	var sig string
	params := []any{
		base64.StdEncoding.EncodeToString(tx),
		map[string]any{"encoding": "base64"},
	}
	if err := c.call(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	logger := log.WithComponent("chain")
	logger.Debug().Str("signature", sig).Msg("transaction submitted")
	return sig, nil
}

// SignatureStatus reports the confirmation progress of a submitted transaction.
type SignatureStatus struct {
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

// Failed reports whether the transaction executed and errored.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// GetSignatureStatus looks up the status of a single signature. A nil status
// means the cluster does not know the transaction yet.
func (c *Client) GetSignatureStatus(ctx context.Context, sig string) (*SignatureStatus, error) {
	var out struct {
		Value []*SignatureStatus `json:"value"`
	}
	params := []any{[]string{sig}, map[string]any{"searchTransactionHistory": true}}
	if err := c.call(ctx, "getSignatureStatuses", params, &out); err != nil {
		return nil, err
	}
	if len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

func decodeAccountData(data []string) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("account data missing")
	}
	raw, err := base64.StdEncoding.DecodeString(data[0])
	if err != nil {
		return nil, fmt.Errorf("decode account data: %w", err)
	}
	return raw, nil
}
