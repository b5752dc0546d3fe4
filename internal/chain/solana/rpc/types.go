package rpc

import (
	"encoding/json"
	"fmt"
)

type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorCode exposes the JSON-RPC code for error classification.
func (e *RPCError) ErrorCode() int {
	return e.Code
}

// Context is the slot context wrapped around most results.
type Context struct {
	Slot int64 `json:"slot"`
}

// getBalance response
type BalanceResult struct {
	Context Context `json:"context"`
	Value   uint64  `json:"value"`
}

// getTokenAccountsByOwner response (jsonParsed)
type TokenAccountsResult struct {
	Context Context        `json:"context"`
	Value   []TokenAccount `json:"value"`
}

type TokenAccount struct {
	Pubkey  string `json:"pubkey"`
	Account struct {
		Data struct {
			Parsed struct {
				Info TokenAccountInfo `json:"info"`
				Type string           `json:"type"`
			} `json:"parsed"`
			Program string `json:"program"`
		} `json:"data"`
		Owner string `json:"owner"`
	} `json:"account"`
}

type TokenAccountInfo struct {
	Mint        string      `json:"mint"`
	Owner       string      `json:"owner"`
	TokenAmount TokenAmount `json:"tokenAmount"`
}

type TokenAmount struct {
	Amount         string `json:"amount"`
	Decimals       int32  `json:"decimals"`
	UIAmountString string `json:"uiAmountString"`
}

// Token is one SPL holding reduced to what the adapter needs.
type Token struct {
	Mint     string
	Amount   string
	Decimals int32
}

// accountSubscribe notification
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Subscription int64 `json:"subscription"`
		Result       struct {
			Context Context         `json:"context"`
			Value   json.RawMessage `json:"value"`
		} `json:"result"`
	} `json:"params"`
}
