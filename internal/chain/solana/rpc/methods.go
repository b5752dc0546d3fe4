package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetBalance returns the lamport balance of address.
func (c *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	params := []any{address, map[string]string{"commitment": c.commitment}}
	result, err := c.call(ctx, "getBalance", params)
	if err != nil {
		return 0, fmt.Errorf("getBalance: %w", err)
	}

	var bal BalanceResult
	if err := json.Unmarshal(result, &bal); err != nil {
		return 0, fmt.Errorf("unmarshal balance: %w", err)
	}
	return bal.Value, nil
}

// GetTokenAccountsByOwner returns SPL token holdings of owner across the
// classic and Token-2022 programs.
func (c *Client) GetTokenAccountsByOwner(ctx context.Context, owner string) ([]Token, error) {
	var out []Token
	for _, program := range []string{TokenProgramID, Token2022ProgramID} {
		params := []any{
			owner,
			map[string]string{"programId": program},
			map[string]string{"encoding": "jsonParsed", "commitment": c.commitment},
		}
		result, err := c.call(ctx, "getTokenAccountsByOwner", params)
		if err != nil {
			return nil, fmt.Errorf("getTokenAccountsByOwner: %w", err)
		}

		var accounts TokenAccountsResult
		if err := json.Unmarshal(result, &accounts); err != nil {
			return nil, fmt.Errorf("unmarshal token accounts: %w", err)
		}
		for _, acc := range accounts.Value {
			info := acc.Account.Data.Parsed.Info
			if info.TokenAmount.Amount == "" || info.TokenAmount.Amount == "0" {
				continue
			}
			out = append(out, Token{
				Mint:     info.Mint,
				Amount:   info.TokenAmount.Amount,
				Decimals: info.TokenAmount.Decimals,
			})
		}
	}
	return out, nil
}
