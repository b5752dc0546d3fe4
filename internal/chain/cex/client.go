package cex

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// HoldingKind classifies one exchange balance line.
type HoldingKind string

const (
	HoldingSpot HoldingKind = "spot"
	HoldingFiat HoldingKind = "fiat"
	HoldingEarn HoldingKind = "earn"
	// HoldingDeposit is a balance the exchange attributes to an on-chain
	// deposit address the user may also track directly.
	HoldingDeposit HoldingKind = "deposit"
)

// Holding is one balance line of an exchange account.
type Holding struct {
	Kind    HoldingKind
	Asset   string
	Amount  decimal.Decimal
	Product string

	DepositFamily  model.ChainFamily
	DepositChainID model.ChainID
	DepositAddress string
}

// Snapshot is an exchange account's holdings at a point in time.
type Snapshot struct {
	Holdings  []Holding
	FetchedAt time.Time
}

// AccountClient reads balances for one exchange. Credential handling lives
// behind implementations of this interface.
type AccountClient interface {
	Exchange() string
	Snapshot(ctx context.Context, account string) (Snapshot, error)
}

// FileClient serves balances from a YAML export. The file is re-read on
// every call so polling observes edits.
type FileClient struct {
	exchange string
	path     string
}

var _ AccountClient = (*FileClient)(nil)

func NewFileClient(exchange, path string) *FileClient {
	return &FileClient{exchange: strings.ToLower(exchange), path: path}
}

func (c *FileClient) Exchange() string { return c.exchange }

type exportFile struct {
	Accounts map[string]exportAccount `yaml:"accounts"`
}

type exportAccount struct {
	UpdatedAt time.Time       `yaml:"updated_at"`
	Holdings  []exportHolding `yaml:"holdings"`
}

type exportHolding struct {
	Kind        string `yaml:"kind"`
	Asset       string `yaml:"asset"`
	Amount      string `yaml:"amount"`
	Product     string `yaml:"product"`
	ChainFamily string `yaml:"chain_family"`
	ChainID     string `yaml:"chain_id"`
	Address     string `yaml:"address"`
}

func (c *FileClient) Snapshot(ctx context.Context, account string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read %s export: %w", c.exchange, err)
	}
	info, err := os.Stat(c.path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stat %s export: %w", c.exchange, err)
	}

	var file exportFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Snapshot{}, fmt.Errorf("parse %s export: %w", c.exchange, err)
	}
	acct, ok := file.Accounts[account]
	if !ok {
		return Snapshot{}, fmt.Errorf("%s account %q: invalid address: not in export", c.exchange, account)
	}

	snap := Snapshot{FetchedAt: acct.UpdatedAt}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = info.ModTime()
	}
	for i, h := range acct.Holdings {
		amount, err := decimal.NewFromString(strings.TrimSpace(h.Amount))
		if err != nil {
			return Snapshot{}, fmt.Errorf("%s account %q holding %d: amount: %w", c.exchange, account, i, err)
		}
		kind := HoldingKind(strings.ToLower(h.Kind))
		switch kind {
		case HoldingSpot, HoldingFiat, HoldingEarn:
		case HoldingDeposit:
			family, err := model.ParseChainFamily(h.ChainFamily)
			if err != nil || !family.IsOnChain() {
				return Snapshot{}, fmt.Errorf("%s account %q holding %d: deposit needs an on-chain chain_family", c.exchange, account, i)
			}
			if strings.TrimSpace(h.Address) == "" {
				return Snapshot{}, fmt.Errorf("%s account %q holding %d: deposit needs an address", c.exchange, account, i)
			}
		default:
			return Snapshot{}, fmt.Errorf("%s account %q holding %d: unknown kind %q", c.exchange, account, i, h.Kind)
		}
		snap.Holdings = append(snap.Holdings, Holding{
			Kind:           kind,
			Asset:          strings.ToUpper(strings.TrimSpace(h.Asset)),
			Amount:         amount,
			Product:        h.Product,
			DepositFamily:  model.ChainFamily(strings.ToLower(h.ChainFamily)),
			DepositChainID: model.ChainID(h.ChainID),
			DepositAddress: h.Address,
		})
	}
	return snap, nil
}
