package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
)

//go:generate mockgen -destination=mocks/mock_adapter.go -package=mocks . Adapter,Subscription

// ErrSubscriptionUnsupported is returned by adapters without a push channel.
// Callers fall back to polling.
var ErrSubscriptionUnsupported = errors.New("subscription unsupported")

// Adapter abstracts one data source (a chain family or a CEX) so the
// aggregation core stays source-agnostic. Implementations must be safe for
// concurrent use and must honor ctx cancellation.
type Adapter interface {
	// ChainFamily returns the family this adapter serves.
	ChainFamily() model.ChainFamily

	// SourceID identifies the concrete integration (e.g. "evm-rpc").
	SourceID() string

	// GetBalances fetches one SourceResult per (address, chain) in the
	// request. A *PartialFailure error may accompany partial results.
	GetBalances(ctx context.Context, reqs []model.AddressScope) ([]model.SourceResult, error)

	// SubscribeToUpdates opens a push stream for the requested addresses.
	// Returns ErrSubscriptionUnsupported when the source cannot push.
	SubscribeToUpdates(ctx context.Context, reqs []model.AddressScope) (Subscription, error)
}

// PartialFailure reports addresses an adapter could not serve while still
// returning results for the rest.
type PartialFailure struct {
	Family model.ChainFamily
	Failed map[model.Address]error
}

func (e *PartialFailure) Error() string {
	addrs := make([]string, 0, len(e.Failed))
	for a := range e.Failed {
		addrs = append(addrs, string(a))
	}
	sort.Strings(addrs)
	return fmt.Sprintf("%s: %d address(es) failed: %s", e.Family, len(addrs), strings.Join(addrs, ","))
}

// Unwrap exposes the individual address errors.
func (e *PartialFailure) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

// AddressFailed reports whether addr is listed as failed.
func (e *PartialFailure) AddressFailed(addr model.Address) bool {
	_, ok := e.Failed[addr]
	return ok
}

// EventKind is the source-specific type of a raw push event.
type EventKind string

const (
	EventTransferLog         EventKind = "transfer_log"
	EventNewHead             EventKind = "new_head"
	EventBalancePoll         EventKind = "balance_poll"
	EventAccountNotification EventKind = "account_notification"
	EventTxSignature         EventKind = "tx_signature"
	EventPositionUpdate      EventKind = "position_update"
	EventCEXBalance          EventKind = "cex_balance"
)

// RawSourceEvent is what a subscription emits before normalization.
type RawSourceEvent struct {
	SourceID   string
	Family     model.ChainFamily
	Kind       EventKind
	Address    string
	ChainID    model.ChainID
	TxHash     string
	Payload    map[string]any
	ObservedAt time.Time
}

// ScopeChains returns the chains to query for req, falling back to
// configured when the request scope is empty. Chains outside configured are
// dropped.
func ScopeChains(req model.AddressScope, configured []model.ChainID) []model.ChainID {
	if len(req.ChainScope) == 0 {
		return configured
	}
	allowed := make(map[model.ChainID]bool, len(configured))
	for _, c := range configured {
		allowed[c] = true
	}
	var out []model.ChainID
	for _, c := range req.ChainScope {
		if allowed[c] {
			out = append(out, c)
		}
	}
	return out
}
