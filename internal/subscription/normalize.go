package subscription

import (
	"fmt"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/chain"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/event"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/google/uuid"
)

var updateTypeByKind = map[chain.EventKind]event.UpdateType{
	chain.EventTransferLog:         event.UpdateBalance,
	chain.EventNewHead:             event.UpdateBalance,
	chain.EventBalancePoll:         event.UpdateBalance,
	chain.EventAccountNotification: event.UpdateBalance,
	chain.EventCEXBalance:          event.UpdateBalance,
	chain.EventTxSignature:         event.UpdateTransaction,
	chain.EventPositionUpdate:      event.UpdatePosition,
}

// Normalize maps a source-specific event onto PortfolioUpdateEvent.
func Normalize(raw chain.RawSourceEvent, now time.Time) (event.PortfolioUpdateEvent, error) {
	if !raw.Family.Valid() {
		return event.PortfolioUpdateEvent{}, fmt.Errorf("normalize: unknown chain family %q", raw.Family)
	}
	addr := model.CanonicalAddress(raw.Family, raw.Address)
	if addr == "" {
		return event.PortfolioUpdateEvent{}, fmt.Errorf("normalize %s event: empty address", raw.Family)
	}
	ut, ok := updateTypeByKind[raw.Kind]
	if !ok {
		return event.PortfolioUpdateEvent{}, fmt.Errorf("normalize %s event: unknown kind %q", raw.Family, raw.Kind)
	}

	payload := make(map[string]any, len(raw.Payload)+2)
	for k, v := range raw.Payload {
		payload[k] = v
	}
	if raw.ChainID != "" {
		payload["chain_id"] = string(raw.ChainID)
	}
	if raw.TxHash != "" {
		payload["tx_hash"] = raw.TxHash
	}

	ts := raw.ObservedAt
	if ts.IsZero() {
		ts = now
	}
	return event.PortfolioUpdateEvent{
		ID:          uuid.New(),
		ChainFamily: raw.Family,
		Address:     addr,
		UpdateType:  ut,
		Payload:     payload,
		Timestamp:   ts,
		SourceID:    raw.SourceID,
		RawKind:     string(raw.Kind),
	}, nil
}
