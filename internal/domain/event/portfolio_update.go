package event

import (
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/google/uuid"
)

// UpdateType is what changed for an address.
type UpdateType string

const (
	UpdateBalance     UpdateType = "balance"
	UpdateTransaction UpdateType = "transaction"
	UpdatePosition    UpdateType = "position"
)

// PortfolioUpdateEvent is the normalized live-update shape. It is created by
// normalization of a source event, consumed once by the orchestrator, and
// discarded after merge.
type PortfolioUpdateEvent struct {
	ID          uuid.UUID
	ChainFamily model.ChainFamily
	Address     model.Address
	UpdateType  UpdateType
	Payload     map[string]any
	Timestamp   time.Time
	AccountIDs  []model.AccountID

	// SourceID and RawKind record provenance for logs only.
	SourceID string
	RawKind  string
}

// AddressKey returns the physical resource the event refers to.
func (e PortfolioUpdateEvent) AddressKey() model.AddressKey {
	return model.AddressKey{Family: e.ChainFamily, Address: e.Address}
}

// DedupKey is the collapse key of the dedup window: same family, address,
// and update type.
func (e PortfolioUpdateEvent) DedupKey() (model.DedupKey, error) {
	return model.NewDedupKey(model.ObjectEvent, e.ChainFamily, string(e.Address), string(e.UpdateType))
}
