package model

import (
	"errors"
	"fmt"
	"strings"
)

// AccountID is the logical identity key of a tracked address. Two AccountIDs
// may reference the same physical (family, address) pair when one address is
// imported into several wallet connections.
type AccountID struct {
	connection ConnectionID
	family     ChainFamily
	address    Address
}

var errEmptyAccountID = errors.New("empty account id")

// NewAccountID builds the id for an address exposed by a wallet connection.
func NewAccountID(conn ConnectionID, family ChainFamily, rawAddress string) (AccountID, error) {
	c := ConnectionID(strings.TrimSpace(string(conn)))
	if c == "" {
		return AccountID{}, fmt.Errorf("account id: connection id is required")
	}
	if strings.Contains(string(c), ":") {
		return AccountID{}, fmt.Errorf("account id: connection id %q must not contain ':'", c)
	}
	if !family.Valid() {
		return AccountID{}, fmt.Errorf("account id: unknown chain family %q", family)
	}
	addr := CanonicalAddress(family, rawAddress)
	if addr == "" {
		return AccountID{}, fmt.Errorf("account id: address is required")
	}
	return AccountID{connection: c, family: family, address: addr}, nil
}

// NewWatchAccountID builds the id for a manually tracked address.
func NewWatchAccountID(family ChainFamily, rawAddress string) (AccountID, error) {
	return NewAccountID(WatchConnection, family, rawAddress)
}

// ParseAccountID parses the "{connection}:{family}:{address}" form.
func ParseAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, errEmptyAccountID
	}
	parts := strings.SplitN(trimmed, ":", 3)
	if len(parts) != 3 {
		return AccountID{}, fmt.Errorf("parse account id %q: want connection:family:address", raw)
	}
	family, err := ParseChainFamily(parts[1])
	if err != nil {
		return AccountID{}, fmt.Errorf("parse account id %q: %w", raw, err)
	}
	return NewAccountID(ConnectionID(parts[0]), family, parts[2])
}

// MustParseAccountID is ParseAccountID for static inputs; it panics on error.
func MustParseAccountID(raw string) AccountID {
	id, err := ParseAccountID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func (a AccountID) String() string {
	if a.IsZero() {
		return ""
	}
	return string(a.connection) + ":" + string(a.family) + ":" + string(a.address)
}

func (a AccountID) Connection() ConnectionID { return a.connection }
func (a AccountID) ChainFamily() ChainFamily { return a.family }
func (a AccountID) Address() Address         { return a.address }
func (a AccountID) IsWatch() bool            { return a.connection == WatchConnection }
func (a AccountID) IsZero() bool             { return a == AccountID{} }

// AddressKey returns the physical resource this account tracks.
func (a AccountID) AddressKey() AddressKey {
	return AddressKey{Family: a.family, Address: a.address}
}

func (a AccountID) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AccountID) UnmarshalText(text []byte) error {
	id, err := ParseAccountID(string(text))
	if err != nil {
		return err
	}
	*a = id
	return nil
}

// TrackedAccount is the registry record for one AccountID. The address is
// never mutated; untracking removes the record.
type TrackedAccount struct {
	AccountID   AccountID
	Address     Address
	ChainFamily ChainFamily
	ChainScope  []ChainID
	Label       string
	Metadata    Metadata
}

// Validate checks the record agrees with its AccountID.
func (t TrackedAccount) Validate() error {
	if t.AccountID.IsZero() {
		return errEmptyAccountID
	}
	if t.ChainFamily != t.AccountID.ChainFamily() {
		return fmt.Errorf("tracked account %s: family %q does not match id", t.AccountID, t.ChainFamily)
	}
	if CanonicalAddress(t.ChainFamily, string(t.Address)) != t.AccountID.Address() {
		return fmt.Errorf("tracked account %s: address %q does not match id", t.AccountID, t.Address)
	}
	return nil
}

// AddressKey returns the physical resource the account tracks.
func (t TrackedAccount) AddressKey() AddressKey {
	return t.AccountID.AddressKey()
}

// Clone returns a deep copy safe to hand out of the registry.
func (t TrackedAccount) Clone() TrackedAccount {
	out := t
	if t.ChainScope != nil {
		out.ChainScope = append([]ChainID(nil), t.ChainScope...)
	}
	out.Metadata = t.Metadata.Clone()
	return out
}
