package model

import (
	"fmt"
	"strings"
)

// ObjectType is the domain object a DedupKey describes.
type ObjectType string

const (
	ObjectBalance     ObjectType = "balance"
	ObjectPosition    ObjectType = "position"
	ObjectTransaction ObjectType = "transaction"
	ObjectEvent       ObjectType = "event"
)

func (o ObjectType) valid() bool {
	switch o {
	case ObjectBalance, ObjectPosition, ObjectTransaction, ObjectEvent:
		return true
	}
	return false
}

// DedupKey decides whether two data points describe the same economic fact.
// String form: {objectType}:{chainFamily}:{address}:{discriminator}.
type DedupKey struct {
	objectType    ObjectType
	family        ChainFamily
	address       Address
	discriminator string
}

// NewDedupKey validates and builds a key. The discriminator may contain ':'.
func NewDedupKey(objectType ObjectType, family ChainFamily, rawAddress, discriminator string) (DedupKey, error) {
	if !objectType.valid() {
		return DedupKey{}, fmt.Errorf("dedup key: unknown object type %q", objectType)
	}
	if !family.Valid() {
		return DedupKey{}, fmt.Errorf("dedup key: unknown chain family %q", family)
	}
	addr := CanonicalAddress(family, rawAddress)
	if addr == "" {
		return DedupKey{}, fmt.Errorf("dedup key: address is required")
	}
	if strings.Contains(string(addr), ":") {
		return DedupKey{}, fmt.Errorf("dedup key: address %q must not contain ':'", addr)
	}
	d := strings.TrimSpace(discriminator)
	if d == "" {
		return DedupKey{}, fmt.Errorf("dedup key: discriminator is required")
	}
	return DedupKey{objectType: objectType, family: family, address: addr, discriminator: d}, nil
}

// ParseDedupKey parses the string form produced by String.
func ParseDedupKey(raw string) (DedupKey, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 4)
	if len(parts) != 4 {
		return DedupKey{}, fmt.Errorf("parse dedup key %q: want type:family:address:discriminator", raw)
	}
	family, err := ParseChainFamily(parts[1])
	if err != nil {
		return DedupKey{}, fmt.Errorf("parse dedup key %q: %w", raw, err)
	}
	return NewDedupKey(ObjectType(parts[0]), family, parts[2], parts[3])
}

func (k DedupKey) String() string {
	if k.IsZero() {
		return ""
	}
	return string(k.objectType) + ":" + string(k.family) + ":" + string(k.address) + ":" + k.discriminator
}

func (k DedupKey) ObjectType() ObjectType   { return k.objectType }
func (k DedupKey) ChainFamily() ChainFamily { return k.family }
func (k DedupKey) Address() Address         { return k.address }
func (k DedupKey) Discriminator() string    { return k.discriminator }
func (k DedupKey) IsZero() bool             { return k == DedupKey{} }
