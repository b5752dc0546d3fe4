package model

import "strings"

// Address is an opaque, family-specific address string. Values produced by
// CanonicalAddress compare equal for every representation of the same
// physical address.
type Address string

func (a Address) String() string {
	return string(a)
}

// CanonicalAddress normalises a raw address for the given family. EVM
// addresses are lowercased with a 0x prefix; other families are trimmed and
// returned as-is since their encodings (base58, bech32) are case-sensitive
// or already canonical.
func CanonicalAddress(family ChainFamily, raw string) Address {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if family != ChainFamilyEVM {
		return Address(trimmed)
	}
	withoutPrefix := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if withoutPrefix == "" {
		return Address(trimmed)
	}
	if IsHexString(withoutPrefix) {
		return Address("0x" + strings.ToLower(withoutPrefix))
	}
	return Address(trimmed)
}

// IsHexString reports whether v consists solely of hexadecimal characters.
func IsHexString(v string) bool {
	for _, ch := range v {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		case ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}

// AddressKey identifies one physical resource.
type AddressKey struct {
	Family  ChainFamily
	Address Address
}

func (k AddressKey) String() string {
	return string(k.Family) + ":" + string(k.Address)
}

// AddressScope is the unit of an adapter request: one address and the
// chains it should be queried on. An empty scope means every chain the
// adapter is configured for.
type AddressScope struct {
	Address    Address
	ChainScope []ChainID
}
