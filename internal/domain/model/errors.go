package model

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable means one family's adapter failed or timed out.
	// Recovered locally by serving cached results with a degraded flag.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrUnresolvableAddress means an event or result references an address
	// no AccountID tracks.
	ErrUnresolvableAddress = errors.New("unresolvable address")

	// ErrStaleIncrement means an increment is not newer than the slice it
	// would replace.
	ErrStaleIncrement = errors.New("stale increment")

	// ErrAggregationTimeout means the overall aggregation budget elapsed.
	ErrAggregationTimeout = errors.New("aggregation timeout")

	// ErrNoResolvableAccounts is the only fatal aggregation error: accounts
	// were requested but none resolve in the registry.
	ErrNoResolvableAccounts = errors.New("no resolvable accounts")
)

// SourceError carries the family and failure reason of a source failure.
// It matches ErrSourceUnavailable with errors.Is.
type SourceError struct {
	ChainFamily ChainFamily
	Reason      string
	Err         error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s (%s)", ErrSourceUnavailable, e.ChainFamily, e.Reason)
	}
	return fmt.Sprintf("%s: %s (%s): %v", ErrSourceUnavailable, e.ChainFamily, e.Reason, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func (e *SourceError) Is(target error) bool { return target == ErrSourceUnavailable }
