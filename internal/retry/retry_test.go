package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type codedErr struct{ code int }

func (e codedErr) Error() string  { return fmt.Sprintf("rpc error %d", e.code) }
func (e codedErr) ErrorCode() int { return e.code }

func TestClassify_ExplicitMarkers(t *testing.T) {
	transient := Classify(Transient(errors.New("invalid params")))
	assert.Equal(t, ClassTransient, transient.Class)
	assert.Equal(t, "explicit_transient", transient.Reason)

	terminal := Classify(Terminal(errors.New("rpc timed out")))
	assert.Equal(t, ClassTerminal, terminal.Class)
	assert.Equal(t, "explicit_terminal", terminal.Reason)

	assert.Nil(t, Transient(nil))
	assert.Nil(t, Terminal(nil))
}

func TestClassify_RepresentativeRuntimeErrors(t *testing.T) {
	testCases := []struct {
		name          string
		err           error
		expectedClass Class
	}{
		{name: "context deadline transient", err: context.DeadlineExceeded, expectedClass: ClassTransient},
		{name: "context canceled terminal", err: fmt.Errorf("fetch: %w", context.Canceled), expectedClass: ClassTerminal},
		{name: "jsonrpc internal transient", err: codedErr{code: -32603}, expectedClass: ClassTransient},
		{name: "jsonrpc invalid params terminal", err: fmt.Errorf("getBalance: %w", codedErr{code: -32602}), expectedClass: ClassTerminal},
		{name: "http 503 transient", err: errors.New("http status 503: bad gateway"), expectedClass: ClassTransient},
		{name: "invalid address terminal", err: errors.New("invalid address 0xzz"), expectedClass: ClassTerminal},
		{name: "unknown defaults transient", err: errors.New("unexpected failure"), expectedClass: ClassTransient},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			decision := Classify(tc.err)
			assert.Equal(t, tc.expectedClass, decision.Class)
		})
	}
}
