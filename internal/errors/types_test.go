package errors

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyStatusCodes(t *testing.T) {
	cases := []struct {
		code      int
		transient bool
		reason    string
	}{
		{429, true, ""},
		{500, true, ""},
		{503, true, ""},
		{401, false, ReasonAuth},
		{403, false, ReasonAuth},
		{404, false, ReasonNotFound},
		{413, false, ReasonContextWindow},
		{400, false, ReasonInvalid},
	}

	for _, tc := range cases {
		err := Classify(&StatusError{Code: tc.code, Body: "x"})
		if tc.transient {
			require.True(t, IsTransient(err), "HTTP %d should be transient", tc.code)
			continue
		}
		require.True(t, IsPermanent(err), "HTTP %d should be permanent", tc.code)
		var pe *PermanentError
		require.True(t, errors.As(err, &pe))
		require.Equal(t, tc.reason, pe.Reason)
	}
}

func TestClassifyMessages(t *testing.T) {
	require.True(t, IsTransient(Classify(fmt.Errorf("rate limit exceeded, slow down"))))
	require.True(t, IsTransient(Classify(fmt.Errorf("request timeout talking to upstream"))))
	require.True(t, IsPermanent(Classify(fmt.Errorf("maximum context length is 128000 tokens"))))
	require.True(t, IsPermanent(Classify(fmt.Errorf("invalid api key provided"))))
	require.True(t, IsTransient(Classify(fmt.Errorf("service unavailable, please retry"))))
}

func TestClassifyNetworkErrors(t *testing.T) {
	require.True(t, IsTransient(Classify(syscall.ECONNREFUSED)))
	require.True(t, IsTransient(Classify(fmt.Errorf("dial failed: %w", syscall.ECONNRESET))))
}

func TestClassifyPassesThroughClassifiedErrors(t *testing.T) {
	te := NewTransientError(nil, "already transient")
	require.Same(t, error(te), Classify(te))

	pe := NewPermanentError(nil, ReasonAuth, "already permanent")
	require.Same(t, error(pe), Classify(pe))
}

func TestFormatForLLMIsActionable(t *testing.T) {
	msg := FormatForLLM(&ActionNotFoundError{Name: "frobnicate"})
	require.Contains(t, msg, "frobnicate")
	require.Contains(t, msg, "actions listed")

	msg = FormatForLLM(&PermissionDeniedError{Role: "reporter", Action: "terminal_execute"})
	require.Contains(t, msg, "Permission denied")

	msg = FormatForLLM(NewPermanentError(nil, ReasonContextWindow, "too big"))
	require.Contains(t, msg, "context window")

	msg = FormatForLLM(&CoercionError{Action: "create_note", Arg: "priority", Reason: "not one of low, normal, high, urgent"})
	require.Contains(t, msg, "priority")
}

func TestErrorsSupportUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	te := &TransientError{Err: cause}
	require.ErrorIs(t, te, cause)

	pe := &PersistenceError{Path: "run_state.json", Err: cause}
	require.ErrorIs(t, pe, cause)
}
