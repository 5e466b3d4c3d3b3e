package tools

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSingleInvocation(t *testing.T) {
	content := `I will list the directory first.
<function=terminal_execute>
<parameter=command>ls -la /tmp</parameter>
</function>`

	calls, err := Parse(content)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "terminal_execute", calls[0].Name)
	assert.Equal(t, "ls -la /tmp", calls[0].Arguments["command"])
}

func TestParseMultipleInvocations(t *testing.T) {
	content := `<function=think>
<parameter=thought>check the login form</parameter>
</function>
Some narration in between.
<function=web_search>
<parameter=query>CVE-2024 jwt none algorithm</parameter>
</function>`

	calls, err := Parse(content)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "think", calls[0].Name)
	assert.Equal(t, "web_search", calls[1].Name)
	assert.Equal(t, "CVE-2024 jwt none algorithm", calls[1].Arguments["query"])
}

func TestParsePreservesInnerNewlines(t *testing.T) {
	content := "<function=file_edit>\n" +
		"<parameter=content>\nline one\n  line two\n</parameter>\n" +
		"</function>"

	calls, err := Parse(content)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	// One leading and one trailing newline stripped, indentation kept.
	assert.Equal(t, "line one\n  line two", calls[0].Arguments["content"])
}

func TestParseNoInvocations(t *testing.T) {
	calls, err := Parse("just prose, no actions here")
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestParseMalformedWithNothingCollected(t *testing.T) {
	_, err := Parse("<function=terminal_execute>\n<parameter=command>ls")
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "unterminated")
}

func TestParseMalformedAfterValidInvocation(t *testing.T) {
	content := `<function=think>
<parameter=thought>ok</parameter>
</function>
<function=broken>
<parameter=x>unclosed`

	calls, err := Parse(content)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "think", calls[0].Name)
}

func TestParseRejectsInvalidActionName(t *testing.T) {
	_, err := Parse("<function=9bad>\n</function>")
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "invalid action name")
}

func TestParseCapsInvocationCount(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 15; i++ {
		fmt.Fprintf(&b, "<function=think>\n<parameter=thought>n%d</parameter>\n</function>\n", i)
	}
	calls, err := Parse(b.String())
	require.NoError(t, err)
	assert.Len(t, calls, 10)
}

func TestParseEmptyParameterValue(t *testing.T) {
	calls, err := Parse("<function=agent_finish>\n<parameter=result></parameter>\n</function>")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "", calls[0].Arguments["result"])
}

func TestTruncateAtInvocationEnd(t *testing.T) {
	content := "<function=think>\n<parameter=thought>x</parameter>\n</function>\ntrailing chatter"
	got := TruncateAtInvocationEnd(content)
	assert.True(t, strings.HasSuffix(got, "</function>"))
	assert.NotContains(t, got, "trailing chatter")

	// Without a terminator the content passes through untouched.
	assert.Equal(t, "no actions", TruncateAtInvocationEnd("no actions"))
}

func TestEndSentinel(t *testing.T) {
	assert.Equal(t, "</function>", EndSentinel())
}
