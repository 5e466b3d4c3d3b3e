package tools

import (
	"fmt"
	"strings"
)

// Thinker output embeds action invocations as bracketed structures:
//
//	<function=action_name>
//	<parameter=arg_name>value</parameter>
//	</function>
//
// The closing tag doubles as the streaming stop sentinel and the
// truncation marker for trailing content.
const (
	invocationOpen  = "<function="
	invocationClose = "</function>"
	parameterOpen   = "<parameter="
	parameterClose  = "</parameter>"
)

// maxInvocationsPerResponse bounds how many invocations one response may
// carry; anything beyond is ignored.
const maxInvocationsPerResponse = 10

// Invocation is one parsed action call. Argument values are raw strings;
// coercion against the registered signature happens at dispatch.
type Invocation struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

// ParseError reports a malformed invocation structure. Callers convert it
// to an observation; it never crashes an agent.
type ParseError struct {
	Reason  string
	Snippet string
}

func (e *ParseError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("malformed action invocation: %s", e.Reason)
	}
	return fmt.Sprintf("malformed action invocation: %s (near %q)", e.Reason, e.Snippet)
}

// EndSentinel returns the marker whose appearance ends a streamed response.
func EndSentinel() string {
	return invocationClose
}

// TruncateAtInvocationEnd cuts content after the first closing marker,
// discarding any trailing text the thinker produced past its action.
func TruncateAtInvocationEnd(content string) string {
	idx := strings.Index(content, invocationClose)
	if idx == -1 {
		return content
	}
	return content[:idx+len(invocationClose)]
}

// Parse extracts well-formed invocations from content, at most
// maxInvocationsPerResponse. A malformed structure yields a *ParseError
// only when no well-formed invocation was found before it; otherwise the
// well-formed prefix is returned and the malformed tail ignored.
func Parse(content string) ([]Invocation, error) {
	s := &invocationScanner{input: content}
	var calls []Invocation

	for len(calls) < maxInvocationsPerResponse {
		inv, found, err := s.next()
		if err != nil {
			if len(calls) > 0 {
				return calls, nil
			}
			return nil, err
		}
		if !found {
			break
		}
		calls = append(calls, inv)
	}
	return calls, nil
}

type invocationScanner struct {
	input string
	pos   int
}

// next advances to the next invocation. found=false means clean end of
// input with no further opening marker.
func (s *invocationScanner) next() (Invocation, bool, error) {
	start := strings.Index(s.input[s.pos:], invocationOpen)
	if start == -1 {
		return Invocation{}, false, nil
	}
	s.pos += start + len(invocationOpen)

	name, err := s.readUntil(">", "action name")
	if err != nil {
		return Invocation{}, false, err
	}
	name = strings.TrimSpace(name)
	if !actionNamePattern.MatchString(name) {
		return Invocation{}, false, &ParseError{Reason: "invalid action name", Snippet: snippet(name)}
	}

	args := make(map[string]string)
	for {
		s.skipSpaces()
		if s.consume(invocationClose) {
			return Invocation{Name: name, Arguments: args}, true, nil
		}
		if !s.consume(parameterOpen) {
			return Invocation{}, false, &ParseError{
				Reason:  fmt.Sprintf("expected %s or %s inside %q", parameterOpen, invocationClose, name),
				Snippet: snippet(s.rest()),
			}
		}
		key, err := s.readUntil(">", "parameter name")
		if err != nil {
			return Invocation{}, false, err
		}
		key = strings.TrimSpace(key)
		if !actionNamePattern.MatchString(key) {
			return Invocation{}, false, &ParseError{Reason: "invalid parameter name", Snippet: snippet(key)}
		}
		value, err := s.readUntil(parameterClose, "parameter value")
		if err != nil {
			return Invocation{}, false, err
		}
		args[key] = trimValue(value)
	}
}

// readUntil consumes input up to marker, returning the consumed text.
func (s *invocationScanner) readUntil(marker, what string) (string, error) {
	idx := strings.Index(s.input[s.pos:], marker)
	if idx == -1 {
		return "", &ParseError{Reason: "unterminated " + what, Snippet: snippet(s.rest())}
	}
	out := s.input[s.pos : s.pos+idx]
	s.pos += idx + len(marker)
	return out, nil
}

func (s *invocationScanner) consume(prefix string) bool {
	if strings.HasPrefix(s.input[s.pos:], prefix) {
		s.pos += len(prefix)
		return true
	}
	return false
}

func (s *invocationScanner) skipSpaces() {
	for s.pos < len(s.input) {
		switch s.input[s.pos] {
		case ' ', '\t', '\n', '\r':
			s.pos++
		default:
			return
		}
	}
}

func (s *invocationScanner) rest() string {
	return s.input[s.pos:]
}

// trimValue strips one leading and one trailing newline so block-formatted
// values keep their internal indentation.
func trimValue(v string) string {
	v = strings.TrimPrefix(v, "\n")
	v = strings.TrimSuffix(v, "\n")
	return v
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		return s[:60]
	}
	return s
}
