package docstore

import (
	"errors"
	"fmt"
	"strings"
)

// Path addresses a field inside a JSON document as a sequence of object keys.
// The zero value addresses the document root. Array indexing is deliberately
// unsupported: control plane documents are objects all the way down, and
// positional addressing has no stable meaning under concurrent list edits.
type Path []string

// ErrBadPath indicates a path string that does not follow the supported
// grammar.
var ErrBadPath = errors.New("malformed document path")

// ParsePath parses a path string. Supported forms, freely mixed:
//
//	$               document root
//	$.a.b           dotted object keys
//	$["a"]["b c"]   bracketed quoted keys (double or single quotes)
//
// Bracketed array indices such as $.a[0] are rejected. Quoted keys may escape
// the quote character and backslash with a backslash.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty path", ErrBadPath)
	}
	if s[0] != '$' {
		return nil, fmt.Errorf("%w: %q: paths start at the document root ($)", ErrBadPath, s)
	}
	p := Path{}
	i := 1
	for i < len(s) {
		switch s[i] {
		case '.':
			i++
			start := i
			for i < len(s) && s[i] != '.' && s[i] != '[' {
				i++
			}
			seg := s[start:i]
			if seg == "" {
				return nil, fmt.Errorf("%w: %q: empty key", ErrBadPath, s)
			}
			if strings.ContainsAny(seg, `]"'`) {
				return nil, fmt.Errorf("%w: %q: key %q needs bracket quoting", ErrBadPath, s, seg)
			}
			p = append(p, seg)
		case '[':
			i++
			if i >= len(s) {
				return nil, fmt.Errorf("%w: %q: unterminated bracket", ErrBadPath, s)
			}
			quote := s[i]
			if quote != '"' && quote != '\'' {
				if quote >= '0' && quote <= '9' || quote == '-' {
					return nil, fmt.Errorf("%w: %q: array indices are not supported", ErrBadPath, s)
				}
				return nil, fmt.Errorf("%w: %q: expected quoted key after [", ErrBadPath, s)
			}
			i++
			var key strings.Builder
			closed := false
			for i < len(s) {
				c := s[i]
				if c == '\\' && i+1 < len(s) {
					key.WriteByte(s[i+1])
					i += 2
					continue
				}
				if c == quote {
					closed = true
					i++
					break
				}
				key.WriteByte(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("%w: %q: unterminated quoted key", ErrBadPath, s)
			}
			if i >= len(s) || s[i] != ']' {
				return nil, fmt.Errorf("%w: %q: missing closing bracket", ErrBadPath, s)
			}
			i++
			p = append(p, key.String())
		default:
			return nil, fmt.Errorf("%w: %q: unexpected character %q", ErrBadPath, s, string(s[i]))
		}
	}
	return p, nil
}

// String renders the canonical form of the path: dotted where the key allows
// it, bracket-quoted otherwise. ParsePath(p.String()) yields p back.
func (p Path) String() string {
	if len(p) == 0 {
		return "$"
	}
	var b strings.Builder
	b.WriteByte('$')
	for _, k := range p {
		if bareKey(k) {
			b.WriteByte('.')
			b.WriteString(k)
			continue
		}
		b.WriteString(`["`)
		for j := 0; j < len(k); j++ {
			if k[j] == '"' || k[j] == '\\' {
				b.WriteByte('\\')
			}
			b.WriteByte(k[j])
		}
		b.WriteString(`"]`)
	}
	return b.String()
}

func bareKey(k string) bool {
	if k == "" {
		return false
	}
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// Get returns the value at p in doc and whether it was present. An empty path
// returns doc itself.
func (p Path) Get(doc map[string]any) (any, bool) {
	var cur any = doc
	for _, k := range p {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[k]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes v at p, creating intermediate objects as needed. Setting through
// an existing non-object value fails; the document root cannot be set.
func (p Path) Set(doc map[string]any, v any) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: cannot set the document root", ErrBadPath)
	}
	m := doc
	for _, k := range p[:len(p)-1] {
		next, ok := m[k]
		if !ok || next == nil {
			child := make(map[string]any)
			m[k] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s: value at %q is not an object", ErrBadPath, p, k)
		}
		m = child
	}
	m[p[len(p)-1]] = v
	return nil
}

// Delete removes the value at p and reports whether it was present.
func (p Path) Delete(doc map[string]any) bool {
	if len(p) == 0 {
		return false
	}
	m := doc
	for _, k := range p[:len(p)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			return false
		}
		m = next
	}
	last := p[len(p)-1]
	if _, ok := m[last]; !ok {
		return false
	}
	delete(m, last)
	return true
}
