package urlresolve

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidPointer = errors.New("invalid json pointer")
	ErrPointerMissing = errors.New("json pointer target not found")
)

// Pointer walks an RFC 6901 JSON pointer over a generic value tree made of
// map[string]any, []any and scalars, as produced by any JSON decoder that
// targets interface values. The empty pointer addresses the whole document.
func Pointer(doc any, pointer string) (any, error) {
	if pointer == "" {
		return doc, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("%w: %q must start with '/'", ErrInvalidPointer, pointer)
	}

	current := doc
	for _, raw := range strings.Split(pointer[1:], "/") {
		token := unescapeToken(raw)
		next, err := step(current, token)
		if err != nil {
			return nil, fmt.Errorf("%w: %q at %q", err, pointer, token)
		}
		current = next
	}
	return current, nil
}

func unescapeToken(s string) string {
	if !strings.Contains(s, "~") {
		return s
	}
	return strings.ReplaceAll(strings.ReplaceAll(s, "~1", "/"), "~0", "~")
}

func step(node any, token string) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		v, ok := n[token]
		if !ok {
			return nil, ErrPointerMissing
		}
		return v, nil
	case map[string]string:
		v, ok := n[token]
		if !ok {
			return nil, ErrPointerMissing
		}
		return v, nil
	case []any:
		i, err := arrayIndex(token, len(n))
		if err != nil {
			return nil, err
		}
		return n[i], nil
	case []string:
		i, err := arrayIndex(token, len(n))
		if err != nil {
			return nil, err
		}
		return n[i], nil
	default:
		return nil, ErrPointerMissing
	}
}

func arrayIndex(token string, length int) (int, error) {
	if token == "" || (len(token) > 1 && token[0] == '0') {
		return 0, ErrInvalidPointer
	}
	i, err := strconv.Atoi(token)
	if err != nil || i < 0 {
		return 0, ErrInvalidPointer
	}
	if i >= length {
		return 0, ErrPointerMissing
	}
	return i, nil
}
