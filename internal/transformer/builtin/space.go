package builtin

// HasEdgeSpace reports whether s starts or ends with ASCII whitespace.
// Callers use it to skip strings.TrimSpace allocations on the common path.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return isSpace(s[0]) || isSpace(s[len(s)-1])
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
