package codec

// ExtractJSONStringField performs a minimal, tolerant lookup of a
// field in a JSON body: find the first occurrence of the quoted key
// (object nesting is not tracked, so the first match at any depth
// wins), the first colon after it, then a quoted string or a bare
// literal running to the next comma, closing brace or whitespace.
// Single and double quotes are accepted, as is
// arbitrary surrounding whitespace. The proxy uses this only to read
// the model field; it is not a general parser. Returns "" when the key
// is absent or the value is empty.
func ExtractJSONStringField(body []byte, key string) string {
	for i := 0; i < len(body); i++ {
		q := body[i]
		if q != '"' && q != '\'' {
			continue
		}
		j := i + 1
		if !hasPrefixAt(body, j, key) {
			continue
		}
		j += len(key)
		if j >= len(body) || body[j] != q {
			continue
		}
		j = skipSpace(body, j+1)
		if j >= len(body) || body[j] != ':' {
			continue
		}
		j = skipSpace(body, j+1)
		if j >= len(body) {
			return ""
		}
		if body[j] == '"' || body[j] == '\'' {
			quote := body[j]
			j++
			start := j
			for j < len(body) {
				if body[j] == '\\' {
					j += 2
					continue
				}
				if body[j] == quote {
					return string(body[start:j])
				}
				j++
			}
			return ""
		}
		start := j
		for j < len(body) && body[j] != ',' && body[j] != '}' && !isSpace(body[j]) {
			j++
		}
		return string(body[start:j])
	}
	return ""
}

func hasPrefixAt(b []byte, off int, s string) bool {
	if off+len(s) > len(b) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if b[off+i] != s[i] {
			return false
		}
	}
	return true
}

func skipSpace(b []byte, i int) int {
	for i < len(b) && isSpace(b[i]) {
		i++
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
