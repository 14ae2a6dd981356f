package variables

const upperhex = "0123456789ABCDEF"

// PercentEncode escapes every byte outside [A-Za-z0-9] as %XX.
//
// This is stricter than url.QueryEscape (which keeps "-_.~" and turns spaces
// into "+"): values such as refresh tokens and index symbols ("$SPX.X") are
// spliced into both query strings and form bodies, and must survive either.
func PercentEncode(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !isAlnum(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}
	buf := make([]byte, 0, len(s)+2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlnum(c) {
			buf = append(buf, c)
			continue
		}
		buf = append(buf, '%', upperhex[c>>4], upperhex[c&15])
	}
	return string(buf)
}

func isAlnum(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}
