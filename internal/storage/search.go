package storage

// Matcher finds a needle in a byte stream that arrives in chunks (one page at
// a time). Partial-match state survives chunk boundaries, so a needle split
// across two pages is still found.
type Matcher struct {
	needle []byte
	fail   []int
	state  int
}

// NewMatcher builds the KMP failure table for needle. needle must not be empty.
func NewMatcher(needle []byte) *Matcher {
	fail := make([]int, len(needle))
	k := 0
	for i := 1; i < len(needle); i++ {
		for k > 0 && needle[i] != needle[k] {
			k = fail[k-1]
		}
		if needle[i] == needle[k] {
			k++
		}
		fail[i] = k
	}
	return &Matcher{needle: needle, fail: fail}
}

// Reset drops any partial match, e.g. when the stream skips a hole.
func (m *Matcher) Reset() { m.state = 0 }

// Len is the needle length.
func (m *Matcher) Len() int { return len(m.needle) }

// Feed scans data whose first byte sits at logical offset base. used reports
// whether data[i] holds content; an unused byte breaks any partial match.
// On a match it returns the logical offset of the first matched byte.
func (m *Matcher) Feed(base int64, data []byte, used func(i int) bool) (int64, bool) {
	for i, b := range data {
		if used != nil && !used(i) {
			m.state = 0
			continue
		}
		for m.state > 0 && m.needle[m.state] != b {
			m.state = m.fail[m.state-1]
		}
		if m.needle[m.state] == b {
			m.state++
		}
		if m.state == len(m.needle) {
			m.state = m.fail[m.state-1]
			return base + int64(i) - int64(len(m.needle)) + 1, true
		}
	}
	return 0, false
}
