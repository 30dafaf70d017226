// Package splitter partitions SQL scripts into statement ranges.
//
// The scanner is byte oriented and single pass. It understands quoted runs,
// block and line comments, and the client-side DELIMITER directive, so a
// delimiter only terminates a statement when it appears in plain SQL text.
package splitter

import "strings"

const (
	// DefaultDelimiter terminates statements unless a script redefines it.
	DefaultDelimiter = ";"
	// RoutineDelimiter is the initial delimiter for scripts that define routines.
	RoutineDelimiter = "$$"

	directiveKeyword = "delimiter"
)

// Range locates one statement inside a script.
type Range struct {
	Offset int
	Length int
	Line   int
}

// End returns the offset just past the statement.
func (r Range) End() int { return r.Offset + r.Length }

// Text slices the statement out of the script it was produced from.
func (r Range) Text(script string) string {
	if r.Offset < 0 || r.End() > len(script) {
		return ""
	}
	return script[r.Offset:r.End()]
}

// Split returns the statements of text in script order. An empty delimiter
// falls back to DefaultDelimiter.
func Split(text, delimiter string) []Range {
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}
	s := &scanner{text: text, delim: delimiter, line: 1}
	return s.run()
}

// Statements is a convenience wrapper returning the statement texts.
func Statements(text, delimiter string) []string {
	ranges := Split(text, delimiter)
	out := make([]string, len(ranges))
	for i, r := range ranges {
		out[i] = r.Text(text)
	}
	return out
}

type scanner struct {
	text  string
	delim string
	pos   int
	line  int

	ranges []Range

	// head is the first non-whitespace byte of the pending statement, -1 if
	// nothing but whitespace has been seen since the last delimiter.
	head     int
	headLine int
	// trivia stays true while the pending statement holds only comments.
	trivia bool
}

func (s *scanner) run() []Range {
	s.reset()
	n := len(s.text)
	for s.pos < n {
		c := s.text[s.pos]

		if isSpace(c) {
			if c == '\n' {
				s.line++
			}
			s.pos++
			continue
		}

		s.mark()

		if strings.HasPrefix(s.text[s.pos:], s.delim) {
			s.emit(s.pos)
			s.pos += len(s.delim)
			s.reset()
			continue
		}

		switch {
		case c == '/' && s.peek(1) == '*':
			if s.peek(2) == '!' {
				// executable comment, scanned as plain text
				s.trivia = false
				s.pos += 3
				continue
			}
			s.skipBlockComment()
		case c == '-' && s.peek(1) == '-':
			s.skipLineComment()
		case c == '#':
			s.skipLineComment()
		case c == '\'' || c == '"' || c == '`':
			s.trivia = false
			s.skipQuoted(c)
		default:
			if s.trivia && s.directive() {
				continue
			}
			s.trivia = false
			s.pos++
		}
	}
	s.emit(n)
	return s.ranges
}

func (s *scanner) reset() {
	s.head = -1
	s.trivia = true
}

// mark records the start of the pending statement.
func (s *scanner) mark() {
	if s.head < 0 {
		s.head = s.pos
		s.headLine = s.line
	}
}

func (s *scanner) emit(end int) {
	if s.head < 0 {
		return
	}
	for end > s.head && isSpace(s.text[end-1]) {
		end--
	}
	if end > s.head {
		s.ranges = append(s.ranges, Range{Offset: s.head, Length: end - s.head, Line: s.headLine})
	}
	s.head = -1
}

func (s *scanner) peek(offset int) byte {
	i := s.pos + offset
	if i >= len(s.text) {
		return 0
	}
	return s.text[i]
}

func (s *scanner) skipBlockComment() {
	n := len(s.text)
	s.pos += 2
	for s.pos < n {
		c := s.text[s.pos]
		if c == '\n' {
			s.line++
		}
		if c == '*' && s.peek(1) == '/' {
			s.pos += 2
			return
		}
		s.pos++
	}
}

// skipLineComment stops on the line break so the main loop counts it.
func (s *scanner) skipLineComment() {
	idx := strings.IndexByte(s.text[s.pos:], '\n')
	if idx < 0 {
		s.pos = len(s.text)
		return
	}
	s.pos += idx
}

func (s *scanner) skipQuoted(quote byte) {
	n := len(s.text)
	s.pos++
	for s.pos < n {
		c := s.text[s.pos]
		switch {
		case c == '\\':
			if s.peek(1) == '\n' {
				s.line++
			}
			s.pos += 2
			continue
		case c == quote:
			s.pos++
			return
		case c == '\n':
			s.line++
		}
		s.pos++
	}
	if s.pos > n {
		s.pos = n
	}
}

// directive consumes a DELIMITER directive at the current position. The
// comments seen before it, if any, are discarded with the directive.
func (s *scanner) directive() bool {
	n := len(s.text)
	end := s.pos + len(directiveKeyword)
	if end >= n || !strings.EqualFold(s.text[s.pos:end], directiveKeyword) {
		return false
	}
	if s.pos > 0 && isIdentChar(s.text[s.pos-1]) {
		return false
	}
	if !isSpace(s.text[end]) {
		return false
	}

	i, lines := end, 0
	for i < n && isSpace(s.text[i]) {
		if s.text[i] == '\n' {
			lines++
		}
		i++
	}
	start := i
	for i < n && !isSpace(s.text[i]) {
		i++
	}
	if i == start {
		return false
	}

	s.delim = s.text[start:i]
	s.line += lines
	s.pos = i
	s.reset()
	return true
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c >= 0x80
}
