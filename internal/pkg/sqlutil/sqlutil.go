package sqlutil

import (
	"strconv"
	"strings"
)

// StatementKind is the coarse category the execution loop cares about.
type StatementKind int

const (
	KindEmpty StatementKind = iota
	KindSelect
	KindDrop
	KindUse
	KindSet
	KindOther
)

func (k StatementKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindSelect:
		return "select"
	case KindDrop:
		return "drop"
	case KindUse:
		return "use"
	case KindSet:
		return "set"
	default:
		return "other"
	}
}

// TxEffect describes how a statement changes the session's transaction state.
type TxEffect int

const (
	TxNone TxEffect = iota
	TxBegin
	TxEnd
)

// rowKeywords lead statements that produce a result set.
var rowKeywords = map[string]bool{
	"SELECT":   true,
	"WITH":     true,
	"SHOW":     true,
	"DESCRIBE": true,
	"DESC":     true,
	"EXPLAIN":  true,
	"PRAGMA":   true,
	"VALUES":   true,
	"TABLE":    true,
	"CALL":     true,
	"HELP":     true,
}

// Classify returns the kind of a single statement. Leading comments are
// ignored; a statement holding only comments is empty.
func Classify(stmt string) StatementKind {
	switch FirstKeyword(stmt) {
	case "":
		return KindEmpty
	case "SELECT", "WITH", "VALUES", "TABLE":
		return KindSelect
	case "DROP":
		return KindDrop
	case "USE":
		return KindUse
	case "SET":
		return KindSet
	default:
		return KindOther
	}
}

// IsSQLSelectQuery checks if a SQL query is a SELECT statement.
func IsSQLSelectQuery(query string) bool {
	return FirstKeyword(query) == "SELECT"
}

// ReturnsRows reports whether the statement should be run as a query.
func ReturnsRows(stmt string) bool {
	return rowKeywords[FirstKeyword(stmt)]
}

// FirstKeyword returns the upper-cased first word of stmt after whitespace and
// comments. Executable comments (/*! ... */) are entered, not skipped.
func FirstKeyword(stmt string) string {
	words := leadingWords(stmt, 1)
	if len(words) == 0 {
		return ""
	}
	return words[0]
}

// UseTarget extracts the schema name from a USE statement.
func UseTarget(stmt string) (string, bool) {
	body := stripLeadingComments(stmt)
	if !hasKeyword(body, "USE") {
		return "", false
	}
	rest := strings.TrimSpace(body[3:])
	rest = strings.TrimRight(rest, "; \t\r\n")
	if rest == "" {
		return "", false
	}
	return unquoteIdentifier(rest), true
}

// AutocommitValue reports the value assigned by `SET autocommit = ...`.
func AutocommitValue(stmt string) (value bool, ok bool) {
	body := stripLeadingComments(stmt)
	if !hasKeyword(body, "SET") {
		return false, false
	}
	rest := strings.TrimSpace(body[3:])
	lower := strings.ToLower(rest)
	for _, prefix := range []string{"@@session.", "@@", "session ", "local "} {
		lower = strings.TrimPrefix(lower, prefix)
	}
	lower = strings.TrimSpace(lower)
	if !strings.HasPrefix(lower, "autocommit") {
		return false, false
	}
	lower = strings.TrimSpace(strings.TrimPrefix(lower, "autocommit"))
	if !strings.HasPrefix(lower, "=") && !strings.HasPrefix(lower, ":=") {
		return false, false
	}
	lower = strings.TrimLeft(lower, ":= ")
	lower = strings.TrimRight(lower, "; \t\r\n")
	switch lower {
	case "1", "on", "true":
		return true, true
	case "0", "off", "false":
		return false, true
	}
	return false, false
}

// TransactionEffect reports whether stmt opens or closes a transaction.
func TransactionEffect(stmt string) TxEffect {
	words := leadingWords(stmt, 2)
	if len(words) == 0 {
		return TxNone
	}
	switch words[0] {
	case "BEGIN":
		// BEGIN ... END blocks start with BEGIN NOT ATOMIC in MariaDB
		if len(words) > 1 && words[1] == "NOT" {
			return TxNone
		}
		return TxBegin
	case "START":
		if len(words) > 1 && words[1] == "TRANSACTION" {
			return TxBegin
		}
	case "COMMIT", "ROLLBACK", "END":
		if words[0] == "ROLLBACK" && len(words) > 1 && words[1] == "TO" {
			return TxNone
		}
		return TxEnd
	}
	return TxNone
}

// HasLimitClause reports whether a top level LIMIT appears in stmt.
func HasLimitClause(stmt string) bool {
	found := false
	scanTopLevelWords(stmt, func(word string) bool {
		if word == "LIMIT" || word == "FETCH" {
			found = true
			return false
		}
		return true
	})
	return found
}

// AddLimitClause appends `LIMIT n` to plain SELECT statements that do not
// already bound their output. Anything else is returned unchanged.
func AddLimitClause(stmt string, limit int) string {
	if limit <= 0 || FirstKeyword(stmt) != "SELECT" {
		return stmt
	}
	blocked := false
	scanTopLevelWords(stmt, func(word string) bool {
		switch word {
		case "LIMIT", "FETCH", "INTO", "FOR", "LOCK", "PROCEDURE":
			blocked = true
			return false
		}
		return true
	})
	if blocked {
		return stmt
	}
	trimmed := strings.TrimRight(stmt, " \t\r\n;")
	if strings.HasSuffix(trimmed, "*/") || hasTrailingLineComment(trimmed) {
		return stmt
	}
	return trimmed + " LIMIT " + strconv.Itoa(limit)
}

// hasKeyword reports whether body starts with keyword as a whole word.
func hasKeyword(body, keyword string) bool {
	n := len(keyword)
	if len(body) < n || !strings.EqualFold(body[:n], keyword) {
		return false
	}
	return len(body) == n || !isWordChar(body[n])
}

func hasTrailingLineComment(stmt string) bool {
	lastLine := stmt
	if idx := strings.LastIndexByte(stmt, '\n'); idx >= 0 {
		lastLine = stmt[idx+1:]
	}
	return strings.Contains(lastLine, "--") || strings.Contains(lastLine, "#")
}

func stripLeadingComments(stmt string) string {
	i := 0
	n := len(stmt)
	for i < n {
		c := stmt[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			i++
		case c == '/' && i+1 < n && stmt[i+1] == '*':
			if i+2 < n && stmt[i+2] == '!' {
				// enter the executable comment and skip its version tag
				i += 3
				for i < n && stmt[i] >= '0' && stmt[i] <= '9' {
					i++
				}
				continue
			}
			end := strings.Index(stmt[i+2:], "*/")
			if end < 0 {
				return ""
			}
			i += end + 4
		case c == '-' && i+1 < n && stmt[i+1] == '-', c == '#':
			end := strings.IndexByte(stmt[i:], '\n')
			if end < 0 {
				return ""
			}
			i += end + 1
		default:
			return stmt[i:]
		}
	}
	return ""
}

func leadingWords(stmt string, max int) []string {
	body := stripLeadingComments(stmt)
	var words []string
	for len(words) < max {
		body = strings.TrimLeft(body, " \t\r\n\f\v(")
		end := 0
		for end < len(body) && isWordChar(body[end]) {
			end++
		}
		if end == 0 {
			break
		}
		words = append(words, strings.ToUpper(body[:end]))
		body = body[end:]
	}
	return words
}

// scanTopLevelWords walks upper-cased bare words outside quotes, comments and
// parentheses until fn returns false.
func scanTopLevelWords(stmt string, fn func(word string) bool) {
	depth := 0
	n := len(stmt)
	for i := 0; i < n; {
		c := stmt[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			i++
			for i < n && stmt[i] != c {
				if stmt[i] == '\\' {
					i++
				}
				i++
			}
			i++
		case c == '/' && i+1 < n && stmt[i+1] == '*':
			end := strings.Index(stmt[i+2:], "*/")
			if end < 0 {
				return
			}
			i += end + 4
		case (c == '-' && i+1 < n && stmt[i+1] == '-') || c == '#':
			end := strings.IndexByte(stmt[i:], '\n')
			if end < 0 {
				return
			}
			i += end + 1
		case c == '(':
			depth++
			i++
		case c == ')':
			depth--
			i++
		case isWordChar(c):
			start := i
			for i < n && isWordChar(stmt[i]) {
				i++
			}
			if depth == 0 && !fn(strings.ToUpper(stmt[start:i])) {
				return
			}
		default:
			i++
		}
	}
}

func unquoteIdentifier(name string) string {
	if len(name) >= 2 {
		first, last := name[0], name[len(name)-1]
		if (first == '`' && last == '`') || (first == '"' && last == '"') {
			inner := name[1 : len(name)-1]
			return strings.ReplaceAll(inner, string(first)+string(first), string(first))
		}
	}
	return name
}

func isWordChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
