// Package validate classifies untrusted map identifiers before they reach
// the record store or the cache.
package validate

import (
	"regexp"
	"strings"
)

// MaxMapNameLength is the longest accepted map identifier in bytes
const MaxMapNameLength = 64

var (
	allowedPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	shapePattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	keywordPattern = compileKeywords(deniedKeywords)
)

// deniedKeywords is the single canonical keyword denylist. Matching is a
// case-insensitive substring search.
var deniedKeywords = []string{
	// DML / DDL
	"union", "select", "insert", "update", "delete", "drop", "create", "alter", "exec", "script",
	// scripting triggers
	"<script", "javascript:", "vbscript:", "onload", "onerror", "onclick",
	// comment delimiters
	"--", "/*", "*/",
	// procedures and data types
	"xp_", "sp_", "fn_", "char", "nchar", "varchar", "nvarchar", "text", "ntext",
	"image", "binary", "varbinary", "bit", "tinyint", "smallint", "int", "bigint",
	"real", "float", "decimal", "numeric", "money", "smallmoney",
	"datetime", "smalldatetime", "timestamp", "uniqueidentifier", "sql_variant",
	// schema objects
	"table", "view", "procedure", "function", "trigger", "index", "constraint", "key",
	"foreign", "primary", "check", "default", "null", "identity", "seed", "increment",
	"collate", "with", "for", "grant", "revoke", "deny", "backup", "restore",
	"bulk", "openrowset", "opendatasource", "openquery", "linked", "server",
	// transactions and control flow
	"remote", "distributed", "transaction", "commit", "rollback", "savepoint",
	"begin", "end", "if", "else", "while", "break", "continue", "goto", "return",
	"throw", "try", "catch", "waitfor", "raiserror", "print", "declare", "set",
	"execute", "sp_executesql", "open", "close", "fetch", "deallocate",
	// cursors and locking hints
	"cursor", "global", "local", "static", "dynamic", "forward_only", "scroll",
	"keyset", "fast_forward", "read_only", "scroll_locks", "optimistic",
	"type_warning", "holdlock", "nolock", "readpast", "readuncommitted",
	"repeatableread", "serializable", "snapshot", "updlock", "xlock",
	"paglock", "tablock", "tablockx", "rowlock", "nowait", "readcommitted",
}

// deniedChars must never appear anywhere in a map identifier
const deniedChars = ";'\"\\/`[](){}<>&|^~!@#$%+=?:"

func compileKeywords(words []string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)` + strings.Join(quoted, "|"))
}

// MapName reports whether token is a safe map identifier. The token is
// trimmed before checking; callers should trim before use as well.
func MapName(token string) bool {
	_, ok := Check(token)
	return ok
}

// Reason names the rule a rejected token failed
type Reason string

// Rejection reasons
const (
	ReasonOK       Reason = ""
	ReasonEmpty    Reason = "empty"
	ReasonLength   Reason = "length"
	ReasonCharset  Reason = "charset"
	ReasonKeyword  Reason = "keyword"
	ReasonDenyChar Reason = "denied_character"
)

// Check applies the rules in order and returns the first one that failed
func Check(token string) (Reason, bool) {
	if token == "" {
		return ReasonEmpty, false
	}

	trimmed := strings.TrimSpace(token)
	if len(trimmed) < 1 || len(trimmed) > MaxMapNameLength {
		return ReasonLength, false
	}

	if !allowedPattern.MatchString(trimmed) {
		return ReasonCharset, false
	}

	if keywordPattern.MatchString(trimmed) {
		return ReasonKeyword, false
	}

	if strings.ContainsAny(trimmed, deniedChars) {
		return ReasonDenyChar, false
	}

	return ReasonOK, true
}

// MapNameShape is the plain format check used for names that come from the
// record store and for picking the page's current map.
func MapNameShape(token string) bool {
	return shapePattern.MatchString(token)
}
