// Package diag defines the diagnostic model and the build-output parser.
package diag

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Severity classifies a diagnostic line.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityFatal   Severity = "fatal"
)

// Diagnostic is a single normalized compiler/build error record.
//
// Two raw lines with the same file, code and normalized message collapse
// into one Diagnostic; their line numbers accumulate in Lines. The
// signature is intentionally line-number-independent so multi-pass and
// multi-target builds reporting the same logical error at shifting line
// numbers dedupe to one entity.
type Diagnostic struct {
	Signature string
	File      string
	Lines     []int
	Code      string
	Message   string
	Severity  Severity
	Language  string
}

// Signature computes the deduplication key for a diagnostic.
func Signature(file, code, message string) string {
	h := xxhash.New()
	_, _ = h.WriteString(file)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(code)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(NormalizeMessage(message))
	return fmt.Sprintf("%016x", h.Sum64())
}

// NormalizeMessage canonicalizes a diagnostic message for signature
// computation: lowercases, collapses whitespace, and strips digits outside
// quoted identifiers. Quoted identifiers are kept so that "'Foo' not found"
// and "'Bar' not found" stay distinct.
func NormalizeMessage(msg string) string {
	var b strings.Builder
	b.Grow(len(msg))

	inQuote := false
	prevSpace := false
	for _, r := range msg {
		switch {
		case r == '\'' || r == '"' || r == '`':
			inQuote = !inQuote
			b.WriteRune(r)
			prevSpace = false
		case !inQuote && unicode.IsDigit(r):
			// Line/column references and counts shift between passes
		case unicode.IsSpace(r):
			if !prevSpace && b.Len() > 0 {
				b.WriteRune(' ')
			}
			prevSpace = true
		default:
			b.WriteRune(unicode.ToLower(r))
			prevSpace = false
		}
	}

	return strings.TrimSpace(b.String())
}

// Snapshot is an immutable view of one ingestion pass, indexed for the
// verifier's before/after comparison.
type Snapshot struct {
	// BySignature maps signature to the count of raw occurrences.
	BySignature map[string]int

	// ByFile maps file path to the set of signatures present in it.
	ByFile map[string]map[string]bool
}

// NewSnapshot indexes a set of diagnostics.
func NewSnapshot(diags []*Diagnostic) *Snapshot {
	s := &Snapshot{
		BySignature: make(map[string]int),
		ByFile:      make(map[string]map[string]bool),
	}
	for _, d := range diags {
		n := len(d.Lines)
		if n == 0 {
			n = 1
		}
		s.BySignature[d.Signature] += n
		if s.ByFile[d.File] == nil {
			s.ByFile[d.File] = make(map[string]bool)
		}
		s.ByFile[d.File][d.Signature] = true
	}
	return s
}

// Count returns the occurrence count for a signature.
func (s *Snapshot) Count(signature string) int {
	return s.BySignature[signature]
}

// SignaturesIn returns the signatures present in a file.
func (s *Snapshot) SignaturesIn(file string) map[string]bool {
	return s.ByFile[file]
}
