package strategy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/fixd/internal/diag"
	"github.com/fyrsmithlabs/fixd/internal/patternstore"
)

// genericBuilder derives a fallback transform from the diagnostic itself.
// Builders return false when the message lacks the pieces they need.
type genericBuilder func(d *diag.Diagnostic) (patternstore.TransformSpec, bool)

// quotedIdent extracts the first quoted identifier from a message.
var quotedIdent = regexp.MustCompile(`'([A-Za-z_][A-Za-z0-9_.]*)'`)

// usingForType maps well-known BCL type names to their namespaces. The
// unresolved-type fallback only fires for types it can place.
var usingForType = map[string]string{
	"JsonSerializer":    "System.Text.Json",
	"List":              "System.Collections.Generic",
	"Dictionary":        "System.Collections.Generic",
	"IEnumerable":       "System.Collections.Generic",
	"Task":              "System.Threading.Tasks",
	"CancellationToken": "System.Threading",
	"Regex":             "System.Text.RegularExpressions",
	"StringBuilder":     "System.Text",
	"HttpClient":        "System.Net.Http",
	"File":              "System.IO",
	"Path":              "System.IO",
	"Stream":            "System.IO",
	"DbContext":         "Microsoft.EntityFrameworkCore",
	"ILogger":           "Microsoft.Extensions.Logging",
}

// genericBuilders is the structural fallback table, keyed by diagnostic
// code. These mirror the mechanical fixes a reviewer applies without
// reading the surrounding code.
var genericBuilders = map[string]genericBuilder{
	// Unresolved type or namespace: add the missing using directive.
	"CS0246": func(d *diag.Diagnostic) (patternstore.TransformSpec, bool) {
		m := quotedIdent.FindStringSubmatch(d.Message)
		if m == nil {
			return patternstore.TransformSpec{}, false
		}
		ns, ok := usingForType[m[1]]
		if !ok {
			return patternstore.TransformSpec{}, false
		}
		return patternstore.TransformSpec{
			Kind: patternstore.TransformInsertTop,
			Text: fmt.Sprintf("using %s;", ns),
		}, true
	},

	// Unnecessary using directive: delete the line.
	"CS8019": func(d *diag.Diagnostic) (patternstore.TransformSpec, bool) {
		return patternstore.TransformSpec{
			Kind:    patternstore.TransformDeleteLine,
			Pattern: `^\s*using\s+[A-Za-z0-9_.]+;\s*$`,
		}, true
	},

	// Duplicate using directive: same mechanical deletion.
	"CS0105": func(d *diag.Diagnostic) (patternstore.TransformSpec, bool) {
		m := quotedIdent.FindStringSubmatch(d.Message)
		if m == nil {
			return patternstore.TransformSpec{}, false
		}
		return patternstore.TransformSpec{
			Kind:    patternstore.TransformDeleteLine,
			Pattern: fmt.Sprintf(`^\s*using\s+%s;\s*$`, regexp.QuoteMeta(m[1])),
		}, true
	},

	// Unimplemented interface member: stub it out for a later real fix.
	"CS0535": func(d *diag.Diagnostic) (patternstore.TransformSpec, bool) {
		// Message names the type then the member:
		// 'Parser' does not implement interface member 'IParser.Parse(string)'
		idents := quotedIdent.FindAllStringSubmatch(d.Message, 2)
		if len(idents) < 2 {
			return patternstore.TransformSpec{}, false
		}
		member := idents[1][1]
		if i := strings.LastIndex(member, "."); i >= 0 {
			member = member[i+1:]
		}
		name := member
		if i := strings.Index(name, "("); i >= 0 {
			name = name[:i]
		}
		return patternstore.TransformSpec{
			Kind:   patternstore.TransformInsertAfter,
			Anchor: fmt.Sprintf(`\bclass\s+%s\b`, regexp.QuoteMeta(idents[0][1])),
			Text:   fmt.Sprintf("    public void %s() => throw new System.NotImplementedException();", name),
		}, true
	},
}

// genericStrategy builds the last-resort strategy for a diagnostic, or
// reports that none exists.
func genericStrategy(d *diag.Diagnostic) (*Strategy, bool) {
	build, ok := genericBuilders[d.Code]
	if !ok {
		return nil, false
	}
	spec, ok := build(d)
	if !ok {
		return nil, false
	}
	return &Strategy{
		RuleID:     "generic:" + d.Code,
		Tier:       patternstore.TierGeneric,
		Transform:  spec,
		Confidence: 0.3,
		Source:     SourceGeneric,
	}, true
}
