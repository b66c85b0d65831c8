package diag

import (
	"bufio"
	"context"
	"io"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// maxLineBytes bounds a single diagnostic line; longer lines are malformed.
const maxLineBytes = 64 * 1024

// dialect matches one compiler output format and names its capture groups.
type dialect struct {
	name     string
	language string
	re       *regexp.Regexp
}

// Known build-tool dialects, tried in order. The first match wins, so the
// more specific formats come first.
var dialects = []dialect{
	{
		// MSBuild/Roslyn: Services/Parser.cs(12,8): error CS0246: ...
		name:     "dotnet",
		language: "csharp",
		re:       regexp.MustCompile(`^(?P<file>.+?)\((?P<line>\d+),\d+\):\s+(?P<sev>error|warning)\s+(?P<code>[A-Z]{1,5}\d{3,5}):\s+(?P<msg>.+?)(?:\s+\[.+\])?$`),
	},
	{
		// rustc short form: src/main.rs:4:20: error[E0308]: mismatched types
		name:     "rustc",
		language: "rust",
		re:       regexp.MustCompile(`^(?P<file>[^:]+):(?P<line>\d+):\d+:\s+(?P<sev>error|warning)\[(?P<code>E\d+)\]:\s+(?P<msg>.+)$`),
	},
	{
		// Coded colon form: main.go:10: error SA1019: deprecated symbol
		name:     "coded",
		language: "",
		re:       regexp.MustCompile(`^(?P<file>[^:]+):(?P<line>\d+):\s+(?P<sev>error|warning|fatal)\s+(?P<code>[A-Za-z]+\d+):\s+(?P<msg>.+)$`),
	},
	{
		// gcc/clang: lib/util.c:33:5: error: expected ';' before 'return'
		name:     "gcc",
		language: "c",
		re:       regexp.MustCompile(`^(?P<file>[^:]+):(?P<line>\d+):\d+:\s+(?P<sev>fatal error|error|warning):\s+(?P<msg>.+)$`),
	},
	{
		// go build: pkg/store.go:21:2: undefined: fooBar
		name:     "go",
		language: "go",
		re:       regexp.MustCompile(`^(?P<file>[^:]+\.go):(?P<line>\d+)(?::\d+)?:\s+(?P<msg>.+)$`),
	},
}

// diagnosticHint flags lines that look like diagnostics; a hinted line that
// matches no dialect counts as a parse error instead of build noise.
var diagnosticHint = regexp.MustCompile(`(?i)\b(error|warning|fatal)\b.*:`)

// Result is the outcome of one ingestion pass.
type Result struct {
	// Diagnostics is the deduplicated set, in order of first appearance.
	Diagnostics []*Diagnostic

	// ParseErrors counts malformed diagnostic-looking lines that were skipped.
	ParseErrors int

	// LinesScanned counts every input line, including build noise.
	LinesScanned int
}

// Snapshot indexes the result for before/after comparison.
func (r *Result) Snapshot() *Snapshot {
	return NewSnapshot(r.Diagnostics)
}

// Parser turns raw build-tool output into a deduplicated Diagnostic set.
//
// Malformed lines never abort a pass: they are skipped and counted.
type Parser struct {
	logger *zap.Logger
}

// NewParser creates a parser.
func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// Parse reads a line-oriented diagnostic stream and returns the
// deduplicated set. Only a read failure on the underlying stream is
// returned as an error; malformed content is counted, not fatal.
func (p *Parser) Parse(ctx context.Context, r io.Reader) (*Result, error) {
	res := &Result{}
	seen := make(map[string]*Diagnostic)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.LinesScanned++

		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		d, ok := p.parseLine(line)
		if !ok {
			if diagnosticHint.MatchString(line) {
				res.ParseErrors++
				p.logger.Debug("skipping malformed diagnostic line",
					zap.Int("line_number", res.LinesScanned),
				)
			}
			continue
		}

		if existing, dup := seen[d.Signature]; dup {
			existing.Lines = append(existing.Lines, d.Lines...)
			continue
		}
		seen[d.Signature] = d
		res.Diagnostics = append(res.Diagnostics, d)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	p.logger.Info("ingestion pass complete",
		zap.Int("diagnostics", len(res.Diagnostics)),
		zap.Int("parse_errors", res.ParseErrors),
		zap.Int("lines", res.LinesScanned),
	)

	return res, nil
}

// parseLine tries each dialect against one line.
func (p *Parser) parseLine(line string) (*Diagnostic, bool) {
	for _, dia := range dialects {
		m := dia.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		groups := make(map[string]string, len(m))
		for i, name := range dia.re.SubexpNames() {
			if name != "" {
				groups[name] = m[i]
			}
		}

		lineNo, err := strconv.Atoi(groups["line"])
		if err != nil {
			continue
		}

		sev := SeverityError
		switch groups["sev"] {
		case "warning":
			sev = SeverityWarning
		case "fatal", "fatal error":
			sev = SeverityFatal
		}

		file := strings.TrimSpace(groups["file"])
		code := groups["code"]
		msg := strings.TrimSpace(groups["msg"])
		if file == "" || msg == "" {
			continue
		}

		lang := dia.language
		if lang == "" {
			lang = languageFromCode(code)
		}

		return &Diagnostic{
			Signature: Signature(file, code, msg),
			File:      file,
			Lines:     []int{lineNo},
			Code:      code,
			Message:   msg,
			Severity:  sev,
			Language:  lang,
		}, true
	}
	return nil, false
}

// languageFromCode guesses the language from a diagnostic code prefix.
func languageFromCode(code string) string {
	switch {
	case strings.HasPrefix(code, "CS"):
		return "csharp"
	case strings.HasPrefix(code, "VB"):
		return "vb"
	case strings.HasPrefix(code, "MSB"):
		return "msbuild"
	case strings.HasPrefix(code, "E"):
		return "rust"
	default:
		return "unknown"
	}
}
