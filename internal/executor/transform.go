package executor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/fixd/internal/patternstore"
)

// applyTransform applies a spec to file content and reports whether the
// content changed. Every kind is idempotent: re-applying to its own output
// is a no-op.
func applyTransform(spec patternstore.TransformSpec, content string) (string, bool, error) {
	switch spec.Kind {
	case patternstore.TransformRegexReplace:
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return "", false, fmt.Errorf("invalid pattern %q: %w", spec.Pattern, err)
		}
		out := re.ReplaceAllString(content, spec.Replace)
		return out, out != content, nil

	case patternstore.TransformDeleteLine:
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return "", false, fmt.Errorf("invalid pattern %q: %w", spec.Pattern, err)
		}
		lines := splitLines(content)
		kept := lines[:0]
		for _, l := range lines {
			if !re.MatchString(l) {
				kept = append(kept, l)
			}
		}
		out := joinLines(kept, strings.HasSuffix(content, "\n"))
		return out, out != content, nil

	case patternstore.TransformInsertTop:
		if containsLine(content, spec.Text) {
			return content, false, nil
		}
		return spec.Text + "\n" + content, true, nil

	case patternstore.TransformInsertAfter:
		if containsLine(content, spec.Text) {
			return content, false, nil
		}
		re, err := regexp.Compile(spec.Anchor)
		if err != nil {
			return "", false, fmt.Errorf("invalid anchor %q: %w", spec.Anchor, err)
		}
		lines := splitLines(content)
		for i, l := range lines {
			if re.MatchString(l) {
				out := make([]string, 0, len(lines)+1)
				out = append(out, lines[:i+1]...)
				out = append(out, spec.Text)
				out = append(out, lines[i+1:]...)
				return joinLines(out, strings.HasSuffix(content, "\n")), true, nil
			}
		}
		// Anchor absent: nothing to attach to.
		return content, false, nil

	default:
		return "", false, fmt.Errorf("unknown transform kind %q", spec.Kind)
	}
}

func splitLines(content string) []string {
	trimmed := strings.TrimSuffix(content, "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func joinLines(lines []string, trailingNewline bool) string {
	out := strings.Join(lines, "\n")
	if trailingNewline && out != "" {
		out += "\n"
	}
	return out
}

func containsLine(content, text string) bool {
	for _, l := range splitLines(content) {
		if strings.TrimSpace(l) == strings.TrimSpace(text) {
			return true
		}
	}
	return false
}
