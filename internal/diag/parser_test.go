package diag

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func parseString(t *testing.T, input string) *Result {
	t.Helper()
	res, err := NewParser(zap.NewNop()).Parse(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	return res
}

func TestParseDialects(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		file     string
		code     string
		severity Severity
		language string
	}{
		{
			name:     "dotnet",
			line:     "Services/Parser.cs(12,8): error CS0246: The type or namespace name 'JsonSerializer' could not be found",
			file:     "Services/Parser.cs",
			code:     "CS0246",
			severity: SeverityError,
			language: "csharp",
		},
		{
			name:     "dotnet warning with project suffix",
			line:     "Models/User.cs(3,1): warning CS8019: Unnecessary using directive. [App.csproj]",
			file:     "Models/User.cs",
			code:     "CS8019",
			severity: SeverityWarning,
			language: "csharp",
		},
		{
			name:     "rustc",
			line:     "src/main.rs:4:20: error[E0308]: mismatched types",
			file:     "src/main.rs",
			code:     "E0308",
			severity: SeverityError,
			language: "rust",
		},
		{
			name:     "coded colon form",
			line:     "pkg/db/conn.go:44: error SA1019: strings.Title is deprecated",
			file:     "pkg/db/conn.go",
			code:     "SA1019",
			severity: SeverityError,
			language: "unknown",
		},
		{
			name:     "gcc",
			line:     "lib/util.c:33:5: error: expected ';' before 'return'",
			file:     "lib/util.c",
			code:     "",
			severity: SeverityError,
			language: "c",
		},
		{
			name:     "go build",
			line:     "internal/store/store.go:21:2: undefined: fooBar",
			file:     "internal/store/store.go",
			code:     "",
			severity: SeverityError,
			language: "go",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := parseString(t, tt.line+"\n")
			require.Len(t, res.Diagnostics, 1)
			d := res.Diagnostics[0]
			assert.Equal(t, tt.file, d.File)
			assert.Equal(t, tt.code, d.Code)
			assert.Equal(t, tt.severity, d.Severity)
			assert.Equal(t, tt.language, d.Language)
			assert.NotEmpty(t, d.Signature)
		})
	}
}

func TestParseDeduplicatesByLineIndependentSignature(t *testing.T) {
	// The identical logical error reported at two line numbers by a
	// multi-target build must collapse into one Diagnostic.
	input := strings.Join([]string{
		"Services/Parser.cs(12,8): error CS0246: The type or namespace name 'JsonSerializer' could not be found",
		"Services/Parser.cs(47,8): error CS0246: The type or namespace name 'JsonSerializer' could not be found",
	}, "\n")

	res := parseString(t, input)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, []int{12, 47}, res.Diagnostics[0].Lines)
	assert.Zero(t, res.ParseErrors)
}

func TestParseDistinctIdentifiersStayDistinct(t *testing.T) {
	input := strings.Join([]string{
		"a.cs(1,1): error CS0246: The type or namespace name 'Foo' could not be found",
		"a.cs(2,1): error CS0246: The type or namespace name 'Bar' could not be found",
	}, "\n")

	res := parseString(t, input)
	assert.Len(t, res.Diagnostics, 2)
}

func TestParseSkipsMalformedAndNoise(t *testing.T) {
	input := strings.Join([]string{
		"Restoring packages for /app/App.csproj...",
		"error CS0246: dangling diagnostic without a file: broken",
		"Build started 10:32:01.",
		"Models/User.cs(3,1): warning CS8019: Unnecessary using directive.",
		"    4 Warnings",
	}, "\n")

	res := parseString(t, input)
	assert.Len(t, res.Diagnostics, 1)
	assert.Equal(t, 1, res.ParseErrors)
	assert.Equal(t, 5, res.LinesScanned)
}

func TestNormalizeMessage(t *testing.T) {
	// Digits outside quotes are stripped, quoted identifiers kept.
	a := NormalizeMessage("The type 'Foo2' could not be found (line 14)")
	b := NormalizeMessage("The type 'Foo2' could not be found (line 99)")
	assert.Equal(t, a, b)
	assert.Contains(t, a, "'foo2'")

	c := NormalizeMessage("The type 'Other' could not be found (line 14)")
	assert.NotEqual(t, a, c)

	assert.Equal(t,
		NormalizeMessage("Mismatched   Types"),
		NormalizeMessage("mismatched types"),
	)
}

func TestSnapshotCounts(t *testing.T) {
	input := strings.Join([]string{
		"a.cs(1,1): error CS0246: The type or namespace name 'Foo' could not be found",
		"a.cs(9,1): error CS0246: The type or namespace name 'Foo' could not be found",
		"b.cs(2,1): warning CS8019: Unnecessary using directive.",
	}, "\n")

	res := parseString(t, input)
	snap := res.Snapshot()

	sigFoo := res.Diagnostics[0].Signature
	assert.Equal(t, 2, snap.Count(sigFoo))
	assert.True(t, snap.SignaturesIn("a.cs")[sigFoo])
	assert.Len(t, snap.SignaturesIn("b.cs"), 1)
}

func TestParseHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewParser(nil).Parse(ctx, strings.NewReader("a.cs(1,1): error CS1: x\n"))
	require.Error(t, err)
}
