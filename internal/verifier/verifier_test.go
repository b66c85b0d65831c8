package verifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/diag"
)

// fakeSource returns a fixed snapshot, or an error.
type fakeSource struct {
	snap *diag.Snapshot
	err  error
}

func (f *fakeSource) Snapshot(ctx context.Context, files []string) (*diag.Snapshot, error) {
	return f.snap, f.err
}

func snapOf(diags ...*diag.Diagnostic) *diag.Snapshot {
	return diag.NewSnapshot(diags)
}

func d(file, code, msg string, lines ...int) *diag.Diagnostic {
	if len(lines) == 0 {
		lines = []int{1}
	}
	return &diag.Diagnostic{
		Signature: diag.Signature(file, code, msg),
		File:      file,
		Lines:     lines,
		Code:      code,
		Message:   msg,
		Severity:  diag.SeverityError,
	}
}

func TestVerifyFixedDiagnostic(t *testing.T) {
	target := d("a.cs", "CS0246", "The type 'Foo' could not be found", 3, 9)
	before := snapOf(target, d("a.cs", "CS8019", "Unnecessary using directive."))
	after := snapOf(d("a.cs", "CS8019", "Unnecessary using directive."))

	v, err := New(&fakeSource{snap: after}, zap.NewNop())
	require.NoError(t, err)

	res, err := v.Verify(context.Background(), before, target.Signature, []string{"a.cs"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Removed)
	assert.Zero(t, res.Remaining)
	assert.Empty(t, res.NewSignatures)
}

func TestVerifyPartialReductionPasses(t *testing.T) {
	target := d("a.cs", "CS0246", "The type 'Foo' could not be found", 3, 9)
	before := snapOf(target)
	after := snapOf(d("a.cs", "CS0246", "The type 'Foo' could not be found", 9))

	v, err := New(&fakeSource{snap: after}, zap.NewNop())
	require.NoError(t, err)

	res, err := v.Verify(context.Background(), before, target.Signature, []string{"a.cs"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, res.Remaining)
}

func TestVerifyUnchangedCountIsRegression(t *testing.T) {
	target := d("a.cs", "CS0246", "The type 'Foo' could not be found")
	before := snapOf(target)

	v, err := New(&fakeSource{snap: snapOf(target)}, zap.NewNop())
	require.NoError(t, err)

	res, err := v.Verify(context.Background(), before, target.Signature, []string{"a.cs"})
	assert.ErrorIs(t, err, ErrRegression)
	require.NotNil(t, res)
	assert.Zero(t, res.Removed)
}

func TestVerifyNewSignatureIsRegression(t *testing.T) {
	target := d("a.cs", "CS0246", "The type 'Foo' could not be found")
	before := snapOf(target)
	introduced := d("a.cs", "CS1002", "; expected")
	after := snapOf(introduced)

	v, err := New(&fakeSource{snap: after}, zap.NewNop())
	require.NoError(t, err)

	res, err := v.Verify(context.Background(), before, target.Signature, []string{"a.cs"})
	assert.ErrorIs(t, err, ErrRegression)
	require.NotNil(t, res)
	assert.Equal(t, []string{introduced.Signature}, res.NewSignatures)
}

func TestVerifyIgnoresUnrelatedFiles(t *testing.T) {
	// A pre-existing diagnostic in a file outside the modified set is not
	// this fix's problem.
	target := d("a.cs", "CS0246", "The type 'Foo' could not be found")
	before := snapOf(target)
	after := snapOf(d("other.cs", "CS1002", "; expected"))

	v, err := New(&fakeSource{snap: after}, zap.NewNop())
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), before, target.Signature, []string{"a.cs"})
	require.NoError(t, err)
}

func TestVerifySourceError(t *testing.T) {
	v, err := New(&fakeSource{err: errors.New("build tool crashed")}, zap.NewNop())
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), snapOf(), "sig", []string{"a.cs"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRegression)
}

func TestNewRequiresSource(t *testing.T) {
	_, err := New(nil, zap.NewNop())
	require.Error(t, err)
}
