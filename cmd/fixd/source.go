package main

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/diag"
)

// execSource re-invokes the external build command and parses its output
// into a diagnostic snapshot. The build tool owns the output format; the
// parser absorbs dialect variation.
type execSource struct {
	command string
	parser  *diag.Parser
	logger  *zap.Logger
}

func newExecSource(command string, logger *zap.Logger) (*execSource, error) {
	if command == "" {
		return nil, errors.New("a verify command is required (--verify-cmd)")
	}
	return &execSource{
		command: command,
		parser:  diag.NewParser(logger.Named("diag")),
		logger:  logger,
	}, nil
}

// Snapshot runs the build command and returns the resulting diagnostics.
// A non-zero exit is expected while diagnostics remain; only a failure to
// start the command is an error.
func (s *execSource) Snapshot(ctx context.Context, files []string) (*diag.Snapshot, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", s.command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, err
	}

	res, err := s.parser.Parse(ctx, &out)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("verification build finished",
		zap.Int("diagnostics", len(res.Diagnostics)),
		zap.Int("parse_errors", res.ParseErrors),
	)
	return res.Snapshot(), nil
}
