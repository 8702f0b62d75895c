package main

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jingkaihe/chaosfs/internal/errx"
	"github.com/jingkaihe/chaosfs/pkg/handles"
	"github.com/jingkaihe/chaosfs/pkg/hijack"
	"github.com/jingkaihe/chaosfs/pkg/nsenter"
	"github.com/jingkaihe/chaosfs/pkg/rule"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"plain", errors.New("boom"), exitFailure},
		{"usage", errx.Wrap(ErrUsage, errors.New("unknown flag: --bogus")), exitUsage},
		{"bad rules", errx.With(rule.ErrInvalidRuleSet, ": rule 0: %w", rule.ErrInvalidRule), exitUsage},
		{"bad path", errx.With(hijack.ErrInvalidPath, ": %q", "rel"), exitUsage},
		{"namespace", errx.With(nsenter.ErrNamespace, ": %w", nsenter.ErrTargetNotFound), exitNamespace},
		{"namespace gone", ErrNamespaceGone, exitNamespace},
		{"hijack", errx.With(hijack.ErrHijack, ": mount: %w", syscall.EPERM), exitHijack},
		{"rollback", hijack.ErrRollbackFailed, exitHijack},
		{"restore joined", errors.Join(nil, errx.Wrap(hijack.ErrRestore, syscall.EBUSY)), exitHijack},
		{"violation", errx.With(handles.ErrInvalidHandle, ": release of handle 3 (released)"), exitInvariant},
		{"explicit", fmt.Errorf("wrapped: %w", commandExit(exitInvariant)), exitInvariant},
		{"explicit wins", errors.Join(errx.Wrap(ErrViolations, nil), commandExit(exitInvariant)), exitInvariant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeFor(tt.err))
		})
	}
}

func TestCommandExitZeroIsNil(t *testing.T) {
	assert.NoError(t, commandExit(exitOK))
	assert.Error(t, commandExit(exitUsage))
}
