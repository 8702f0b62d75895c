package main

import (
	"errors"

	"github.com/jingkaihe/chaosfs/pkg/handles"
	"github.com/jingkaihe/chaosfs/pkg/hijack"
	"github.com/jingkaihe/chaosfs/pkg/inject"
	"github.com/jingkaihe/chaosfs/pkg/nsenter"
	"github.com/jingkaihe/chaosfs/pkg/rule"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitNamespace = 3
	exitHijack    = 4
	exitInvariant = 5
)

// exitCodeError is a non-user-facing command error used to carry an exit
// code through cobra without bypassing deferred cleanup.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return ""
}

func (e *exitCodeError) ExitCode() int {
	return e.code
}

func commandExit(code int) error {
	if code == exitOK {
		return nil
	}
	return &exitCodeError{code: code}
}

func exitCodeFor(err error) int {
	var exitErr *exitCodeError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &exitErr):
		return exitErr.code
	case errors.Is(err, nsenter.ErrNamespace), errors.Is(err, ErrNamespaceGone):
		return exitNamespace
	case errors.Is(err, hijack.ErrRollbackFailed),
		errors.Is(err, hijack.ErrHijack),
		errors.Is(err, hijack.ErrRestore),
		errors.Is(err, hijack.ErrInvalidPhase):
		return exitHijack
	case errors.Is(err, handles.ErrInvalidHandle):
		return exitInvariant
	case errors.Is(err, ErrUsage),
		errors.Is(err, hijack.ErrInvalidPath),
		errors.Is(err, rule.ErrReadRuleFile),
		errors.Is(err, rule.ErrDecodeRuleFile),
		errors.Is(err, rule.ErrInvalidRuleSet),
		errors.Is(err, inject.ErrLoadRules):
		return exitUsage
	}
	return exitFailure
}
