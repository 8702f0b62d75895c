package hijack

import "github.com/jingkaihe/chaosfs/internal/errx"

type Phase string

const (
	PhaseUnmounted        Phase = "unmounted"
	PhaseMovingOriginal   Phase = "moving_original"
	PhaseOriginalMoved    Phase = "original_moved"
	PhaseSyntheticMounted Phase = "synthetic_mounted"
	PhaseUnmounting       Phase = "unmounting"
	PhaseRollbackFailed   Phase = "rollback_failed"
	PhaseRestoreFailed    Phase = "restore_failed"
)

// Terminal failure phases leave the filesystem in a state that needs
// recovery before the original path is usable again.
func (p Phase) NeedsRecovery() bool {
	switch p {
	case PhaseMovingOriginal, PhaseOriginalMoved, PhaseSyntheticMounted, PhaseUnmounting, PhaseRollbackFailed, PhaseRestoreFailed:
		return true
	}
	return false
}

var allowedTransitions = map[Phase]map[Phase]bool{
	PhaseUnmounted: {
		PhaseUnmounted:      true,
		PhaseMovingOriginal: true,
	},
	PhaseMovingOriginal: {
		PhaseOriginalMoved:  true,
		PhaseUnmounted:      true,
		PhaseRollbackFailed: true,
	},
	PhaseOriginalMoved: {
		PhaseOriginalMoved:    true,
		PhaseSyntheticMounted: true,
		PhaseUnmounted:        true,
		PhaseRollbackFailed:   true,
	},
	PhaseSyntheticMounted: {
		PhaseSyntheticMounted: true,
		PhaseUnmounting:       true,
	},
	PhaseUnmounting: {
		PhaseUnmounting:    true,
		PhaseUnmounted:     true,
		PhaseRestoreFailed: true,
	},
	PhaseRestoreFailed: {
		PhaseRestoreFailed: true,
		PhaseUnmounting:    true,
		PhaseUnmounted:     true,
	},
	PhaseRollbackFailed: {
		PhaseRollbackFailed: true,
		PhaseUnmounted:      true,
	},
}

// ValidateTransition reports whether from -> to is a legal phase change.
func ValidateTransition(from, to Phase) error {
	if from == "" {
		from = PhaseUnmounted
	}
	if to == "" {
		return errx.With(ErrInvalidPhase, " empty target phase from %q", from)
	}
	allowed := allowedTransitions[from]
	if len(allowed) == 0 || !allowed[to] {
		return errx.With(ErrInvalidPhase, " %q -> %q", from, to)
	}
	return nil
}
