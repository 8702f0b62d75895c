package rule

import "errors"

var (
	ErrUnknownOp      = errors.New("unknown operation")
	ErrInvalidRule    = errors.New("invalid injection rule")
	ErrInvalidRuleSet = errors.New("invalid rule set")
	ErrReadRuleFile   = errors.New("read rule file")
	ErrDecodeRuleFile = errors.New("decode rule file")
	ErrUnknownErrno   = errors.New("unknown errno")
)
