package inject

import "errors"

var ErrLoadRules = errors.New("load injection rules")
