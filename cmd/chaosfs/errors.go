package main

import "errors"

var (
	ErrUsage = errors.New("usage")
)

// Inject errors
var (
	ErrOpenSessions  = errors.New("open session store")
	ErrControlSocket = errors.New("control socket")
	ErrPIDFile       = errors.New("write pid file")
	ErrViolations    = errors.New("handle table invariant violated")
)

// Recover errors
var (
	ErrNamespaceGone = errors.New("session namespace no longer exists")
)
