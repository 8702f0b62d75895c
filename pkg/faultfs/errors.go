package faultfs

import "errors"

var (
	ErrMount      = errors.New("mount fault filesystem")
	ErrShadowRoot = errors.New("stat shadow root")
	ErrNoInjector = errors.New("no injector configured")
)
