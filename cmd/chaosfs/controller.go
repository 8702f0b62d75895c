package main

import (
	"sync"

	"github.com/jingkaihe/chaosfs/pkg/control"
	"github.com/jingkaihe/chaosfs/pkg/faultfs"
	"github.com/jingkaihe/chaosfs/pkg/hijack"
	"github.com/jingkaihe/chaosfs/pkg/inject"
	"github.com/jingkaihe/chaosfs/pkg/rule"
)

// controller answers control requests for one inject run.
type controller struct {
	sessionID string
	pid       int
	hijacker  *hijack.Hijacker
	inj       *inject.Injector

	mu     sync.Mutex
	server *faultfs.Server

	unmount     chan struct{}
	unmountOnce sync.Once
}

func newController(sessionID string, pid int, inj *inject.Injector) *controller {
	return &controller{
		sessionID: sessionID,
		pid:       pid,
		inj:       inj,
		unmount:   make(chan struct{}),
	}
}

func (c *controller) setServer(s *faultfs.Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.server = s
}

func (c *controller) fuseServer() *faultfs.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

func (c *controller) Status() control.Status {
	st := control.Status{
		SessionID: c.sessionID,
		PID:       c.pid,
		Rules:     rule.FileFromRules(c.inj.Seed(), c.inj.Rules()),
		Stats:     c.inj.Stats(),
	}
	if c.hijacker != nil {
		st.Path = c.hijacker.Path()
		st.Shadow = c.hijacker.Shadow()
		st.Phase = string(c.hijacker.Phase())
	}
	if srv := c.fuseServer(); srv != nil {
		t := srv.Handles()
		st.OpenHandles = t.Len()
		st.OpenFDs = t.OpenFDs()
		st.Violations = t.Violations()
	}
	return st
}

// Update swaps the rules. The seed of the running sampler is kept.
func (c *controller) Update(f *rule.File) error {
	rules, err := f.Compile()
	if err != nil {
		return err
	}
	return c.inj.Update(rules)
}

func (c *controller) Unmount() error {
	c.unmountOnce.Do(func() { close(c.unmount) })
	return nil
}
