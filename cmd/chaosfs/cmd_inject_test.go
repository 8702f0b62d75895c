package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHijack struct {
	onHijack   func()
	hijackErr  error
	restoreErr error
	restored   int
}

func (f *fakeHijack) Hijack() error {
	if f.onHijack != nil {
		f.onHijack()
	}
	return f.hijackErr
}

func (f *fakeHijack) Restore() error {
	f.restored++
	return f.restoreErr
}

func testEntry() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

func TestRunHijackedRestoresOnSignalDuringHijack(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	h := &fakeHijack{onHijack: func() {
		require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
		<-ctx.Done()
	}}
	served := false
	err := runHijacked(ctx, h, func(context.Context) error {
		served = true
		return nil
	}, testEntry())
	require.NoError(t, err)
	assert.False(t, served)
	assert.Equal(t, 1, h.restored)
}

func TestRunHijackedRestoresWhenServePanics(t *testing.T) {
	h := &fakeHijack{}
	assert.Panics(t, func() {
		_ = runHijacked(context.Background(), h, func(context.Context) error {
			panic("boom")
		}, testEntry())
	})
	assert.Equal(t, 1, h.restored)
}

func TestRunHijackedJoinsErrors(t *testing.T) {
	errServe := errors.New("serve")
	errRestore := errors.New("restore")
	h := &fakeHijack{restoreErr: errRestore}
	err := runHijacked(context.Background(), h, func(context.Context) error {
		return errServe
	}, testEntry())
	assert.ErrorIs(t, err, errServe)
	assert.ErrorIs(t, err, errRestore)
	assert.Equal(t, 1, h.restored)
}

func TestRunHijackedSkipsRestoreWhenHijackFails(t *testing.T) {
	errHijack := errors.New("hijack")
	h := &fakeHijack{hijackErr: errHijack}
	err := runHijacked(context.Background(), h, func(context.Context) error {
		t.Fatal("serve after failed hijack")
		return nil
	}, testEntry())
	assert.ErrorIs(t, err, errHijack)
	assert.Zero(t, h.restored)
}
