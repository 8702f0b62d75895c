package control

import (
	"bytes"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/chaosfs/pkg/inject"
	"github.com/jingkaihe/chaosfs/pkg/rule"
)

type fakeHandler struct {
	mu        sync.Mutex
	rules     *rule.File
	unmounts  int
	updateErr error
}

func (h *fakeHandler) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		SessionID:   "3f1c",
		PID:         42,
		Path:        "/mnt/test",
		Shadow:      "/mnt/__chaosfs__test__",
		Phase:       "synthetic_mounted",
		Rules:       h.rules,
		OpenHandles: 2,
		OpenFDs:     2,
		Stats:       inject.Stats{Evaluated: 10, Matched: 4, Errors: 3},
	}
}

func (h *fakeHandler) Update(f *rule.File) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.updateErr != nil {
		return h.updateErr
	}
	h.rules = f
	return nil
}

func (h *fakeHandler) Unmount() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unmounts++
	return nil
}

func serve(t *testing.T, h Handler) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctl.sock")
	srv, err := Listen(path, h, nil)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		require.NoError(t, <-done)
		assert.NoFileExists(t, path)
	})
	return path
}

func dial(t *testing.T, path string) *Client {
	t.Helper()
	c, err := Dial(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestStatusRoundTrip(t *testing.T) {
	h := &fakeHandler{}
	c := dial(t, serve(t, h))

	st, err := c.Status()
	require.NoError(t, err)
	if diff := cmp.Diff(h.Status(), *st); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateCarriesRuleFile(t *testing.T) {
	h := &fakeHandler{}
	c := dial(t, serve(t, h))

	p := 0.25
	want := &rule.File{
		Seed: 7,
		Rules: []rule.RuleSpec{{
			Name:        "slow",
			Path:        "/mnt/test/**",
			Methods:     []string{"read", "write"},
			Probability: &p,
			Fault:       rule.FaultSpec{Kind: "delay", Delay: "50ms"},
		}},
	}
	st, err := c.Update(want)
	require.NoError(t, err)
	if diff := cmp.Diff(want, st.Rules); diff != "" {
		t.Fatalf("rules mismatch (-want +got):\n%s", diff)
	}

	// The same connection stays usable for further requests.
	require.NoError(t, c.Unmount())
	require.NoError(t, c.Unmount())
	assert.Equal(t, 2, h.unmounts)
}

func TestUpdateErrorIsRemote(t *testing.T) {
	h := &fakeHandler{updateErr: errors.New("invalid rule: probability 2 outside [0, 1]")}
	c := dial(t, serve(t, h))

	_, err := c.Update(&rule.File{})
	require.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "probability 2")

	_, err = c.Call(Request{Op: OpUpdate})
	require.ErrorIs(t, err, ErrRemote)

	_, err = c.Call(Request{Op: "reboot"})
	require.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "unknown control op")
}

func TestConcurrentClients(t *testing.T) {
	path := serve(t, &fakeHandler{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := Dial(path)
			if !assert.NoError(t, err) {
				return
			}
			defer c.Close()
			for range 20 {
				st, err := c.Status()
				assert.NoError(t, err)
				assert.Equal(t, 42, st.PID)
			}
		}()
	}
	wg.Wait()
}

func TestFrameLimit(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff})
	var req Request
	require.ErrorIs(t, readFrame(&buf, &req), ErrFrameTooLarge)

	buf.Reset()
	require.NoError(t, writeFrame(&buf, Request{Op: OpStatus}))
	require.NoError(t, readFrame(&buf, &req))
	assert.Equal(t, OpStatus, req.Op)
}

func TestDialMissingSocket(t *testing.T) {
	_, err := Dial(filepath.Join(t.TempDir(), "nope.sock"))
	require.ErrorIs(t, err, ErrDial)
}

func TestConnectionAcceptedAfterCloseIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	srv, err := Listen(path, &fakeHandler{}, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Close())

	local, remote := net.Pipe()
	defer remote.Close()
	assert.False(t, srv.track(local))
	_, err = local.Write([]byte{0})
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	// No handler was started for it.
	waited := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("late connection was counted as a handler")
	}
	assert.Empty(t, srv.conns)
}

func TestCloseWhileClientsDial(t *testing.T) {
	for range 20 {
		path := filepath.Join(t.TempDir(), "ctl.sock")
		srv, err := Listen(path, &fakeHandler{}, nil)
		require.NoError(t, err)
		done := make(chan error, 1)
		go func() { done <- srv.Serve() }()

		stop := make(chan struct{})
		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					if c, err := Dial(path); err == nil {
						_, _ = c.Status()
						_ = c.Close()
					}
				}
			}()
		}

		closed := make(chan error, 1)
		go func() { closed <- srv.Close() }()
		select {
		case err := <-closed:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Close blocked on a late connection")
		}
		close(stop)
		wg.Wait()
		require.NoError(t, <-done)
	}
}
