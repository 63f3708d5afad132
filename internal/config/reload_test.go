package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPolicy struct {
	mu     sync.Mutex
	calls  int
	lastOK bool
}

func (p *recordingPolicy) Reload(_ string, cfg *Config, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastOK = err == nil && cfg != nil
}

func (p *recordingPolicy) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0o644))

	policy := &recordingPolicy{}
	w, err := NewWatcher(path, policy, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))

	require.Eventually(t, func() bool {
		return policy.callCount() > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, policy.lastOK)
}

func TestWatcher_InvalidConfigReportsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0o644))

	policy := &recordingPolicy{}
	w, err := NewWatcher(path, policy, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 999999\n"), 0o644))

	require.Eventually(t, func() bool {
		return policy.callCount() > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, policy.lastOK)
}
