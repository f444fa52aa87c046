// Package prefs resolves viewer preferences into backend settings.
package prefs

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/gosuda/rewind/internal/domain"
)

// Preference keys.
const (
	KeyDisableCache           = "backend_disableCache"
	KeyListenForMetrics       = "backend_listenForMetrics"
	KeyProfileWorkerThreads   = "backend_profileWorkerThreads"
	KeyEnableRoutines         = "backend_enableRoutines"
	KeyRerunRoutines          = "backend_rerunRoutines"
	KeySampleAllTraces        = "backend_sampleAllTraces"
	KeyNewControllerOnRefresh = "backend_newControllerOnRefresh"
	KeyProtocolPanel          = "feature_protocolPanel"
)

// Store is a flat boolean preference lookup. Unknown keys are false.
type Store interface {
	Bool(key string) bool
}

// Memory is an in-memory Store safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	values map[string]bool
}

func NewMemory(values map[string]bool) *Memory {
	m := &Memory{values: make(map[string]bool, len(values))}
	maps.Copy(m.values, values)
	return m
}

func (m *Memory) Bool(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key]
}

func (m *Memory) Set(key string, value bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// LoadFile reads preferences from a TOML file where each table is a key
// prefix:
//
//	[backend]
//	disableCache = true
//
//	[feature]
//	protocolPanel = true
//
// A missing file yields an empty store.
func LoadFile(path string) (*Memory, error) {
	var file map[string]map[string]bool
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewMemory(nil), nil
		}
		return nil, fmt.Errorf("prefs.LoadFile: %w", err)
	}

	values := make(map[string]bool)
	for prefix, table := range file {
		for name, v := range table {
			values[prefix+"_"+name] = v
		}
	}
	return NewMemory(values), nil
}

// ExperimentalSettings resolves the backend toggles. A fresh controller key
// is minted when restart is set or the viewer always wants one.
func ExperimentalSettings(s Store, restart bool, now time.Time) domain.ExperimentalSettings {
	settings := domain.ExperimentalSettings{
		DisableCache:         s.Bool(KeyDisableCache),
		ListenForMetrics:     s.Bool(KeyListenForMetrics),
		ProfileWorkerThreads: s.Bool(KeyProfileWorkerThreads),
		EnableRoutines:       s.Bool(KeyEnableRoutines),
		RerunRoutines:        s.Bool(KeyRerunRoutines),
		SampleAllTraces:      s.Bool(KeySampleAllTraces),
	}
	if restart || s.Bool(KeyNewControllerOnRefresh) {
		settings.ControllerKey = strconv.FormatInt(now.UnixMilli(), 10)
	}
	return settings
}

// RestartLatch holds one-shot restart requests keyed by view.
type RestartLatch struct {
	mu      sync.Mutex
	pending map[string]struct{}
}

func NewRestartLatch() *RestartLatch {
	return &RestartLatch{pending: make(map[string]struct{})}
}

// Request raises the latch for key.
func (l *RestartLatch) Request(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[key] = struct{}{}
}

// Take reports whether a restart was requested and clears it.
func (l *RestartLatch) Take(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[key]
	delete(l.pending, key)
	return ok
}
