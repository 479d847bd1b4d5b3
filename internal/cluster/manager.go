package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"procworld/internal/hostconfig"
)

// Manager launches and tracks the headless replicas listed in the host
// configuration.
type Manager struct {
	cfg     *hostconfig.Config
	mode    runtimeMode
	runtime runtime
	logger  *log.Logger

	mu        sync.RWMutex
	processes map[string]*process
}

func New(cfg *hostconfig.Config, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("cluster: config is nil")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "cluster ", log.LstdFlags|log.Lmicroseconds)
	}
	mode := detectRuntimeMode(cfg.Cluster.Mode)
	rt, err := newRuntime(mode)
	if err != nil {
		return nil, fmt.Errorf("cluster: %s runtime: %w", mode, err)
	}
	return &Manager{
		cfg:       cfg,
		mode:      mode,
		runtime:   rt,
		logger:    logger,
		processes: make(map[string]*process),
	}, nil
}

func newRuntime(mode runtimeMode) (runtime, error) {
	switch mode {
	case runtimeDocker:
		return newDockerRuntime()
	case runtimeKubernetes:
		return newKubernetesRuntime()
	default:
		return localRuntime{}, nil
	}
}

func (m *Manager) Mode() string {
	return string(m.mode)
}

// StartAll launches every configured replica that is not running yet and
// joins the errors of the ones that failed to start.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, rs := range m.cfg.Replicas {
		if _, exists := m.processes[rs.ID]; exists {
			continue
		}
		spec, err := buildLaunchSpec(m.cfg, rs, m.mode)
		if err != nil {
			errs = append(errs, fmt.Errorf("replica %s: %w", rs.ID, err))
			continue
		}
		proc, err := m.runtime.start(ctx, spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("replica %s: %w", rs.ID, err))
			continue
		}
		m.processes[rs.ID] = proc
		m.logger.Printf("replica %s launched (%s)", rs.ID, m.mode)
	}
	return errors.Join(errs...)
}

func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	procs := make([]*process, 0, len(m.processes))
	for _, proc := range m.processes {
		procs = append(procs, proc)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		go func(p *process) {
			defer wg.Done()
			if err := p.stop(ctx); err != nil {
				m.logger.Printf("stop replica %s: %v", p.id, err)
			}
		}(proc)
	}
	wg.Wait()
	m.runtime.shutdown()
}

// Processes lists the launched replicas ordered by id.
func (m *Manager) Processes() []ProcessInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProcessInfo, 0, len(m.processes))
	for _, proc := range m.processes {
		out = append(out, proc.info(m.mode))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
