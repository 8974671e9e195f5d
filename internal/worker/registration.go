package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agromind/offline-hub/internal/logging"
	"github.com/agromind/offline-hub/internal/metrics"
)

// State 是工作者生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var knownStates = []string{
	string(StateParsed),
	string(StateInstalling),
	string(StateInstalled),
	string(StateActivating),
	string(StateActivated),
	string(StateRedundant),
}

// Status 是 Registration 的只读快照。
type Status struct {
	State       State
	CacheName   string
	LastError   string
	InstalledAt time.Time
	ActivatedAt time.Time
}

// Registration 按宿主平台的顺序驱动 Manager：install 成功后才会 activate，
// 只有两者都完成时 Active 才返回 true。
type Registration struct {
	manager *Manager
	logger  *logrus.Logger

	runMu sync.Mutex

	mu          sync.RWMutex
	state       State
	lastErr     error
	installedAt time.Time
	activatedAt time.Time
}

// NewRegistration 构建处于 parsed 状态的注册实例。
func NewRegistration(manager *Manager, logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	r := &Registration{manager: manager, logger: logger}
	r.setState(StateParsed)
	return r
}

// Manager 返回被驱动的缓存管理器。
func (r *Registration) Manager() *Manager {
	return r.manager
}

// Register 依次执行 install 与 activate。已激活时直接返回；
// 任一阶段失败会把状态置为 redundant 并返回错误，之后可以再次调用重试。
func (r *Registration) Register(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.State() == StateActivated {
		return nil
	}

	r.setState(StateInstalling)
	if err := r.manager.Install(ctx); err != nil {
		r.fail(err)
		return err
	}
	r.mu.Lock()
	r.installedAt = time.Now()
	r.mu.Unlock()
	r.setState(StateInstalled)

	r.setState(StateActivating)
	if err := r.manager.Activate(ctx); err != nil {
		r.fail(err)
		return err
	}
	r.mu.Lock()
	r.activatedAt = time.Now()
	r.lastErr = nil
	r.mu.Unlock()
	r.setState(StateActivated)
	return nil
}

// State 返回当前状态。
func (r *Registration) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Active 表示工作者是否已接管请求。
func (r *Registration) Active() bool {
	return r.State() == StateActivated
}

// Snapshot 返回当前状态快照。
func (r *Registration) Snapshot() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := Status{
		State:       r.state,
		CacheName:   r.manager.CacheName(),
		InstalledAt: r.installedAt,
		ActivatedAt: r.activatedAt,
	}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	return status
}

func (r *Registration) fail(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	r.setState(StateRedundant)
}

func (r *Registration) setState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	metrics.SetLifecycleState(string(state), knownStates)
	r.logger.WithFields(logging.LifecycleFields("lifecycle", r.manager.CacheName(), string(state))).Debug("state_changed")
}
