// Package manager drives features through their lifecycle: discovery
// against the manifest, dependency-ordered startup, isolated failure
// handling, reverse-order shutdown and per-feature restarts.
package manager

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"chatautomation/internal/bus"
	"chatautomation/internal/cache"
	"chatautomation/internal/clock"
	"chatautomation/internal/command"
	"chatautomation/internal/config"
	"chatautomation/internal/metrics"
	"chatautomation/internal/store"
	"chatautomation/pkg/feature"
)

// State is a feature's position in the lifecycle.
type State string

const (
	// StateDiscovered means the feature is known but not yet
	// instantiated.
	StateDiscovered State = "discovered"

	// StateLoaded means the feature is instantiated and initialized but
	// not running.
	StateLoaded State = "loaded"

	// StateStarted means the feature is running and receiving events.
	StateStarted State = "started"

	// StateStopped means the feature ran and was shut down. Its
	// instance is discarded; a reload creates a fresh one.
	StateStopped State = "stopped"

	// StateFailed means a lifecycle operation failed. The failure
	// reason is kept on the feature's status.
	StateFailed State = "failed"
)

// record tracks one feature through its lifecycle.
type record struct {
	info     feature.Info
	enabled  bool
	settings map[string]any
	state    State
	err      string
	instance feature.Feature
}

// Status is the externally visible snapshot of one feature.
type Status struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Version      string   `json:"version,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Enabled      bool     `json:"enabled"`
	State        State    `json:"state"`
	Err          string   `json:"error,omitempty"`
}

// Deps bundles the services the manager injects into features.
type Deps struct {
	Bus       *bus.Bus
	Cache     *cache.Cache
	Store     store.Store
	Router    *command.Router
	Manifest  *config.Manifest
	Clock     clock.Clock
	Logger    *zap.Logger
	Collector *metrics.Collector
}

// Manager owns every feature record and serializes lifecycle
// transitions. Lifecycle methods must not be called from inside event
// handlers; lookups and status queries are safe anywhere.
type Manager struct {
	logger    *zap.Logger
	collector *metrics.Collector
	bus       *bus.Bus
	busView   feature.EventBus
	cacheView feature.MessageCache
	storage   store.Store
	router    *command.Router
	clock     clock.Clock

	// lifeMu serializes lifecycle transitions end to end, including
	// feature hook invocations. mu guards the record table only, so
	// reads from handlers never wait on a running hook.
	lifeMu sync.Mutex

	mu       sync.RWMutex
	features map[string]*record
	manifest *config.Manifest
	order    []string
}

// New creates a Manager. All dependencies except Manifest are required.
func New(d Deps) (*Manager, error) {
	if d.Bus == nil {
		return nil, fmt.Errorf("manager requires a bus")
	}
	if d.Cache == nil {
		return nil, fmt.Errorf("manager requires a cache")
	}
	if d.Store == nil {
		return nil, fmt.Errorf("manager requires a store")
	}
	if d.Router == nil {
		return nil, fmt.Errorf("manager requires a command router")
	}
	if d.Clock == nil {
		return nil, fmt.Errorf("manager requires a clock")
	}
	if d.Logger == nil {
		return nil, fmt.Errorf("manager requires a logger")
	}
	if d.Collector == nil {
		return nil, fmt.Errorf("manager requires a metrics collector")
	}

	manifest := d.Manifest
	if manifest == nil {
		manifest = &config.Manifest{}
	}

	return &Manager{
		logger:    d.Logger.Named("manager"),
		collector: d.Collector,
		bus:       d.Bus,
		busView:   feature.WrapBus(d.Bus),
		cacheView: feature.WrapCache(d.Cache),
		storage:   d.Store,
		router:    d.Router,
		clock:     d.Clock,
		features:  make(map[string]*record),
		manifest:  manifest,
	}, nil
}

// Discover records the given features, applying the manifest's enabled
// flags and settings. Already known names are left untouched. Returns
// the number of newly discovered features.
func (m *Manager) Discover(infos []feature.Info) int {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, info := range infos {
		if _, exists := m.features[info.Name]; exists {
			continue
		}

		enabled := m.manifest.Enabled(info.Name)
		m.features[info.Name] = &record{
			info:     info,
			enabled:  enabled,
			settings: m.manifest.Settings(info.Name),
			state:    StateDiscovered,
		}
		added++

		if enabled {
			m.logger.Info("feature discovered",
				zap.String("feature", info.Name),
				zap.Strings("dependencies", info.Dependencies))
		} else {
			m.logger.Info("feature disabled by manifest",
				zap.String("feature", info.Name))
		}
	}

	m.publishStateGaugesLocked()
	return added
}

// ResolveLoadOrder computes the dependency-ordered start sequence over
// the enabled features. Features with unknown or disabled dependencies
// are marked failed and excluded, as are their dependents. A dependency
// cycle is a hard error naming the participating features.
func (m *Manager) ResolveLoadOrder() ([]string, error) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	order, excluded, cerr := m.resolveLocked()
	m.mu.Unlock()

	for _, depErr := range excluded {
		m.collector.IncFeatureFailure(depErr.Feature, "resolve")
		m.emitLifecycle(bus.EventFeatureError, depErr.Feature, depErr.Error())
	}
	if cerr != nil {
		return nil, cerr
	}
	return order, nil
}

// resolveLocked runs under mu. It records exclusions on the affected
// records and remembers the resolved order for StopAll.
func (m *Manager) resolveLocked() ([]string, []*DependencyError, *CircularDependencyError) {
	// Pass 1: exclude features whose dependencies are unknown or
	// disabled, then transitively exclude their dependents.
	excluded := make(map[string]*DependencyError)
	for changed := true; changed; {
		changed = false
		for name, rec := range m.features {
			if !rec.enabled || excluded[name] != nil {
				continue
			}
			var missing []string
			for _, dep := range rec.info.Dependencies {
				depRec, known := m.features[dep]
				switch {
				case !known:
					missing = append(missing, dep+" (unknown)")
				case !depRec.enabled:
					missing = append(missing, dep+" (disabled)")
				case excluded[dep] != nil:
					missing = append(missing, dep+" (unavailable)")
				}
			}
			if len(missing) > 0 {
				sort.Strings(missing)
				excluded[name] = &DependencyError{Feature: name, Missing: missing}
				changed = true
			}
		}
	}

	depErrs := make([]*DependencyError, 0, len(excluded))
	for name, depErr := range excluded {
		rec := m.features[name]
		rec.state = StateFailed
		rec.err = depErr.Error()
		depErrs = append(depErrs, depErr)
		m.logger.Warn("feature excluded from load order",
			zap.String("feature", name),
			zap.Strings("missing", depErr.Missing))
	}
	sort.Slice(depErrs, func(i, j int) bool { return depErrs[i].Feature < depErrs[j].Feature })

	// Pass 2: depth-first topological sort of the remaining features.
	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[string]int)
	var order []string
	var path []string

	var visit func(name string) *CircularDependencyError
	visit = func(name string) *CircularDependencyError {
		switch mark[name] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, p := range path {
				if p == name {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), name)
			return &CircularDependencyError{Cycle: cycle}
		}

		mark[name] = visiting
		path = append(path, name)

		deps := append([]string{}, m.features[name].info.Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if cerr := visit(dep); cerr != nil {
				return cerr
			}
		}

		path = path[:len(path)-1]
		mark[name] = done
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(m.features))
	for name, rec := range m.features {
		if rec.enabled && excluded[name] == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if cerr := visit(name); cerr != nil {
			m.publishStateGaugesLocked()
			return nil, depErrs, cerr
		}
	}

	m.order = order
	m.publishStateGaugesLocked()
	return append([]string{}, order...), depErrs, nil
}

// Load instantiates and initializes a discovered feature.
func (m *Manager) Load(name string) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.load(name)
}

// load runs under lifeMu.
func (m *Manager) load(name string) error {
	m.mu.Lock()
	rec, ok := m.features[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s not found", name)
	}
	if !rec.enabled {
		m.mu.Unlock()
		return fmt.Errorf("feature %s is disabled", name)
	}
	if rec.state == StateLoaded || rec.state == StateStarted {
		m.mu.Unlock()
		return nil
	}
	info := rec.info
	settings := rec.settings
	m.mu.Unlock()

	inst := info.Factory()
	if inst == nil {
		return m.fail(name, "load", fmt.Errorf("factory returned nil"))
	}
	if len(info.Events) > 0 {
		if _, handles := inst.(feature.EventHandler); !handles {
			return m.fail(name, "load",
				fmt.Errorf("feature declares events but does not implement EventHandler"))
		}
	}

	fctx := feature.NewContext(
		m.busView,
		m.cacheView,
		store.Namespaced(m.storage, "feature."+name),
		m,
		m.logger.Named(name),
		m.clock,
		settings,
	)

	if err := runHook(name, "initialize", func() error { return inst.Initialize(fctx) }); err != nil {
		return m.fail(name, "initialize", err)
	}

	m.mu.Lock()
	rec.state = StateLoaded
	rec.err = ""
	rec.instance = inst
	m.publishStateGaugesLocked()
	m.mu.Unlock()

	m.logger.Info("feature loaded",
		zap.String("feature", name),
		zap.String("version", info.Version))
	return nil
}

// Start begins a loaded feature's operation: runs its start hook, then
// subscribes its declared events and registers its commands. All
// declared dependencies must already be started.
func (m *Manager) Start(name string) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.start(name)
}

// start runs under lifeMu.
func (m *Manager) start(name string) error {
	m.mu.Lock()
	rec, ok := m.features[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s not found", name)
	}
	if rec.state == StateStarted {
		m.mu.Unlock()
		return nil
	}
	if rec.state != StateLoaded {
		m.mu.Unlock()
		return fmt.Errorf("feature %s is not loaded (state %s)", name, rec.state)
	}

	var notReady []string
	for _, dep := range rec.info.Dependencies {
		depRec, known := m.features[dep]
		if !known || depRec.state != StateStarted {
			notReady = append(notReady, dep)
		}
	}
	info := rec.info
	inst := rec.instance
	m.mu.Unlock()

	if len(notReady) > 0 {
		sort.Strings(notReady)
		return m.fail(name, "start", &DependencyError{Feature: name, Missing: notReady})
	}

	if err := runHook(name, "start", inst.Start); err != nil {
		return m.fail(name, "start", err)
	}

	// Registrations go in only after the start hook succeeds, so a
	// failed start leaves nothing behind.
	if len(info.Events) > 0 {
		handler := inst.(feature.EventHandler)
		for _, event := range info.Events {
			_, err := m.busView.Subscribe(name, event, func(ctx context.Context, evt *feature.Event) error {
				return handler.HandleEvent(ctx, evt)
			})
			if err != nil {
				m.bus.UnsubscribeAll(name)
				m.runStopQuietly(name, inst)
				return m.fail(name, "start", fmt.Errorf("failed to subscribe to %s: %w", event, err))
			}
		}
	}

	if provider, provides := inst.(feature.CommandProvider); provides {
		if err := m.router.Register(name, provider.Commands()); err != nil {
			m.bus.UnsubscribeAll(name)
			m.runStopQuietly(name, inst)
			return m.fail(name, "start", err)
		}
	}

	m.mu.Lock()
	rec.state = StateStarted
	rec.err = ""
	m.publishStateGaugesLocked()
	m.mu.Unlock()

	m.logger.Info("feature started", zap.String("feature", name))
	m.emitLifecycle(bus.EventFeatureStarted, name, "")
	return nil
}

// Stop shuts down a started feature. Its bus subscriptions and commands
// are removed before the stop hook runs and are gone even if the hook
// fails or panics; the feature always ends in StateStopped.
func (m *Manager) Stop(name string) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.stop(name)
}

// stop runs under lifeMu.
func (m *Manager) stop(name string) error {
	m.mu.Lock()
	rec, ok := m.features[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s not found", name)
	}
	if rec.state != StateStarted {
		m.mu.Unlock()
		return fmt.Errorf("feature %s is not started (state %s)", name, rec.state)
	}
	inst := rec.instance
	m.mu.Unlock()

	m.bus.UnsubscribeAll(name)
	m.router.UnregisterOwner(name)

	hookErr := runHook(name, "stop", inst.Stop)

	m.mu.Lock()
	rec.state = StateStopped
	rec.instance = nil
	rec.err = ""
	if hookErr != nil {
		rec.err = hookErr.Error()
	}
	m.publishStateGaugesLocked()
	m.mu.Unlock()

	if hookErr != nil {
		m.collector.IncFeatureFailure(name, "stop")
		m.logger.Error("feature stop hook failed",
			zap.String("feature", name), zap.Error(hookErr))
		m.emitLifecycle(bus.EventFeatureStopped, name, hookErr.Error())
		return &LifecycleError{Feature: name, Op: "stop", Err: hookErr}
	}

	m.logger.Info("feature stopped", zap.String("feature", name))
	m.emitLifecycle(bus.EventFeatureStopped, name, "")
	return nil
}

// Reload restarts one feature with a fresh instance: stop if running,
// then load and start again. Dependent features keep running and are
// not cascaded.
func (m *Manager) Reload(name string) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.reload(name)
}

// reload runs under lifeMu.
func (m *Manager) reload(name string) error {
	m.mu.RLock()
	rec, ok := m.features[name]
	var state State
	if ok {
		state = rec.state
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s not found", name)
	}

	m.logger.Info("reloading feature", zap.String("feature", name))

	if state == StateStarted {
		if err := m.stop(name); err != nil {
			// Registrations are already cleaned up; a stop hook failure
			// does not block the reload.
			m.logger.Warn("stop during reload failed",
				zap.String("feature", name), zap.Error(err))
		}
	}
	if err := m.load(name); err != nil {
		return err
	}
	if err := m.start(name); err != nil {
		return err
	}

	m.collector.IncFeatureReload()
	return nil
}

// StartAll resolves the dependency order and loads and starts every
// enabled feature. One feature's failure never blocks the others; all
// failures are collected into the returned error. A dependency cycle
// aborts before anything starts.
func (m *Manager) StartAll() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	order, excluded, cerr := m.resolveLocked()
	m.mu.Unlock()

	for _, depErr := range excluded {
		m.collector.IncFeatureFailure(depErr.Feature, "resolve")
		m.emitLifecycle(bus.EventFeatureError, depErr.Feature, depErr.Error())
	}
	if cerr != nil {
		return cerr
	}

	var errs error
	for _, name := range order {
		if err := m.load(name); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := m.start(name); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	for _, depErr := range excluded {
		errs = multierr.Append(errs, depErr)
	}
	return errs
}

// StopAll stops every started feature in reverse start order. Stop hook
// failures are collected but never prevent the remaining features from
// stopping.
func (m *Manager) StopAll() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.RLock()
	order := append([]string{}, m.order...)
	m.mu.RUnlock()

	var errs error
	stopped := make(map[string]bool)
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if m.stateOf(name) != StateStarted {
			continue
		}
		stopped[name] = true
		if err := m.stop(name); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	// Features started outside the resolved order.
	m.mu.RLock()
	var rest []string
	for name, rec := range m.features {
		if rec.state == StateStarted && !stopped[name] {
			rest = append(rest, name)
		}
	}
	m.mu.RUnlock()
	sort.Sort(sort.Reverse(sort.StringSlice(rest)))

	for _, name := range rest {
		if err := m.stop(name); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// ApplyManifest updates enabled flags and settings from a fresh
// manifest. Newly enabled features are started, newly disabled ones are
// stopped, and running features whose settings changed are reloaded.
func (m *Manager) ApplyManifest(man *config.Manifest) error {
	if man == nil {
		return fmt.Errorf("manifest cannot be nil")
	}

	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	var toStart, toStop, toReload []string

	m.mu.Lock()
	m.manifest = man
	names := make([]string, 0, len(m.features))
	for name := range m.features {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rec := m.features[name]
		enabled := man.Enabled(name)
		settings := man.Settings(name)

		switch {
		case enabled && !rec.enabled:
			rec.enabled = true
			rec.settings = settings
			toStart = append(toStart, name)
		case !enabled && rec.enabled:
			rec.enabled = false
			rec.settings = settings
			if rec.state == StateStarted {
				toStop = append(toStop, name)
			}
		case enabled && !reflect.DeepEqual(rec.settings, settings):
			rec.settings = settings
			if rec.state == StateStarted {
				toReload = append(toReload, name)
			}
		}
	}
	m.mu.Unlock()

	var errs error
	for _, name := range toStop {
		m.logger.Info("feature disabled by manifest change", zap.String("feature", name))
		if err := m.stop(name); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	for _, name := range toStart {
		m.logger.Info("feature enabled by manifest change", zap.String("feature", name))
		if err := m.load(name); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := m.start(name); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	for _, name := range toReload {
		m.logger.Info("feature settings changed", zap.String("feature", name))
		if err := m.reload(name); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Feature returns the named feature's instance if it is loaded or
// started. Implements feature.Lookup.
func (m *Manager) Feature(name string) (feature.Feature, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.features[name]
	if !ok || rec.instance == nil {
		return nil, false
	}
	if rec.state != StateLoaded && rec.state != StateStarted {
		return nil, false
	}
	return rec.instance, true
}

// States returns the current state of every known feature.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]State, len(m.features))
	for name, rec := range m.features {
		result[name] = rec.state
	}
	return result
}

// FeatureNames returns all known feature names sorted.
func (m *Manager) FeatureNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.features))
	for name := range m.features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Statuses returns a snapshot of every feature sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Status, 0, len(m.features))
	for _, rec := range m.features {
		result = append(result, Status{
			Name:         rec.info.Name,
			Description:  rec.info.Description,
			Version:      rec.info.Version,
			Dependencies: rec.info.Dependencies,
			Enabled:      rec.enabled,
			State:        rec.state,
			Err:          rec.err,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (m *Manager) stateOf(name string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.features[name]
	if !ok {
		return ""
	}
	return rec.state
}

// fail marks a feature failed, records the metric and publishes a
// feature.error event.
func (m *Manager) fail(name, stage string, err error) error {
	m.mu.Lock()
	if rec, ok := m.features[name]; ok {
		rec.state = StateFailed
		rec.err = err.Error()
	}
	m.publishStateGaugesLocked()
	m.mu.Unlock()

	m.collector.IncFeatureFailure(name, stage)
	lerr := &LifecycleError{Feature: name, Op: stage, Err: err}
	m.logger.Error("feature "+stage+" failed",
		zap.String("feature", name), zap.Error(err))
	m.emitLifecycle(bus.EventFeatureError, name, lerr.Error())
	return lerr
}

func (m *Manager) runStopQuietly(name string, inst feature.Feature) {
	if err := runHook(name, "stop", inst.Stop); err != nil {
		m.logger.Warn("stop after failed start also failed",
			zap.String("feature", name), zap.Error(err))
	}
}

func (m *Manager) emitLifecycle(event, name, errText string) {
	_, err := m.bus.Emit(context.Background(), event, &feature.Lifecycle{Feature: name, Err: errText})
	if err != nil {
		m.logger.Warn("failed to emit lifecycle event",
			zap.String("event", event), zap.Error(err))
	}
}

// publishStateGaugesLocked runs under mu.
func (m *Manager) publishStateGaugesLocked() {
	counts := make(map[State]int)
	for _, rec := range m.features {
		counts[rec.state]++
	}
	for _, s := range []State{StateDiscovered, StateLoaded, StateStarted, StateStopped, StateFailed} {
		m.collector.SetFeatureState(string(s), counts[s])
	}
}

// runHook invokes one lifecycle hook, converting a panic into an error.
func runHook(name, op string, hook func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s %s: %v", name, op, r)
		}
	}()
	return hook()
}
