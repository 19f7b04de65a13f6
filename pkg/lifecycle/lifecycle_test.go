package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/plugin-host/api"
	"github.com/srediag/plugin-host/pkg/bus"
	"github.com/srediag/plugin-host/pkg/manifest"
	"github.com/srediag/plugin-host/pkg/registry"
	"github.com/srediag/plugin-host/pkg/resolver"
)

// pluginSpec scripts one fake plugin's behavior.
type pluginSpec struct {
	deps          []string
	fail          atomic.Bool
	initDelay     time.Duration
	shutdownDelay time.Duration
	onInit        func(hc api.HostContext) error
}

type harness struct {
	t    *testing.T
	bus  *bus.Bus
	reg  *registry.Registry
	ctrl *Controller

	mu        sync.Mutex
	initOrder []string
	counts    map[string]int
	inflight  map[string]bool
	specs     map[string]*pluginSpec
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b, err := bus.New(bus.Options{})
	require.NoError(t, err)
	reg := registry.New(nil)
	h := &harness{
		t:        t,
		bus:      b,
		reg:      reg,
		counts:   make(map[string]int),
		inflight: make(map[string]bool),
		specs:    make(map[string]*pluginSpec),
	}
	ctrl, err := New(Options{
		Bus:             b,
		Services:        reg,
		InitTimeout:     5 * time.Second,
		ShutdownTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	h.ctrl = ctrl
	t.Cleanup(func() {
		ctrl.Close()
		b.Close()
	})
	return h
}

func (h *harness) add(name string, spec *pluginSpec) {
	h.mu.Lock()
	h.specs[name] = spec
	h.mu.Unlock()
	desc := &manifest.Descriptor{Name: name, Version: "1.0.0", Requires: spec.deps}
	err := h.ctrl.Add(desc, func() (api.Plugin, error) {
		return &testPlugin{h: h, name: name, spec: spec}, nil
	})
	require.NoError(h.t, err)
}

func (h *harness) initCount(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[name]
}

func (h *harness) stateOf(name string) State {
	st, err := h.ctrl.StateOf(name)
	require.NoError(h.t, err)
	return st
}

type testPlugin struct {
	h    *harness
	name string
	spec *pluginSpec
}

func (p *testPlugin) Initialize(ctx context.Context, hc api.HostContext) error {
	h := p.h
	h.mu.Lock()
	if h.inflight[p.name] {
		h.mu.Unlock()
		h.t.Errorf("concurrent Initialize for %s", p.name)
		return errors.New("concurrent init")
	}
	h.inflight[p.name] = true
	h.initOrder = append(h.initOrder, p.name)
	h.counts[p.name]++
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.inflight[p.name] = false
		h.mu.Unlock()
	}()

	// Every declared dependency must already be Active.
	for _, dep := range p.spec.deps {
		st, err := h.ctrl.StateOf(dep)
		if err != nil || st != Active {
			h.t.Errorf("plugin %s initializing while dependency %s is %v", p.name, dep, st)
		}
	}

	if p.spec.initDelay > 0 {
		time.Sleep(p.spec.initDelay)
	}
	if p.spec.onInit != nil {
		if err := p.spec.onInit(hc); err != nil {
			return err
		}
	}
	if p.spec.fail.Load() {
		return errors.New("scripted init failure")
	}
	return nil
}

func (p *testPlugin) Shutdown(ctx context.Context) error {
	if p.spec.shutdownDelay > 0 {
		select {
		case <-time.After(p.spec.shutdownDelay):
		case <-ctx.Done():
			// Deliberately overstay the deadline to exercise the forced
			// stop path.
			time.Sleep(p.spec.shutdownDelay)
		}
	}
	return nil
}

func (p *testPlugin) HealthCheck(ctx context.Context) api.HealthReport { return api.Healthy() }
func (p *testPlugin) Dependencies() []string { return p.spec.deps }

func TestStartAllOrdersChain(t *testing.T) {
	h := newHarness(t)
	h.add("A", &pluginSpec{})
	h.add("B", &pluginSpec{deps: []string{"A"}})
	h.add("C", &pluginSpec{deps: []string{"A", "B"}})

	assert.Equal(t, []string{"A", "B", "C"}, h.ctrl.Order())
	require.NoError(t, h.ctrl.StartAll(context.Background()))

	h.mu.Lock()
	assert.Equal(t, []string{"A", "B", "C"}, h.initOrder)
	h.mu.Unlock()
	for _, name := range []string{"A", "B", "C"} {
		assert.Equal(t, Active, h.stateOf(name))
	}
}

func TestInitFailureHoldsDependentsAtResolved(t *testing.T) {
	h := newHarness(t)
	failing := &pluginSpec{}
	failing.fail.Store(true)
	h.add("A", failing)
	h.add("B", &pluginSpec{deps: []string{"A"}})
	h.add("C", &pluginSpec{deps: []string{"A", "B"}})
	h.add("D", &pluginSpec{}) // unrelated, must not be affected

	err := h.ctrl.StartAll(context.Background())
	require.Error(t, err)
	var failure *InitializationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "A", failure.Plugin)

	assert.Equal(t, Failed, h.stateOf("A"))
	assert.Equal(t, Resolved, h.stateOf("B"))
	assert.Equal(t, Resolved, h.stateOf("C"))
	assert.Equal(t, Active, h.stateOf("D"))
	assert.Equal(t, 0, h.initCount("B"), "dependents of a failed plugin are never attempted")
	assert.Equal(t, 0, h.initCount("C"))

	status, err := h.ctrl.Status("A")
	require.NoError(t, err)
	assert.ErrorContains(t, status.Err, "scripted init failure")
}

func TestAtMostOneConcurrentInit(t *testing.T) {
	h := newHarness(t)
	h.add("A", &pluginSpec{initDelay: 20 * time.Millisecond})
	h.add("B", &pluginSpec{deps: []string{"A"}, initDelay: 10 * time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.ctrl.StartAll(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.initCount("A"))
	assert.Equal(t, 1, h.initCount("B"))
	assert.Equal(t, Active, h.stateOf("A"))
	assert.Equal(t, Active, h.stateOf("B"))
}

func TestDependencyInvariantUnderRandomLatency(t *testing.T) {
	h := newHarness(t)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// Layered random DAG; the invariant check lives in testPlugin.Initialize.
	layers := [][]string{
		{"l0a", "l0b", "l0c"},
		{"l1a", "l1b", "l1c"},
		{"l2a", "l2b"},
	}
	for li, layer := range layers {
		for _, name := range layer {
			spec := &pluginSpec{initDelay: time.Duration(rng.Intn(30)) * time.Millisecond}
			if li > 0 {
				for _, below := range layers[li-1] {
					if rng.Intn(2) == 0 {
						spec.deps = append(spec.deps, below)
					}
				}
			}
			h.add(name, spec)
		}
	}
	require.NoError(t, h.ctrl.StartAll(context.Background()))
	for _, layer := range layers {
		for _, name := range layer {
			assert.Equal(t, Active, h.stateOf(name))
		}
	}
}

func TestDrainRevokesRegistrations(t *testing.T) {
	h := newHarness(t)
	h.add("provider", &pluginSpec{onInit: func(hc api.HostContext) error {
		if err := hc.Services().Register("provider.db", "conn"); err != nil {
			return err
		}
		_, err := hc.Events().Subscribe("db.*", func(ctx context.Context, ev api.Event) error { return nil })
		return err
	}})

	require.NoError(t, h.ctrl.StartAll(context.Background()))
	_, err := h.reg.Lookup("provider.db")
	require.NoError(t, err)
	assert.Equal(t, 1, h.bus.SubscriptionCount())

	require.NoError(t, h.ctrl.StopPlugin(context.Background(), "provider"))
	assert.Equal(t, Stopped, h.stateOf("provider"))
	_, err = h.reg.Lookup("provider.db")
	var nf *registry.NotFoundError
	assert.ErrorAs(t, err, &nf)
	assert.Equal(t, 0, h.bus.SubscriptionCount())
}

func TestFailedInitDoesNotLeakRegistrations(t *testing.T) {
	h := newHarness(t)
	spec := &pluginSpec{onInit: func(hc api.HostContext) error {
		return hc.Services().Register("half.done", 1)
	}}
	spec.fail.Store(true)
	h.add("half", spec)

	require.Error(t, h.ctrl.StartAll(context.Background()))
	assert.Equal(t, Failed, h.stateOf("half"))
	_, err := h.reg.Lookup("half.done")
	assert.Error(t, err, "partial registrations must be revoked on init failure")
}

func TestStopAllReversesOrder(t *testing.T) {
	h := newHarness(t)
	h.add("A", &pluginSpec{})
	h.add("B", &pluginSpec{deps: []string{"A"}})
	require.NoError(t, h.ctrl.StartAll(context.Background()))

	require.NoError(t, h.ctrl.StopAll(context.Background()))
	assert.Equal(t, Stopped, h.stateOf("A"))
	assert.Equal(t, Stopped, h.stateOf("B"))
}

func TestShutdownTimeoutForcesStopped(t *testing.T) {
	h := newHarness(t)
	h.add("sluggish", &pluginSpec{shutdownDelay: 2 * time.Second})
	require.NoError(t, h.ctrl.StartAll(context.Background()))

	start := time.Now()
	err := h.ctrl.StopPlugin(context.Background(), "sluggish")
	var timeout *ShutdownTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "sluggish", timeout.Plugin)
	assert.Less(t, time.Since(start), time.Second, "drain must not wait out the hook")
	assert.Equal(t, Stopped, h.stateOf("sluggish"))
}

func TestReloadRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.add("A", &pluginSpec{})
	h.add("B", &pluginSpec{deps: []string{"A"}})
	h.add("C", &pluginSpec{deps: []string{"B"}})
	require.NoError(t, h.ctrl.StartAll(context.Background()))
	orderBefore := h.ctrl.Order()

	require.NoError(t, h.ctrl.Reload(context.Background(), "B", nil))

	assert.Equal(t, orderBefore, h.ctrl.Order())
	for _, name := range []string{"A", "B", "C"} {
		assert.Equal(t, Active, h.stateOf(name), name)
	}
	assert.Equal(t, 1, h.initCount("A"), "A is outside the reload subtree")
	assert.Equal(t, 2, h.initCount("B"))
	assert.Equal(t, 2, h.initCount("C"))

	status, err := h.ctrl.Status("B")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Revision)
}

func TestReloadTargetFailureLeavesDependentsResolved(t *testing.T) {
	h := newHarness(t)
	spec := &pluginSpec{}
	h.add("A", spec)
	h.add("B", &pluginSpec{deps: []string{"A"}})
	h.add("unrelated", &pluginSpec{})
	require.NoError(t, h.ctrl.StartAll(context.Background()))

	spec.fail.Store(true)
	err := h.ctrl.Reload(context.Background(), "A", nil)
	require.Error(t, err)
	var failure *InitializationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "A", failure.Plugin)

	assert.Equal(t, Failed, h.stateOf("A"))
	assert.Equal(t, Resolved, h.stateOf("B"))
	assert.Equal(t, Active, h.stateOf("unrelated"), "rest of the system keeps running")
}

func TestReloadWithNewDescriptor(t *testing.T) {
	h := newHarness(t)
	h.add("A", &pluginSpec{})
	require.NoError(t, h.ctrl.StartAll(context.Background()))

	source := func() (*manifest.Descriptor, error) {
		return &manifest.Descriptor{Name: "A", Version: "2.0.0"}, nil
	}
	require.NoError(t, h.ctrl.Reload(context.Background(), "A", source))

	status, err := h.ctrl.Status("A")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", status.Version)
	assert.Equal(t, 1, status.Revision)
	assert.Equal(t, Active, status.State)
}

func TestReloadRejectsRename(t *testing.T) {
	h := newHarness(t)
	h.add("A", &pluginSpec{})
	require.NoError(t, h.ctrl.StartAll(context.Background()))

	source := func() (*manifest.Descriptor, error) {
		return &manifest.Descriptor{Name: "Z", Version: "1.0.0"}, nil
	}
	assert.Error(t, h.ctrl.Reload(context.Background(), "A", source))
}

func TestUnloadDrainsSubtree(t *testing.T) {
	h := newHarness(t)
	h.add("A", &pluginSpec{})
	h.add("B", &pluginSpec{deps: []string{"A"}})
	h.add("solo", &pluginSpec{})
	require.NoError(t, h.ctrl.StartAll(context.Background()))

	require.NoError(t, h.ctrl.Unload(context.Background(), "A"))
	_, err := h.ctrl.StateOf("A")
	var unknown *UnknownPluginError
	assert.ErrorAs(t, err, &unknown)
	assert.Equal(t, Stopped, h.stateOf("B"))
	assert.Equal(t, Active, h.stateOf("solo"))
	// B now references a missing plugin; the set is unresolved until A
	// returns or B is removed.
	assert.Error(t, h.ctrl.ResolveError())
}

func TestAddDuplicateName(t *testing.T) {
	h := newHarness(t)
	h.add("A", &pluginSpec{})

	err := h.ctrl.Add(&manifest.Descriptor{Name: "A", Version: "9.9.9"},
		func() (api.Plugin, error) { return nil, nil })
	var dup *DuplicatePluginError
	assert.ErrorAs(t, err, &dup)
}

func TestAddCycleKeepsPreviousGraph(t *testing.T) {
	h := newHarness(t)
	h.add("A", &pluginSpec{})
	require.NoError(t, h.ctrl.StartAll(context.Background()))

	// X -> Y -> X enters as two Adds; the second one closes the cycle.
	errX := h.ctrl.Add(&manifest.Descriptor{Name: "X", Version: "1.0.0", Requires: []string{"Y"}},
		func() (api.Plugin, error) { return &testPlugin{h: h, name: "X", spec: &pluginSpec{}}, nil })
	require.Error(t, errX) // Y not present yet

	errY := h.ctrl.Add(&manifest.Descriptor{Name: "Y", Version: "1.0.0", Requires: []string{"X"}},
		func() (api.Plugin, error) { return &testPlugin{h: h, name: "Y", spec: &pluginSpec{}}, nil })
	require.Error(t, errY)

	// The running plugin is untouched and the offenders can be backed out.
	assert.Equal(t, Active, h.stateOf("A"))
	require.NoError(t, h.ctrl.Remove("X"))
	require.NoError(t, h.ctrl.Remove("Y"))
	assert.NoError(t, h.ctrl.ResolveError())
}

func TestStartPluginRequiresActiveDeps(t *testing.T) {
	h := newHarness(t)
	h.add("A", &pluginSpec{})
	h.add("B", &pluginSpec{deps: []string{"A"}})

	err := h.ctrl.StartPlugin(context.Background(), "B")
	require.Error(t, err)
	assert.Equal(t, Resolved, h.stateOf("B"))
	assert.Equal(t, 0, h.initCount("B"))

	require.NoError(t, h.ctrl.StartPlugin(context.Background(), "A"))
	require.NoError(t, h.ctrl.StartPlugin(context.Background(), "B"))
	assert.Equal(t, Active, h.stateOf("B"))
}

func TestStartPluginWithUnresolvedFirstAdd(t *testing.T) {
	h := newHarness(t)

	// The very first Add fails to resolve, so no graph was ever built and
	// the plugin stays Discovered.
	err := h.ctrl.Add(&manifest.Descriptor{Name: "orphan", Version: "1.0.0", Requires: []string{"ghost"}},
		func() (api.Plugin, error) { return &testPlugin{h: h, name: "orphan", spec: &pluginSpec{}}, nil })
	var unresolved *resolver.UnresolvedDependencyError
	require.ErrorAs(t, err, &unresolved)

	err = h.ctrl.StartPlugin(context.Background(), "orphan")
	require.Error(t, err)
	assert.Equal(t, Discovered, h.stateOf("orphan"))
	assert.Equal(t, 0, h.initCount("orphan"))
}

func TestStatusesSorted(t *testing.T) {
	h := newHarness(t)
	h.add("zeta", &pluginSpec{})
	h.add("alpha", &pluginSpec{})

	statuses := h.ctrl.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "alpha", statuses[0].Name)
	assert.Equal(t, "zeta", statuses[1].Name)
}

func TestTransitionListenerObservesLifecycle(t *testing.T) {
	b, err := bus.New(bus.Options{})
	require.NoError(t, err)
	defer b.Close()

	var mu sync.Mutex
	var seen []string
	ctrl, err := New(Options{
		Bus:      b,
		Services: registry.New(nil),
		Listener: func(plugin string, from, to State, err error) {
			mu.Lock()
			seen = append(seen, fmt.Sprintf("%s:%s->%s", plugin, from, to))
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer ctrl.Close()

	spec := &pluginSpec{}
	h := &harness{t: t, bus: b, reg: registry.New(nil), ctrl: ctrl,
		counts: map[string]int{}, inflight: map[string]bool{}, specs: map[string]*pluginSpec{}}
	require.NoError(t, ctrl.Add(&manifest.Descriptor{Name: "p", Version: "1.0.0"},
		func() (api.Plugin, error) { return &testPlugin{h: h, name: "p", spec: spec}, nil }))
	require.NoError(t, ctrl.StartAll(context.Background()))
	require.NoError(t, ctrl.StopAll(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"p:Discovered->Resolved",
		"p:Resolved->Initializing",
		"p:Initializing->Active",
		"p:Active->Draining",
		"p:Draining->Stopped",
	}, seen)
}
