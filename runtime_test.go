package modloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modloader/config"
	"github.com/GoCodeAlone/modloader/lifecycle"
)

func runtimeConfig(t *testing.T, packages ...string) *config.RuntimeConfig {
	t.Helper()
	return &config.RuntimeConfig{
		ModuleListToLoad: strings.Join(packages, " "),
		ExtractDir:       t.TempDir(),
	}
}

func newTestRuntime(t *testing.T, opts ...RuntimeOption) *Runtime {
	t.Helper()
	rt, err := NewRuntime(testLogger(), opts...)
	require.NoError(t, err)
	return rt
}

func extractedDirs(t *testing.T, cfg *config.RuntimeConfig) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(cfg.ExtractDir)
	require.NoError(t, err)
	return entries
}

func TestRuntimeModuleInteroperability(t *testing.T) {
	_, atd, dss, reporting := interopFixture(t)
	cfg := runtimeConfig(t, atd, dss, reporting)
	rt := newTestRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.Startup(ctx, cfg))
	assert.True(t, rt.Started())
	assert.Len(t, extractedDirs(t, cfg), 1, "the atd archive is extracted")
	assert.Equal(t, []string{"dssmodule", "atd", "reporting"}, rt.Registry().StartOrder())

	atdLoader, err := rt.ClassLoader("atd")
	require.NoError(t, err)
	dssLoader, err := rt.ClassLoader("dssmodule")
	require.NoError(t, err)
	reportingLoader, err := rt.ClassLoader("reporting")
	require.NoError(t, err)

	own := atdLoader.Lookup("atdproducer.service.ATDService")
	require.True(t, own.Found())
	assert.Equal(t, "atd", own.Owner())
	content, err := own.Symbol.Content()
	require.NoError(t, err)
	assert.Equal(t, "class ATDService", string(content))

	viaAtd, err := atdLoader.Resolve("dssmodule.util.Util")
	require.NoError(t, err)
	viaDss, err := dssLoader.Resolve("dssmodule.util.Util")
	require.NoError(t, err)
	assert.Same(t, viaDss, viaAtd)

	_, err = reportingLoader.Resolve("dssmodule.util.Util")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	_, err = dssLoader.Resolve("atdproducer.service.ATDService")
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	res, err := atdLoader.FindResource("messages.properties")
	require.NoError(t, err)
	assert.Equal(t, "atd", res.Owner())
	assert.False(t, atdLoader.CanSee("lib/bundled.jar"))

	sym, err := rt.LoadSymbol("reporting.Report")
	require.NoError(t, err)
	assert.Equal(t, "reporting", sym.Owner())
	_, err = rt.LoadSymbol("nowhere.Type")
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	_, err = rt.ClassLoader("unknown")
	assert.ErrorIs(t, err, ErrModuleNotFound)

	require.NoError(t, rt.Shutdown(ctx))
	assert.False(t, rt.Started())
	assert.Empty(t, extractedDirs(t, cfg), "extraction directories are removed on shutdown")
	assert.Equal(t, lifecycle.StateStopped, rt.State("atd"))

	_, err = rt.ClassLoader("atd")
	assert.ErrorIs(t, err, ErrRuntimeNotStarted)
	_, err = rt.LoadSymbol("reporting.Report")
	assert.ErrorIs(t, err, ErrRuntimeNotStarted)
}

func TestRuntimeStartupStateErrors(t *testing.T) {
	_, atd, dss, _ := interopFixture(t)
	rt := newTestRuntime(t)
	ctx := context.Background()

	assert.ErrorIs(t, rt.Shutdown(ctx), ErrRuntimeNotStarted)
	assert.ErrorIs(t, rt.Reload(ctx), ErrRuntimeNotStarted)
	assert.ErrorIs(t, rt.Startup(ctx, nil), config.ErrConfigNil)

	require.NoError(t, rt.Startup(ctx, runtimeConfig(t, atd, dss)))
	assert.ErrorIs(t, rt.Startup(ctx, runtimeConfig(t, atd, dss)), ErrRuntimeAlreadyStarted)
	require.NoError(t, rt.Shutdown(ctx))
	assert.ErrorIs(t, rt.Shutdown(ctx), ErrRuntimeNotStarted)
}

func TestRuntimeStartupInvalidConfig(t *testing.T) {
	rt := newTestRuntime(t)

	err := rt.Startup(context.Background(), &config.RuntimeConfig{})
	assert.ErrorIs(t, err, config.ErrNoModuleSource)

	cfg := runtimeConfig(t, "x")
	cfg.OnLoadError = "ignore"
	err = rt.Startup(context.Background(), cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.False(t, rt.Started())
}

func TestRuntimeUnsatisfiedDependencyAborts(t *testing.T) {
	_, atd, _, reporting := interopFixture(t)
	cfg := runtimeConfig(t, atd, reporting)
	rt := newTestRuntime(t)

	err := rt.Startup(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsatisfiedDependency)
	assert.False(t, rt.Started())
	assert.Empty(t, extractedDirs(t, cfg), "a failed startup releases extracted packages")
}

func TestRuntimeLoadErrorPolicy(t *testing.T) {
	dir, atd, dss, reporting := interopFixture(t)
	broken := filepath.Join(dir, "broken.omod")
	require.NoError(t, os.WriteFile(broken, []byte("not a zip"), 0o644))

	t.Run("abort", func(t *testing.T) {
		cfg := runtimeConfig(t, atd, dss, broken, reporting)
		cfg.LoadConcurrency = 1
		rt := newTestRuntime(t)

		err := rt.Startup(context.Background(), cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPackageCorrupt)
		assert.False(t, rt.Started())
		assert.Empty(t, extractedDirs(t, cfg))
	})

	t.Run("skip", func(t *testing.T) {
		cfg := runtimeConfig(t, atd, dss, broken, reporting)
		cfg.OnLoadError = config.OnLoadErrorSkip

		var mu sync.Mutex
		var failed []string
		rt := newTestRuntime(t, WithObserver(NewFunctionalObserver("failures", func(ctx context.Context, event cloudevents.Event) error {
			var data map[string]any
			if err := event.DataAs(&data); err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, data["source"].(string))
			return nil
		}), EventTypePackageFailed))

		require.NoError(t, rt.Startup(context.Background(), cfg))
		defer rt.Shutdown(context.Background())

		assert.Equal(t, []string{"dssmodule", "atd", "reporting"}, rt.Registry().StartOrder())
		mu.Lock()
		assert.Equal(t, []string{broken}, failed)
		mu.Unlock()
	})
}

func TestRuntimeActivators(t *testing.T) {
	dir := t.TempDir()
	dss := writePackageDir(t, filepath.Join(dir, "dssmodule"), dssDescriptor+"activator: recorder\n", map[string]string{
		"dssmodule/util/Util.class": "class Util",
	})
	atd := writePackageDir(t, filepath.Join(dir, "atd"), atdDescriptor+"activator: recorder\n", map[string]string{
		"atdproducer/service/ATDService.class": "class ATDService",
	})
	unknown := writePackageDir(t, filepath.Join(dir, "reporting"), unrelatedDescriptor+"activator: missing\n", nil)

	t.Run("start and stop order", func(t *testing.T) {
		rec := &lifecycleRecorder{}
		rt := newTestRuntime(t, WithActivatorFactory("recorder", rec.factory()))
		ctx := context.Background()

		require.NoError(t, rt.Startup(ctx, runtimeConfig(t, atd, dss)))
		require.NoError(t, rt.Shutdown(ctx))
		assert.Equal(t, []string{"start:dssmodule", "start:atd", "stop:atd", "stop:dssmodule"}, rec.Events())
	})

	t.Run("unknown activator aborts", func(t *testing.T) {
		rec := &lifecycleRecorder{}
		rt := newTestRuntime(t)
		require.NoError(t, rt.RegisterActivator("recorder", rec.factory()))

		err := rt.Startup(context.Background(), runtimeConfig(t, atd, dss, unknown))
		assert.ErrorIs(t, err, ErrActivatorNotFound)
		assert.Empty(t, rec.Events())
	})

	t.Run("unknown activator is skipped", func(t *testing.T) {
		rec := &lifecycleRecorder{}
		rt := newTestRuntime(t, WithActivatorFactory("recorder", rec.factory()))
		cfg := runtimeConfig(t, atd, dss, unknown)
		cfg.OnLoadError = config.OnLoadErrorSkip

		require.NoError(t, rt.Startup(context.Background(), cfg))
		defer rt.Shutdown(context.Background())
		_, err := rt.ClassLoader("reporting")
		assert.ErrorIs(t, err, ErrModuleNotFound)
	})

	t.Run("failing stop hook does not fail shutdown", func(t *testing.T) {
		rt := newTestRuntime(t, WithActivatorFactory("recorder", func(desc *ModuleDescriptor) (Activator, error) {
			return ActivatorFuncs{OnStop: func(ctx context.Context) error { return errors.New("stop failed") }}, nil
		}))
		ctx := context.Background()

		require.NoError(t, rt.Startup(ctx, runtimeConfig(t, atd, dss)))
		require.NoError(t, rt.Shutdown(ctx))
		assert.Equal(t, lifecycle.StateStopped, rt.State("dssmodule"))
	})
}

func TestRuntimeModuleRepository(t *testing.T) {
	dir, _, _, _ := interopFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("not a package"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".cache"), 0o755))

	cfg := &config.RuntimeConfig{ModuleRepository: dir, ExtractDir: t.TempDir()}
	rt := newTestRuntime(t)
	require.NoError(t, rt.Startup(context.Background(), cfg))
	defer rt.Shutdown(context.Background())

	assert.Equal(t, []string{
		filepath.Join(dir, "atd.omod"),
		filepath.Join(dir, "dssmodule"),
		filepath.Join(dir, "reporting"),
	}, rt.Sources())
	assert.Equal(t, []string{"dssmodule", "atd", "reporting"}, rt.Registry().StartOrder())
}

func TestRuntimeReset(t *testing.T) {
	_, atd, dss, reporting := interopFixture(t)
	rt := newTestRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.Startup(ctx, runtimeConfig(t, atd, dss)))
	require.NoError(t, rt.Reset(ctx))
	assert.False(t, rt.Started())
	assert.Nil(t, rt.Config())
	assert.Empty(t, rt.Modules())

	require.NoError(t, rt.Startup(ctx, runtimeConfig(t, reporting)))
	defer rt.Shutdown(ctx)
	assert.Equal(t, []string{"reporting"}, rt.Registry().StartOrder())

	require.NoError(t, rt.Reset(ctx))
	require.NoError(t, rt.Reset(ctx), "resetting a stopped runtime is fine")
}

func TestRuntimeReload(t *testing.T) {
	_, atd, dss, _ := interopFixture(t)
	rt := newTestRuntime(t)
	ctx := context.Background()

	var mu sync.Mutex
	var reloaded int
	require.NoError(t, rt.RegisterObserver(NewFunctionalObserver("reloads", func(ctx context.Context, event cloudevents.Event) error {
		mu.Lock()
		defer mu.Unlock()
		reloaded++
		return nil
	}), EventTypeRuntimeReloaded))

	require.NoError(t, rt.Startup(ctx, runtimeConfig(t, atd, dss)))
	before, err := rt.ClassLoader("atd")
	require.NoError(t, err)
	assert.False(t, before.CanSee("dssmodule.util.Added"))

	require.NoError(t, os.WriteFile(filepath.Join(dss, "dssmodule", "util", "Added.class"), []byte("class Added"), 0o644))
	require.NoError(t, rt.Reload(ctx))
	defer rt.Shutdown(ctx)

	after, err := rt.ClassLoader("atd")
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.True(t, before.Discarded())
	assert.True(t, after.CanSee("dssmodule.util.Added"))

	mu.Lock()
	assert.Equal(t, 1, reloaded)
	mu.Unlock()
	assert.Len(t, rt.GetObservers(), 1)
}

func TestRuntimesAreIndependent(t *testing.T) {
	_, atd, dss, reporting := interopFixture(t)
	ctx := context.Background()

	first := newTestRuntime(t)
	second := newTestRuntime(t)
	require.NoError(t, first.Startup(ctx, runtimeConfig(t, atd, dss)))
	defer first.Shutdown(ctx)
	require.NoError(t, second.Startup(ctx, runtimeConfig(t, dss, reporting)))
	defer second.Shutdown(ctx)

	a, err := first.ClassLoader("dssmodule")
	require.NoError(t, err)
	b, err := second.ClassLoader("dssmodule")
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	_, err = first.ClassLoader("reporting")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestRuntimeEmitsRuntimeEvents(t *testing.T) {
	_, _, dss, _ := interopFixture(t)
	var mu sync.Mutex
	var types []string
	rt := newTestRuntime(t, WithObserver(NewFunctionalObserver("runtime", func(ctx context.Context, event cloudevents.Event) error {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, event.Type())
		return nil
	}), EventTypeRuntimeStarted, EventTypeRuntimeStopped, EventTypeRuntimeFailed))
	ctx := context.Background()

	require.Error(t, rt.Startup(ctx, runtimeConfig(t, filepath.Join(t.TempDir(), "missing"))))
	require.NoError(t, rt.Startup(ctx, runtimeConfig(t, dss)))
	require.NoError(t, rt.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventTypeRuntimeFailed, EventTypeRuntimeStarted, EventTypeRuntimeStopped}, types)
}
