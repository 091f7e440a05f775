package modloader

import (
	"archive/zip"
	"context"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockLogger is a testify mock of Logger.
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Debug(msg string, args ...any) {
	m.Called(msg, args)
}

func (m *MockLogger) Info(msg string, args ...any) {
	m.Called(msg, args)
}

func (m *MockLogger) Warn(msg string, args ...any) {
	m.Called(msg, args)
}

func (m *MockLogger) Error(msg string, args ...any) {
	m.Called(msg, args)
}

// newPermissiveMockLogger accepts every call so tests can assert on the
// ones they care about.
func newPermissiveMockLogger() *MockLogger {
	l := &MockLogger{}
	for _, level := range []string{"Debug", "Info", "Warn", "Error"} {
		l.On(level, mock.Anything, mock.Anything).Maybe()
	}
	return l
}

func testLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func mustDescriptor(t *testing.T, id, version string, opts ...DescriptorOption) *ModuleDescriptor {
	t.Helper()
	desc, err := NewModuleDescriptor(id, version, opts...)
	require.NoError(t, err)
	return desc
}

// memPackage builds an in-memory package whose files contain their own path.
func memPackage(t *testing.T, desc *ModuleDescriptor, paths ...string) *ModulePackage {
	t.Helper()
	files := make(map[string][]byte, len(paths))
	for _, p := range paths {
		files[p] = []byte(p)
	}
	pkg, err := NewInMemoryPackage(desc, files)
	require.NoError(t, err)
	return pkg
}

// writePackageDir lays out a package directory with a module.yaml and the
// given files.
func writePackageDir(t *testing.T, dir, descriptor string, files map[string]string) string {
	t.Helper()
	require.NoError(t, createPackageDir(dir, descriptor, files))
	return dir
}

// writePackageZip writes a zip archive with a module.yaml and the given
// files. An empty descriptor leaves the descriptor out.
func writePackageZip(t *testing.T, path, descriptor string, files map[string]string) string {
	t.Helper()
	require.NoError(t, createPackageZip(path, descriptor, files))
	return path
}

func createPackageDir(dir, descriptor string, files map[string]string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "module.yaml"), []byte(descriptor), 0o644); err != nil {
		return err
	}
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func createPackageZip(path, descriptor string, files map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	if descriptor != "" {
		files = maps.Clone(files)
		if files == nil {
			files = make(map[string]string)
		}
		files["module.yaml"] = descriptor
	}
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte(content)); err != nil {
			return err
		}
	}
	return zw.Close()
}

const (
	atdDescriptor = `id: atd
name: ATD Producer
version: 0.51.0
package: atdproducer
requires:
  - id: dssmodule
    version: ">=1.44"
`
	dssDescriptor = `id: dssmodule
name: DSS Module
version: 1.44.0
package: dssmodule
`
	unrelatedDescriptor = `id: reporting
version: 2.0.0
`
)

// interopFixture writes the atd, dssmodule and reporting packages: atd as a
// zip archive, the others as directories.
func interopFixture(t *testing.T) (dir string, atd, dss, reporting string) {
	t.Helper()
	dir = t.TempDir()
	atd = writePackageZip(t, filepath.Join(dir, "atd.omod"), atdDescriptor, map[string]string{
		"atdproducer/service/ATDService.class": "class ATDService",
		"messages.properties":                  "atd.title=ATD",
		"lib/bundled.jar":                      "ignored",
	})
	dss = writePackageDir(t, filepath.Join(dir, "dssmodule"), dssDescriptor, map[string]string{
		"dssmodule/util/Util.class": "class Util",
	})
	reporting = writePackageDir(t, filepath.Join(dir, "reporting"), unrelatedDescriptor, map[string]string{
		"reporting/Report.class": "class Report",
	})
	return dir, atd, dss, reporting
}

// lifecycleRecorder collects activator calls across modules.
type lifecycleRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *lifecycleRecorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *lifecycleRecorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// activator returns hooks that record "start:<id>" and "stop:<id>".
func (r *lifecycleRecorder) activator(id string) Activator {
	return ActivatorFuncs{
		OnStart: func(ctx context.Context, loader *ModuleClassLoader) error {
			r.record("start:" + id)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			r.record("stop:" + id)
			return nil
		},
	}
}

func (r *lifecycleRecorder) factory() ActivatorFactory {
	return func(desc *ModuleDescriptor) (Activator, error) {
		return r.activator(desc.ID()), nil
	}
}

// blockingActivator ignores its context and only returns from Start once
// the test finishes.
func blockingActivator(t *testing.T) Activator {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	return ActivatorFuncs{
		OnStart: func(ctx context.Context, loader *ModuleClassLoader) error {
			<-release
			return nil
		},
	}
}
