package modloader

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loaderChain builds started loaders for dssmodule and atd (atd -> dssmodule)
// plus an unrelated reporting module.
func loaderChain(t *testing.T) (atd, dss, reporting *ModuleClassLoader) {
	t.Helper()
	dss = newModuleClassLoader(memPackage(t, mustDescriptor(t, "dssmodule", "1.44.0"),
		"dssmodule/util/Util.class", "dssmodule/util/Strings.class", "dss.properties"), nil)
	atd = newModuleClassLoader(memPackage(t, mustDescriptor(t, "atd", "0.51.0", Requires("dssmodule", ">=1.44")),
		"atdproducer/service/ATDService.class", "messages.properties"), []*ModuleClassLoader{dss})
	reporting = newModuleClassLoader(memPackage(t, mustDescriptor(t, "reporting", "2.0.0"),
		"reporting/Report.class"), nil)
	return atd, dss, reporting
}

func TestClassLoaderResolvesOwnSymbols(t *testing.T) {
	atd, _, _ := loaderChain(t)

	sym, err := atd.Resolve("atdproducer.service.ATDService")
	require.NoError(t, err)
	assert.Equal(t, "atd", sym.Owner())
	assert.Same(t, atd, sym.Loader())
	assert.Equal(t, EntrySymbol, sym.Kind())

	content, err := sym.Content()
	require.NoError(t, err)
	assert.Equal(t, "atdproducer/service/ATDService.class", string(content))
}

func TestClassLoaderDelegatesToDependencies(t *testing.T) {
	atd, dss, _ := loaderChain(t)

	viaAtd, err := atd.Resolve("dssmodule.util.Util")
	require.NoError(t, err)
	assert.Equal(t, "dssmodule", viaAtd.Owner())

	direct, err := dss.Resolve("dssmodule.util.Util")
	require.NoError(t, err)
	assert.Same(t, direct, viaAtd, "a delegated lookup returns the owner's symbol")
}

func TestClassLoaderIsolation(t *testing.T) {
	atd, dss, reporting := loaderChain(t)

	_, err := dss.Resolve("atdproducer.service.ATDService")
	assert.ErrorIs(t, err, ErrSymbolNotFound, "dependencies cannot see their dependents")

	_, err = reporting.Resolve("dssmodule.util.Util")
	assert.ErrorIs(t, err, ErrSymbolNotFound, "undeclared modules are invisible")

	_, err = atd.Resolve("reporting.Report")
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	assert.False(t, reporting.CanSee("atdproducer.service.ATDService"))
	assert.True(t, atd.CanSee("dssmodule.util.Strings"))
}

func TestClassLoaderTransitiveVisibility(t *testing.T) {
	c := newModuleClassLoader(memPackage(t, mustDescriptor(t, "c", "1.0.0"), "c/Base.class"), nil)
	b := newModuleClassLoader(memPackage(t, mustDescriptor(t, "b", "1.0.0", Requires("c", "")), "b/Mid.class"), []*ModuleClassLoader{c})
	a := newModuleClassLoader(memPackage(t, mustDescriptor(t, "a", "1.0.0", Requires("b", "")), "a/Top.class"), []*ModuleClassLoader{b})

	sym, err := a.Resolve("c.Base")
	require.NoError(t, err)
	assert.Equal(t, "c", sym.Owner())
}

func TestClassLoaderDeclarationOrder(t *testing.T) {
	first := newModuleClassLoader(memPackage(t, mustDescriptor(t, "first", "1.0.0"), "shared/Thing.class"), nil)
	second := newModuleClassLoader(memPackage(t, mustDescriptor(t, "second", "1.0.0"), "shared/Thing.class"), nil)

	ab := newModuleClassLoader(memPackage(t, mustDescriptor(t, "ab", "1.0.0")), []*ModuleClassLoader{first, second})
	ba := newModuleClassLoader(memPackage(t, mustDescriptor(t, "ba", "1.0.0")), []*ModuleClassLoader{second, first})

	res := ab.Lookup("shared.Thing")
	require.True(t, res.Found())
	assert.Equal(t, "first", res.Owner())

	res = ba.Lookup("shared.Thing")
	require.True(t, res.Found())
	assert.Equal(t, "second", res.Owner())
}

func TestClassLoaderLocalShadowsDependency(t *testing.T) {
	dep := newModuleClassLoader(memPackage(t, mustDescriptor(t, "dep", "1.0.0"), "shared/Thing.class"), nil)
	own := newModuleClassLoader(memPackage(t, mustDescriptor(t, "own", "1.0.0"), "shared/Thing.class"), []*ModuleClassLoader{dep})

	sym, err := own.Resolve("shared.Thing")
	require.NoError(t, err)
	assert.Equal(t, "own", sym.Owner())
}

func TestClassLoaderCachesResults(t *testing.T) {
	atd, _, _ := loaderChain(t)

	first, err := atd.Resolve("dssmodule.util.Util")
	require.NoError(t, err)
	second, err := atd.Resolve("dssmodule.util.Util")
	require.NoError(t, err)
	assert.Same(t, first, second)

	miss := atd.Lookup("missing.Type")
	assert.Equal(t, NotFound, miss.Status)
	assert.Equal(t, "", miss.Owner())
	assert.Nil(t, miss.Symbol)
	assert.Equal(t, NotFound, atd.Lookup("missing.Type").Status)
}

func TestClassLoaderConcurrentResolution(t *testing.T) {
	atd, dss, _ := loaderChain(t)
	names := []string{"dssmodule.util.Util", "dssmodule.util.Strings", "atdproducer.service.ATDService", "missing.Type"}

	const workers = 32
	results := make([][]*Symbol, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			loader := atd
			if w%2 == 1 {
				loader = dss
			}
			for _, name := range names {
				sym, _ := loader.Resolve(name)
				if loader == atd {
					results[w] = append(results[w], sym)
				}
			}
		}()
	}
	wg.Wait()

	for w := 0; w < workers; w += 2 {
		require.Len(t, results[w], len(names))
		for i := range names {
			assert.Same(t, results[0][i], results[w][i], names[i])
		}
	}
	assert.Nil(t, results[0][3])

	util, err := dss.Resolve("dssmodule.util.Util")
	require.NoError(t, err)
	assert.Same(t, util, results[0][0])
}

func TestClassLoaderResources(t *testing.T) {
	atd, _, _ := loaderChain(t)

	res, err := atd.FindResource("dss.properties")
	require.NoError(t, err)
	assert.Equal(t, "dssmodule", res.Owner())
	assert.Equal(t, EntryResource, res.Kind())

	_, err = atd.Resolve("messages.properties")
	assert.ErrorIs(t, err, ErrSymbolNotFound, "resources are not symbols")

	_, err = atd.FindResource("atdproducer.service.ATDService")
	assert.ErrorIs(t, err, ErrSymbolNotFound, "symbols are not resources")
}

func TestClassLoaderDiscarded(t *testing.T) {
	atd, dss, _ := loaderChain(t)

	loaded, err := dss.Resolve("dssmodule.util.Util")
	require.NoError(t, err)
	_, err = loaded.Content()
	require.NoError(t, err)
	notLoaded, err := dss.Resolve("dssmodule.util.Strings")
	require.NoError(t, err)

	dss.discard()
	require.NoError(t, dss.Package().Close())

	assert.True(t, dss.Discarded())
	_, err = dss.Resolve("dssmodule.util.Util")
	assert.ErrorIs(t, err, ErrModuleNotStarted)

	res := dss.Lookup("dssmodule.util.Util")
	assert.Equal(t, Unavailable, res.Status, "a stopped module is not the same as a missing name")
	assert.Equal(t, "unavailable", res.Status.String())
	assert.False(t, res.Found())
	assert.False(t, dss.CanSee("dssmodule.util.Util"))

	content, err := loaded.Content()
	require.NoError(t, err, "content read before shutdown stays available")
	assert.NotEmpty(t, content)

	_, err = notLoaded.Content()
	assert.ErrorIs(t, err, ErrPackageClosed)

	assert.Len(t, atd.Dependencies(), 1)
	assert.Equal(t, "ModuleClassLoader(atd@0.51.0)", atd.String())
}
