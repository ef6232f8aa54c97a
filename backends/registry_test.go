package backends

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/backends/memory"
	"github.com/brettbedarf/projectfs/backends/remote"
	"github.com/brettbedarf/projectfs/config"
	"github.com/brettbedarf/projectfs/internal/mocks"
	"github.com/brettbedarf/projectfs/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedFactory(b projectfs.Backend) Factory {
	return func(context.Context, *config.Config) (projectfs.Backend, error) { return b, nil }
}

func TestRegister_FirstWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewRegistry()
	first, second := &mocks.MockBackend{}, &mocks.MockBackend{}

	r.Register(projectfs.BackendMemory, fixedFactory(first))
	r.Register(projectfs.BackendMemory, fixedFactory(second))

	f, err := r.Factory(projectfs.BackendMemory)
	require.NoError(t, err)
	b, err := f(ctx, config.NewDefaultConfig())
	require.NoError(t, err)
	assert.Same(t, first, b)
}

func TestRegister_Concurrent(t *testing.T) {
	t.Parallel()
	var wg sync.WaitGroup
	r := NewRegistry()

	for i := range 100 {
		wg.Go(func() {
			kind := projectfs.BackendKind(fmt.Sprintf("test%d", i))
			r.Register(kind, fixedFactory(nil))
			_, err := r.Factory(kind)
			assert.NoError(t, err)
		})
	}
	wg.Wait()
	assert.Len(t, r.Kinds(), 100)
}

func TestFactory_Unregistered(t *testing.T) {
	t.Parallel()
	_, err := NewRegistry().Factory(projectfs.BackendNative)
	assert.Error(t, err)
}

func TestOpen_InvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := config.NewDefaultConfig()
	cfg.Backend = projectfs.BackendNative // no root

	_, err := Default().Open(context.Background(), cfg)
	assert.Error(t, err)
}

func TestOpen_FactoryError(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	expErr := fmt.Errorf("test error")
	r.Register(projectfs.BackendMemory, func(context.Context, *config.Config) (projectfs.Backend, error) {
		return nil, expErr
	})

	_, err := r.Open(context.Background(), config.NewDefaultConfig())
	assert.Equal(t, expErr, err)
}

func TestRegisterBuiltins_Subset(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	RegisterBuiltins(r, projectfs.BackendMemory)
	assert.Equal(t, []projectfs.BackendKind{projectfs.BackendMemory}, r.Kinds())
}

func openAndProbe(t *testing.T, cfg *config.Config) projectfs.Backend {
	t.Helper()
	ctx := context.Background()
	b, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.WriteFile(ctx, projectfs.ParsePath("probe/hello.txt"), []byte("hi")))
	f, err := b.ReadFile(ctx, projectfs.ParsePath("probe/hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", f.Text())
	return b
}

func TestOpen_Memory(t *testing.T) {
	t.Parallel()
	cfg := config.NewConfig(&config.ConfigOverride{Name: util.Pointer("demo")})
	b := openAndProbe(t, cfg)
	assert.Equal(t, projectfs.BackendMemory, b.Kind())

	name, err := b.RootName(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "demo", name)
}

func TestOpen_PointerTreeMemStore(t *testing.T) {
	t.Parallel()
	cfg := config.NewConfig(&config.ConfigOverride{
		Backend:   util.Pointer(projectfs.BackendPointerTree),
		StoreName: util.Pointer("registry-" + t.Name()),
	})
	b := openAndProbe(t, cfg)
	assert.Equal(t, projectfs.BackendPointerTree, b.Kind())
}

func TestOpen_PointerTreeRedis(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	cfg := config.NewConfig(&config.ConfigOverride{
		Backend:   util.Pointer(projectfs.BackendPointerTree),
		StoreKind: util.Pointer(config.StoreRedis),
		RedisAddr: util.Pointer(mr.Addr()),
	})
	openAndProbe(t, cfg)
	assert.NotEmpty(t, mr.Keys())
}

func TestOpen_Native(t *testing.T) {
	t.Parallel()
	cfg := config.NewConfig(&config.ConfigOverride{
		Backend:      util.Pointer(projectfs.BackendNative),
		NativeRoot:   util.Pointer(t.TempDir()),
		PollInterval: util.Pointer(0.0),
	})
	b := openAndProbe(t, cfg)
	assert.True(t, b.Capabilities().Watch)
}

func TestOpen_Remote(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(remote.NewHandler(memory.New()))
	t.Cleanup(srv.Close)

	cfg := config.NewConfig(&config.ConfigOverride{
		Backend:   util.Pointer(projectfs.BackendRemote),
		RemoteURL: util.Pointer("ws" + strings.TrimPrefix(srv.URL, "http")),
	})
	b := openAndProbe(t, cfg)
	assert.Equal(t, projectfs.BackendRemote, b.Kind())
}

func TestOpenStore_Unknown(t *testing.T) {
	t.Parallel()
	cfg := config.NewDefaultConfig()
	cfg.StoreKind = "tape"
	_, err := OpenStore(context.Background(), cfg)
	assert.Error(t, err)
}
