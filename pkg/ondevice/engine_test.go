package ondevice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/murmur/pkg/persistence/modelcache"
)

const tinyModel = `
name: tiny
input_width: 2
layers:
  - weights: [[1, 0], [0, 1], [1, 1]]
    bias: [0, 0, -5]
    activation: relu
  - weights: [[1, 1, 1]]
    activation: linear
`

func serveModel(t *testing.T, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func TestEngine_InferBeforeLoad(t *testing.T) {
	e := NewEngine("tiny", "", modelcache.NewInMemoryStore())
	_, err := e.Infer([]float64{1, 2})
	require.ErrorIs(t, err, ErrModelNotLoaded)
	require.False(t, e.Loaded())
	require.Equal(t, 0, e.OutputWidth())
}

func TestEngine_LoadFetchesAndPersists(t *testing.T) {
	srv, hits := serveModel(t, tinyModel)
	store := modelcache.NewInMemoryStore()
	ctx := context.Background()

	e := NewEngine("tiny", srv.URL, store)
	require.NoError(t, e.LoadModel(ctx))
	require.Equal(t, int32(1), hits.Load())
	require.Equal(t, 2, e.InputWidth())
	require.Equal(t, 1, e.OutputWidth())

	out, err := e.Infer([]float64{2, 3})
	require.NoError(t, err)
	// relu([2, 3, 0]) summed
	require.InDelta(t, 5.0, out[0], 1e-9)

	entry, ok, err := store.Get(ctx, StoreKey("tiny"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tinyModel, string(entry.Payload))

	// a second engine over the same store does not touch the network
	e2 := NewEngine("tiny", srv.URL, store)
	require.NoError(t, e2.LoadModel(ctx))
	require.Equal(t, int32(1), hits.Load())
}

func TestEngine_InputWidthMismatch(t *testing.T) {
	srv, _ := serveModel(t, tinyModel)
	e := NewEngine("tiny", srv.URL, nil)
	require.NoError(t, e.LoadModel(context.Background()))
	_, err := e.Infer([]float64{1})
	require.ErrorIs(t, err, ErrInputWidth)
}

func TestEngine_LoadFailures(t *testing.T) {
	ctx := context.Background()

	err := NewEngine("tiny", "", modelcache.NewInMemoryStore()).LoadModel(ctx)
	require.ErrorIs(t, err, ErrLoadFailed)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(failing.Close)
	err = NewEngine("tiny", failing.URL, nil).LoadModel(ctx)
	require.ErrorIs(t, err, ErrLoadFailed)

	srv, _ := serveModel(t, "name: bad\ninput_width: 2\nlayers:\n  - weights: [[1, 2, 3]]\n")
	e := NewEngine("bad", srv.URL, nil)
	err = e.LoadModel(ctx)
	require.ErrorIs(t, err, ErrLoadFailed)
	require.False(t, e.Loaded())
}

func TestEngine_InvalidFetchIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	var body atomic.Value
	body.Store("<html>sign in to continue</html>")
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	t.Cleanup(srv.Close)
	store := modelcache.NewInMemoryStore()

	err := NewEngine("tiny", srv.URL, store).LoadModel(ctx)
	require.ErrorIs(t, err, ErrLoadFailed)
	_, ok, err := store.Get(ctx, StoreKey("tiny"))
	require.NoError(t, err)
	require.False(t, ok)

	body.Store(tinyModel)
	e := NewEngine("tiny", srv.URL, store)
	require.NoError(t, e.LoadModel(ctx))
	require.Equal(t, int32(2), hits.Load())
	require.True(t, e.Loaded())
}

func TestEngine_CorruptStoredModelIsRefetched(t *testing.T) {
	ctx := context.Background()
	srv, hits := serveModel(t, tinyModel)
	store := modelcache.NewInMemoryStore()
	_, err := store.Put(ctx, modelcache.Entry{Key: StoreKey("tiny"), Payload: []byte("not a model"), InsertedAtMs: 1})
	require.NoError(t, err)

	e := NewEngine("tiny", srv.URL, store)
	require.NoError(t, e.LoadModel(ctx))
	require.Equal(t, int32(1), hits.Load())

	entry, ok, err := store.Get(ctx, StoreKey("tiny"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tinyModel, string(entry.Payload))
}

func TestEngine_LoadErrorKeepsCause(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(failing.Close)

	err := NewEngine("tiny", failing.URL, nil).LoadModel(context.Background())
	require.ErrorIs(t, err, ErrLoadFailed)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	require.Equal(t, "tiny", le.Model)
	require.Contains(t, le.Err.Error(), "status 404")
	require.True(t, strings.HasPrefix(err.Error(), `load on-device model "tiny"`))
}

func TestParseModel_JSONAndSoftmax(t *testing.T) {
	m, err := ParseModel([]byte(`{"name":"j","input_width":1,"layers":[{"weights":[[1],[1]],"bias":[0,0],"activation":"softmax"}]}`))
	require.NoError(t, err)
	out := m.Forward([]float64{3})
	require.InDelta(t, 0.5, out[0], 1e-9)
	require.InDelta(t, 0.5, out[1], 1e-9)

	_, err = ParseModel([]byte(`{"name":"j","input_width":1,"layers":[{"weights":[[1]],"activation":"gelu"}]}`))
	require.Error(t, err)
}
