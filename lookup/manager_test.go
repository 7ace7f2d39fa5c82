package lookup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/hps/blobstore"
	"github.com/hupe1980/hps/config"
	"github.com/hupe1980/hps/table"
)

// countingStore counts blob opens so tests can assert tables are loaded
// exactly once.
type countingStore struct {
	blobstore.BlobStore
	opens atomic.Int64
}

func (c *countingStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	c.opens.Add(1)
	return c.BlobStore.Open(ctx, name)
}

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hierarchy.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func testFixture(t *testing.T, gpuCache bool, gpuCachePer float64) (blobstore.BlobStore, string) {
	t.Helper()
	store := blobstore.NewMemoryStore()
	w := table.NewWriter(store, table.CompressionNone)
	require.NoError(t, w.WriteTable(context.Background(), "models/t0",
		[]int64{5, 9, 12}, []float32{1, 1, 2, 2, 3, 3}, 2))

	doc := fmt.Sprintf(`{
  "supportlonglong": true,
  "models": [
    {
      "model": "dlrm",
      "sparse_files": ["models/t0"],
      "embedding_table_names": ["sparse0"],
      "embedding_vecsize_per_table": [2],
      "maxnum_catfeature_query_per_table_per_sample": [4],
      "default_value_for_each_table": [0.5],
      "deployed_device_list": [0],
      "max_batch_size": 8,
      "cache_refresh_percentage_per_iteration": 0.5,
      "hit_rate_threshold": 0.9,
      "gpucache": %t,
      "gpucacheper": %g
    }
  ]
}`, gpuCache, gpuCachePer)
	return store, writeConfig(t, doc)
}

// multiTableFixture deploys two models with three tables total, each with
// distinct dimensions and vectors.
func multiTableFixture(t *testing.T) (blobstore.BlobStore, string) {
	t.Helper()
	store := blobstore.NewMemoryStore()
	w := table.NewWriter(store, table.CompressionNone)
	require.NoError(t, w.WriteTable(context.Background(), "models/t0",
		[]int64{5, 9}, []float32{1, 1, 2, 2}, 2))
	require.NoError(t, w.WriteTable(context.Background(), "models/t1",
		[]int64{7}, []float32{4, 5, 6}, 3))
	require.NoError(t, w.WriteTable(context.Background(), "models/wide0",
		[]int64{11}, []float32{8, 9}, 2))

	doc := `{
  "supportlonglong": true,
  "models": [
    {
      "model": "dlrm",
      "sparse_files": ["models/t0", "models/t1"],
      "embedding_table_names": ["sparse0", "sparse1"],
      "embedding_vecsize_per_table": [2, 3],
      "maxnum_catfeature_query_per_table_per_sample": [4, 4],
      "default_value_for_each_table": [0.5, 0.5],
      "deployed_device_list": [0],
      "max_batch_size": 8,
      "cache_refresh_percentage_per_iteration": 0.5,
      "hit_rate_threshold": 0.9,
      "gpucache": true,
      "gpucacheper": 1.0
    },
    {
      "model": "wdl",
      "sparse_files": ["models/wide0"],
      "embedding_table_names": ["wide0"],
      "embedding_vecsize_per_table": [2],
      "maxnum_catfeature_query_per_table_per_sample": [4],
      "default_value_for_each_table": [0.25],
      "deployed_device_list": [0],
      "max_batch_size": 8,
      "cache_refresh_percentage_per_iteration": 0.5,
      "hit_rate_threshold": 0.9,
      "gpucache": false,
      "gpucacheper": 0
    }
  ]
}`
	return store, writeConfig(t, doc)
}

func TestManagerInitAndForward(t *testing.T) {
	store, cfgPath := testFixture(t, true, 0.5)
	m := NewManager(nil, store, nil)
	defer m.Shutdown()

	require.False(t, m.Ready())
	require.NoError(t, m.Init(context.Background(), 0, cfgPath, 8, 1))
	require.True(t, m.Ready())

	out := make([]float32, 4)
	require.NoError(t, m.Forward(context.Background(), "dlrm", 0, 0, []int64{9, 5}, out))
	require.Equal(t, []float32{2, 2, 1, 1}, out)
	require.Equal(t, uint64(1), m.Steps(0))
}

func TestManagerInitMultiTable(t *testing.T) {
	store, cfgPath := multiTableFixture(t)
	m := NewManager(nil, store, nil)
	defer m.Shutdown()
	require.NoError(t, m.Init(context.Background(), 0, cfgPath, 8, 1))

	// Every table must land on its own deploy slot with its own geometry.
	out2 := make([]float32, 2)
	require.NoError(t, m.Forward(context.Background(), "dlrm", 0, 0, []int64{9}, out2))
	require.Equal(t, []float32{2, 2}, out2)

	out3 := make([]float32, 3)
	require.NoError(t, m.Forward(context.Background(), "dlrm", 1, 0, []int64{7}, out3))
	require.Equal(t, []float32{4, 5, 6}, out3)

	require.NoError(t, m.Forward(context.Background(), "wdl", 0, 0, []int64{11}, out2))
	require.Equal(t, []float32{8, 9}, out2)

	// Missing keys fill with the owning table's default, not a neighbor's.
	require.NoError(t, m.Forward(context.Background(), "wdl", 0, 0, []int64{999}, out2))
	require.Equal(t, []float32{0.25, 0.25}, out2)
}

func TestManagerForwardRepeatedKeys(t *testing.T) {
	store, cfgPath := testFixture(t, true, 0.5)
	m := NewManager(nil, store, nil)
	defer m.Shutdown()
	require.NoError(t, m.Init(context.Background(), 0, cfgPath, 8, 1))

	out := make([]float32, 8)
	require.NoError(t, m.Forward(context.Background(), "dlrm", 0, 0, []int64{12, 5, 12, 12}, out))
	require.Equal(t, []float32{3, 3, 1, 1, 3, 3, 3, 3}, out)
}

func TestManagerForwardDefaultFill(t *testing.T) {
	store, cfgPath := testFixture(t, false, 0)
	m := NewManager(nil, store, nil)
	defer m.Shutdown()
	require.NoError(t, m.Init(context.Background(), 0, cfgPath, 8, 1))

	out := make([]float32, 2)
	require.NoError(t, m.Forward(context.Background(), "dlrm", 0, 0, []int64{404}, out))
	require.Equal(t, []float32{0.5, 0.5}, out)
}

func TestManagerConstrainedFastTier(t *testing.T) {
	// gpucacheper 0.1 of 3 keys rounds up to a single-vector fast tier.
	store, cfgPath := testFixture(t, true, 0.1)
	m := NewManager(nil, store, nil)
	defer m.Shutdown()
	require.NoError(t, m.Init(context.Background(), 0, cfgPath, 8, 1))

	out := make([]float32, 2)
	for _, k := range []int64{5, 9, 12} {
		require.NoError(t, m.Forward(context.Background(), "dlrm", 0, 0, []int64{k}, out))
	}
	require.NoError(t, m.Forward(context.Background(), "dlrm", 0, 0, []int64{5}, out))
	require.Equal(t, []float32{1, 1}, out)
}

func TestManagerInitConcurrent(t *testing.T) {
	mem, cfgPath := testFixture(t, true, 0.5)
	store := &countingStore{BlobStore: mem}
	m := NewManager(nil, store, nil)
	defer m.Shutdown()

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Init(context.Background(), 0, cfgPath, 8, 1)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}
	require.True(t, m.Ready())

	// One key file, one emb_vector file, and the optional meta probes
	// (plain plus compressed variants). A second load would double this.
	require.LessOrEqual(t, store.opens.Load(), int64(5))
}

func TestManagerInitFailureIsTerminal(t *testing.T) {
	cfgPath := writeConfig(t, `{"models": []}`)
	m := NewManager(nil, blobstore.NewMemoryStore(), nil)

	err := m.Init(context.Background(), 0, cfgPath, 8, 1)
	require.ErrorIs(t, err, config.ErrInvalid)
	require.False(t, m.Ready())

	// A failed initialization replays its error; it is never retried.
	err2 := m.Init(context.Background(), 0, cfgPath, 8, 1)
	require.ErrorIs(t, err2, config.ErrInvalid)
	require.False(t, m.Ready())
}

func TestManagerInitMissingTable(t *testing.T) {
	_, cfgPath := testFixture(t, false, 0)
	m := NewManager(nil, blobstore.NewMemoryStore(), nil) // empty store

	err := m.Init(context.Background(), 0, cfgPath, 8, 1)
	require.ErrorIs(t, err, table.ErrWrongInput)
	require.False(t, m.Ready())
}

func TestManagerForwardBeforeInit(t *testing.T) {
	m := NewManager(nil, blobstore.NewMemoryStore(), nil)

	out := make([]float32, 2)
	err := m.Forward(context.Background(), "dlrm", 0, 0, []int64{5}, out)
	require.ErrorIs(t, err, ErrNotReady)

	_, err = m.ReportAvg()
	require.ErrorIs(t, err, ErrNotReady)
	_, err = m.ReportCacheIntersect()
	require.ErrorIs(t, err, ErrNotReady)
}

func TestManagerForwardUnknownTargets(t *testing.T) {
	store, cfgPath := testFixture(t, false, 0)
	m := NewManager(nil, store, nil)
	defer m.Shutdown()
	require.NoError(t, m.Init(context.Background(), 0, cfgPath, 8, 1))

	out := make([]float32, 2)
	require.ErrorIs(t, m.Forward(context.Background(), "nope", 0, 0, []int64{5}, out), ErrUnknownModel)
	require.ErrorIs(t, m.Forward(context.Background(), "dlrm", 9, 0, []int64{5}, out), ErrUnknownModel)
	require.ErrorIs(t, m.Forward(context.Background(), "dlrm", 0, 3, []int64{5}, out), ErrUnknownModel)
}

func TestManagerForwardBadBatch(t *testing.T) {
	store, cfgPath := testFixture(t, false, 0)
	m := NewManager(nil, store, nil)
	defer m.Shutdown()
	require.NoError(t, m.Init(context.Background(), 0, cfgPath, 8, 1))

	out := make([]float32, 3) // not a multiple of dim 2
	err := m.Forward(context.Background(), "dlrm", 0, 0, []int64{5, 9}, out)
	require.ErrorIs(t, err, ErrBadBatch)
}

func TestManagerReports(t *testing.T) {
	store, cfgPath := testFixture(t, true, 0.5)
	m := NewManager(nil, store, nil)
	defer m.Shutdown()
	require.NoError(t, m.Init(context.Background(), 0, cfgPath, 8, 1))

	out := make([]float32, 2)
	require.NoError(t, m.Forward(context.Background(), "dlrm", 0, 0, []int64{5}, out))
	require.NoError(t, m.Forward(context.Background(), "dlrm", 0, 0, []int64{5}, out))

	avg, err := m.ReportAvg()
	require.NoError(t, err)
	require.Contains(t, avg, "cache-copy time")
	require.Contains(t, avg, "samples=2")

	intersect, err := m.ReportCacheIntersect()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(intersect, "dlrm/0:"))
	require.Contains(t, intersect, "hit_union=1")
}

func TestManagerForwardConcurrentOversized(t *testing.T) {
	// The fixture's session buffer holds max_batch_size*maxnum = 32 keys, so
	// a 40-key batch grows it. Concurrent callers on the same replica share
	// one session; growth must stay consistent under contention.
	store, cfgPath := testFixture(t, false, 0)
	m := NewManager(nil, store, nil)
	defer m.Shutdown()
	require.NoError(t, m.Init(context.Background(), 0, cfgPath, 8, 1))

	keys := make([]int64, 40)
	want := make([]float32, 80)
	for i := range keys {
		if i%2 == 0 {
			keys[i] = 5
			want[2*i], want[2*i+1] = 1, 1
		} else {
			keys[i] = 404
			want[2*i], want[2*i+1] = 0.5, 0.5
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	outs := make([][]float32, len(errs))
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = make([]float32, len(want))
			errs[i] = m.Forward(context.Background(), "dlrm", 0, 0, keys, outs[i])
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i], "caller %d", i)
		require.Equal(t, want, outs[i], "caller %d", i)
	}
}

func TestManagerShutdown(t *testing.T) {
	store, cfgPath := testFixture(t, true, 0.5)
	m := NewManager(nil, store, nil)
	require.NoError(t, m.Init(context.Background(), 0, cfgPath, 8, 1))

	require.NoError(t, m.Shutdown())

	// Shutdown on a never-initialized manager is a no-op.
	require.NoError(t, NewManager(nil, nil, nil).Shutdown())
}

func TestManagerForwardAfterShutdown(t *testing.T) {
	store, cfgPath := testFixture(t, true, 0.5)
	m := NewManager(nil, store, nil)
	require.NoError(t, m.Init(context.Background(), 0, cfgPath, 8, 1))

	out := make([]float32, 2)
	require.NoError(t, m.Forward(context.Background(), "dlrm", 0, 0, []int64{5}, out))
	require.NoError(t, m.Shutdown())

	// A closed manager refuses forwards and reports instead of surfacing
	// confusing unknown-table errors from the torn-down server.
	require.False(t, m.Ready())
	require.ErrorIs(t, m.Forward(context.Background(), "dlrm", 0, 0, []int64{5}, out), ErrNotReady)
	_, err := m.ReportAvg()
	require.ErrorIs(t, err, ErrNotReady)
	_, err = m.ReportCacheIntersect()
	require.ErrorIs(t, err, ErrNotReady)

	// Shutdown is idempotent.
	require.NoError(t, m.Shutdown())
}
