package table

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/hupe1980/hps/blobstore"
	"github.com/hupe1980/hps/internal/conv"
	"github.com/hupe1980/hps/internal/mmap"
)

const (
	keyFileName    = "key"
	vectorFileName = "emb_vector"
	metaFileName   = "meta"

	// mockPrefix marks a synthetic table path: "mock_<numkey>_<dim>".
	mockPrefix = "mock_"

	// mockSegmentName is the shared-memory object backing all mock tables.
	mockSegmentName = "SAMG_FEAT_SHM"

	// mockAlign pads the shared segment to a 2 MiB boundary.
	mockAlign = 0x200000

	// EnvMockEmptyFeat forces the mock mapping down to 2^n keys, so cache
	// eviction can be exercised under a constrained footprint without a
	// multi-gigabyte fixture.
	EnvMockEmptyFeat = "HPS_MOCK_EMPTY_FEAT"
)

// Loader reads persisted embedding tables into memory.
type Loader struct {
	store  blobstore.BlobStore
	logger *slog.Logger
}

// NewLoader creates a Loader reading through the given store. A nil store
// defaults to the local filesystem; a nil logger discards output.
func NewLoader(store blobstore.BlobStore, logger *slog.Logger) *Loader {
	if store == nil {
		store = blobstore.NewLocalStore("")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loader{store: store, logger: logger}
}

// Load reads the table at dir. dim is the configured vector dimension; zero
// means infer from the file sizes. longLong selects the 8-byte key
// representation; otherwise keys are narrowed to uint32 with a checked
// conversion.
//
// A dir of the form "mock_<numkey>_<dim>" loads a synthetic shared-memory
// table instead.
func (l *Loader) Load(ctx context.Context, tableName, dir string, dim int, longLong bool) (Table, error) {
	if strings.HasPrefix(path.Base(dir), mockPrefix) {
		return l.loadMock(tableName, path.Base(dir))
	}

	keyBytes, err := readTableFile(ctx, l.store, path.Join(dir, keyFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: table %q: key file: %w", ErrWrongInput, tableName, err)
	}
	vecBytes, err := readTableFile(ctx, l.store, path.Join(dir, vectorFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: table %q: emb_vector file: %w", ErrWrongInput, tableName, err)
	}

	if len(keyBytes)%8 != 0 {
		return nil, fmt.Errorf("%w: table %q: key file size %d is not a multiple of 8",
			ErrWrongInput, tableName, len(keyBytes))
	}
	if len(vecBytes)%4 != 0 {
		return nil, fmt.Errorf("%w: table %q: emb_vector file size %d is not a multiple of 4",
			ErrWrongInput, tableName, len(vecBytes))
	}

	rawKeys := int64View(keyBytes)
	keyCount := len(keyBytes) / 8
	numFloats := len(vecBytes) / 4

	if dim <= 0 {
		if keyCount == 0 {
			return nil, fmt.Errorf("%w: table %q: empty table with unknown dimension", ErrWrongInput, tableName)
		}
		dim = numFloats / keyCount
	}
	if dim <= 0 || numFloats != keyCount*dim {
		return nil, fmt.Errorf("%w: table %q: %d floats for %d keys with dim %d",
			ErrWrongInput, tableName, numFloats, keyCount, dim)
	}

	// Optional per-key auxiliary metadata.
	var meta []float32
	metaBytes, err := readTableFile(ctx, l.store, path.Join(dir, metaFileName))
	switch {
	case err == nil:
		meta = floatView(metaBytes)
	case errors.Is(err, blobstore.ErrNotFound):
		// fine, meta is optional
	default:
		return nil, fmt.Errorf("%w: table %q: meta file: %w", ErrWrongInput, tableName, err)
	}

	vectors := floatView(vecBytes)

	var t Table
	if longLong {
		t, err = buildWide(tableName, dim, rawKeys, vectors, meta)
	} else {
		t, err = buildNarrow(tableName, dim, rawKeys, vectors, meta)
	}
	if err != nil {
		return nil, err
	}

	l.logger.Info("loaded embedding table",
		"table", tableName,
		"keys", keyCount,
		"dim", dim,
		"longlong", longLong,
	)
	return t, nil
}

func buildWide(name string, dim int, rawKeys []int64, vectors, meta []float32) (Table, error) {
	index := make(map[int64]int, len(rawKeys))
	for row, k := range rawKeys {
		index[k] = row
	}
	return &EmbeddingTable[int64]{
		name:    name,
		dim:     dim,
		keys:    rawKeys,
		vectors: vectors,
		meta:    meta,
		index:   index,
	}, nil
}

func buildNarrow(name string, dim int, rawKeys []int64, vectors, meta []float32) (Table, error) {
	keys := make([]uint32, len(rawKeys))
	index := make(map[int64]int, len(rawKeys))
	for row, k := range rawKeys {
		nk, err := conv.Int64ToUint32(k)
		if err != nil {
			return nil, fmt.Errorf("%w: table %q: key at row %d: %w", ErrWrongInput, name, row, err)
		}
		keys[row] = nk
		index[int64(nk)] = row
	}
	return &EmbeddingTable[uint32]{
		name:    name,
		dim:     dim,
		keys:    keys,
		vectors: vectors,
		meta:    meta,
		index:   index,
	}, nil
}

// loadMock allocates the shared-memory backed synthetic table.
func (l *Loader) loadMock(tableName, marker string) (Table, error) {
	numKey, dim, err := parseMockMarker(marker)
	if err != nil {
		return nil, err
	}

	vecBytes := 4 * numKey * dim
	if env := os.Getenv(EnvMockEmptyFeat); env != "" {
		n, perr := strconv.ParseUint(env, 10, 6)
		if perr != nil {
			return nil, fmt.Errorf("%w: %s=%q: %w", ErrWrongInput, EnvMockEmptyFeat, env, perr)
		}
		vecBytes = 4 * (1 << n) * dim
		l.logger.Warn("mock table footprint forced by environment",
			"table", tableName,
			"keys", 1<<n,
		)
	}

	padded := (vecBytes + mockAlign - 1) &^ (mockAlign - 1)
	seg, err := mmap.OpenShared(mockSegmentName, padded)
	if err != nil {
		return nil, fmt.Errorf("%w: mock table %q: %w", ErrResource, tableName, err)
	}

	rows := vecBytes / (4 * dim)
	if rows == 0 {
		seg.Close()
		return nil, fmt.Errorf("%w: mock table %q: footprint smaller than one row", ErrResource, tableName)
	}

	l.logger.Warn("using mock embedding table",
		"table", tableName,
		"keys", numKey,
		"dim", dim,
		"mapped_rows", rows,
	)

	return &mockTable{
		name:     tableName,
		dim:      dim,
		keyCount: numKey,
		rows:     rows,
		seg:      seg,
		floats:   floatView(seg.Bytes())[:rows*dim],
	}, nil
}

// parseMockMarker extracts the key count and dimension embedded in a
// "mock_<numkey>_<dim>" path element.
func parseMockMarker(marker string) (numKey, dim int, err error) {
	first := strings.Index(marker, "_")
	last := strings.LastIndex(marker, "_")
	if first < 0 || last <= first {
		return 0, 0, fmt.Errorf("%w: malformed mock table marker %q", ErrWrongInput, marker)
	}

	nk, err := strconv.ParseUint(marker[first+1:last], 10, 63)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: mock marker %q: key count: %w", ErrWrongInput, marker, err)
	}
	d, err := strconv.ParseUint(marker[last+1:], 10, 31)
	if err != nil || d == 0 {
		return 0, 0, fmt.Errorf("%w: mock marker %q: dimension", ErrWrongInput, marker)
	}
	return int(nk), int(d), nil
}

// DeleteTable releases the table's sequences. For mock tables the
// shared-memory object is unmapped and unlinked as a separate step so the
// mapping is never leaked.
func (l *Loader) DeleteTable(t Table) error {
	if t == nil {
		return nil
	}
	err := t.Close()
	if mt, ok := t.(*mockTable); ok {
		err = errors.Join(err, mt.seg.Unlink())
	}
	return err
}
