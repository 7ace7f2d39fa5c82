// Package config parses and validates the hierarchy configuration file.
//
// The configuration is a JSON document declaring, per deployed model, the
// sparse embedding files, table geometry, and fast-tier cache tuning. It is
// parsed exactly once per process at facade initialization; a malformed
// configuration is fatal and never retried.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrInvalid is the root cause of all configuration validation failures.
var ErrInvalid = errors.New("invalid hierarchy configuration")

// Config is the top-level hierarchy configuration.
type Config struct {
	// SupportLongLong selects the 8-byte key representation. When false,
	// keys are narrowed to 4 bytes at load with a checked conversion.
	SupportLongLong bool `json:"supportlonglong"`

	Models []Model `json:"models"`
}

// Model declares one deployed model and its embedding tables.
type Model struct {
	Name string `json:"model"`

	// SparseFiles holds one path per embedding table. A path is either a
	// directory containing the flat "key"/"emb_vector" files or a synthetic
	// table marker of the form "mock_<numkey>_<dim>".
	SparseFiles []string `json:"sparse_files"`

	// EmbeddingTableNames names each table; parallel to SparseFiles.
	EmbeddingTableNames []string `json:"embedding_table_names"`

	// EmbeddingVecSizes is the vector dimension per table.
	EmbeddingVecSizes []int `json:"embedding_vecsize_per_table"`

	// MaxNumCatFeatures is the maximum keys queried per sample per table.
	MaxNumCatFeatures []int `json:"maxnum_catfeature_query_per_table_per_sample"`

	// DefaultValues is the fill value per table for keys absent from the
	// table. Optional; missing entries default to 0.
	DefaultValues []float32 `json:"default_value_for_each_table"`

	// DeployedDeviceList lists the device replicas serving this model.
	DeployedDeviceList []int `json:"deployed_device_list"`

	MaxBatchSize int `json:"max_batch_size"`

	// CacheRefreshPercentagePerIteration is the fraction of the fast tier
	// refreshed per eviction iteration, in [0, 1].
	CacheRefreshPercentagePerIteration float64 `json:"cache_refresh_percentage_per_iteration"`

	// HitRateThreshold relaxes the refresh cadence once the sliding-window
	// hit rate exceeds it, in [0, 1].
	HitRateThreshold float64 `json:"hit_rate_threshold"`

	// GPUCache enables the capacity-bounded fast tier.
	GPUCache bool `json:"gpucache"`

	// GPUCachePercentage is the fast-tier capacity as a fraction of the
	// table's key count, in (0, 1].
	GPUCachePercentage float64 `json:"gpucacheper"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %w", ErrInvalid, path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads and validates a configuration document.
func Parse(r io.Reader) (*Config, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural consistency of the configuration.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("%w: no models declared", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(c.Models))
	for i := range c.Models {
		m := &c.Models[i]
		if err := m.validate(); err != nil {
			return err
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("%w: duplicate model name %q", ErrInvalid, m.Name)
		}
		seen[m.Name] = struct{}{}
	}
	return nil
}

func (m *Model) validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: model name missing", ErrInvalid)
	}
	n := len(m.SparseFiles)
	if n == 0 {
		return fmt.Errorf("%w: model %q declares no sparse files", ErrInvalid, m.Name)
	}
	if len(m.EmbeddingTableNames) != n {
		return fmt.Errorf("%w: model %q: %d tables named for %d sparse files",
			ErrInvalid, m.Name, len(m.EmbeddingTableNames), n)
	}
	if len(m.EmbeddingVecSizes) != n {
		return fmt.Errorf("%w: model %q: %d vector sizes for %d tables",
			ErrInvalid, m.Name, len(m.EmbeddingVecSizes), n)
	}
	for i, d := range m.EmbeddingVecSizes {
		if d <= 0 {
			return fmt.Errorf("%w: model %q table %d: vector size %d", ErrInvalid, m.Name, i, d)
		}
	}
	if len(m.MaxNumCatFeatures) != 0 && len(m.MaxNumCatFeatures) != n {
		return fmt.Errorf("%w: model %q: %d max-feature counts for %d tables",
			ErrInvalid, m.Name, len(m.MaxNumCatFeatures), n)
	}
	if len(m.DefaultValues) != 0 && len(m.DefaultValues) != n {
		return fmt.Errorf("%w: model %q: %d default values for %d tables",
			ErrInvalid, m.Name, len(m.DefaultValues), n)
	}
	if m.MaxBatchSize <= 0 {
		return fmt.Errorf("%w: model %q: max_batch_size must be positive", ErrInvalid, m.Name)
	}
	if len(m.DeployedDeviceList) == 0 {
		return fmt.Errorf("%w: model %q: deployed_device_list is empty", ErrInvalid, m.Name)
	}
	if m.CacheRefreshPercentagePerIteration < 0 || m.CacheRefreshPercentagePerIteration > 1 {
		return fmt.Errorf("%w: model %q: cache_refresh_percentage_per_iteration %v outside [0, 1]",
			ErrInvalid, m.Name, m.CacheRefreshPercentagePerIteration)
	}
	if m.HitRateThreshold < 0 || m.HitRateThreshold > 1 {
		return fmt.Errorf("%w: model %q: hit_rate_threshold %v outside [0, 1]",
			ErrInvalid, m.Name, m.HitRateThreshold)
	}
	if m.GPUCache && (m.GPUCachePercentage <= 0 || m.GPUCachePercentage > 1) {
		return fmt.Errorf("%w: model %q: gpucacheper %v outside (0, 1]",
			ErrInvalid, m.Name, m.GPUCachePercentage)
	}
	return nil
}

// NumTables returns the number of embedding tables the model deploys.
func (m *Model) NumTables() int {
	return len(m.SparseFiles)
}

// DefaultValue returns the fill value for keys missing from table i.
func (m *Model) DefaultValue(i int) float32 {
	if i < 0 || i >= len(m.DefaultValues) {
		return 0
	}
	return m.DefaultValues[i]
}

// MaxKeysPerTable returns the largest batch of keys a single lookup may carry
// for table i: max_batch_size times the per-sample feature count.
func (m *Model) MaxKeysPerTable(i int) int {
	perSample := 1
	if i >= 0 && i < len(m.MaxNumCatFeatures) && m.MaxNumCatFeatures[i] > 0 {
		perSample = m.MaxNumCatFeatures[i]
	}
	return m.MaxBatchSize * perSample
}

// FixMultiWorker narrows each model's device list to the local replica. In a
// multi-worker deployment every worker process parses the same configuration
// file; after this call the worker serves only its own device.
func (c *Config) FixMultiWorker(replicaID int) {
	for i := range c.Models {
		c.Models[i].DeployedDeviceList = []int{replicaID}
	}
}

// Model returns the named model declaration, or nil.
func (c *Config) Model(name string) *Model {
	for i := range c.Models {
		if c.Models[i].Name == name {
			return &c.Models[i]
		}
	}
	return nil
}
