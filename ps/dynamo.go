package ps

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dgraph-io/ristretto"

	"github.com/hupe1980/hps/table"
)

// DynamoClient is the subset of the DynamoDB API the backend uses.
// Satisfied by *dynamodb.Client; tests substitute a fake.
type DynamoClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
}

// DynamoBackendConfig configures a remote DynamoDB backing tier.
type DynamoBackendConfig struct {
	// TableName is the DynamoDB table holding the embedding rows.
	TableName string
	// Dim is the embedding vector dimension.
	Dim int
	// KeyAttribute is the numeric partition-key attribute. Default "k".
	KeyAttribute string
	// VectorAttribute is the binary attribute holding the 4-byte-float
	// vector. Default "v".
	VectorAttribute string
	// CacheMaxBytes bounds the host-side cache in front of the remote
	// store. Default 256 MiB.
	CacheMaxBytes int64
}

// DynamoBackend resolves keys against a remote DynamoDB table, with a
// host-resident admission-controlled cache absorbing repeated fetches.
type DynamoBackend struct {
	client  DynamoClient
	cfg     DynamoBackendConfig
	hostHot *ristretto.Cache
	logger  *slog.Logger
}

// NewDynamoBackend creates a remote backing tier.
func NewDynamoBackend(client DynamoClient, cfg DynamoBackendConfig, logger *slog.Logger) (*DynamoBackend, error) {
	if cfg.TableName == "" {
		return nil, fmt.Errorf("dynamo backend: table name missing")
	}
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("dynamo backend: dimension must be positive, got %d", cfg.Dim)
	}
	if cfg.KeyAttribute == "" {
		cfg.KeyAttribute = "k"
	}
	if cfg.VectorAttribute == "" {
		cfg.VectorAttribute = "v"
	}
	if cfg.CacheMaxBytes <= 0 {
		cfg.CacheMaxBytes = 256 << 20
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	rowBytes := int64(cfg.Dim * 4)
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * cfg.CacheMaxBytes / rowBytes,
		MaxCost:     cfg.CacheMaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo backend: host cache: %w", err)
	}

	return &DynamoBackend{
		client:  client,
		cfg:     cfg,
		hostHot: hot,
		logger:  logger,
	}, nil
}

// Dim returns the vector dimension.
func (b *DynamoBackend) Dim() int { return b.cfg.Dim }

// Fetch resolves a single key, consulting the host cache first.
func (b *DynamoBackend) Fetch(ctx context.Context, key int64, dst []float32) (bool, error) {
	if v, ok := b.hostHot.Get(key); ok {
		copy(dst, v.([]float32))
		return true, nil
	}

	out, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.cfg.TableName),
		Key: map[string]ddbtypes.AttributeValue{
			b.cfg.KeyAttribute: &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(key, 10)},
		},
	})
	if err != nil {
		return false, fmt.Errorf("dynamo backend: get key %d: %w", key, err)
	}
	if out.Item == nil {
		return false, nil
	}

	vec, err := b.decodeItem(out.Item)
	if err != nil {
		return false, fmt.Errorf("dynamo backend: key %d: %w", key, err)
	}
	copy(dst, vec)
	b.hostHot.Set(key, vec, int64(len(vec)*4))
	return true, nil
}

// Warm prefetches a batch of keys into the host cache with BatchGetItem,
// respecting the API's 100-key request limit.
func (b *DynamoBackend) Warm(ctx context.Context, keys []int64) error {
	const batchLimit = 100

	for start := 0; start < len(keys); start += batchLimit {
		end := start + batchLimit
		if end > len(keys) {
			end = len(keys)
		}

		reqKeys := make([]map[string]ddbtypes.AttributeValue, 0, end-start)
		for _, k := range keys[start:end] {
			if _, ok := b.hostHot.Get(k); ok {
				continue
			}
			reqKeys = append(reqKeys, map[string]ddbtypes.AttributeValue{
				b.cfg.KeyAttribute: &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(k, 10)},
			})
		}
		if len(reqKeys) == 0 {
			continue
		}

		out, err := b.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]ddbtypes.KeysAndAttributes{
				b.cfg.TableName: {Keys: reqKeys},
			},
		})
		if err != nil {
			return fmt.Errorf("dynamo backend: batch get: %w", err)
		}

		for _, item := range out.Responses[b.cfg.TableName] {
			keyAttr, ok := item[b.cfg.KeyAttribute].(*ddbtypes.AttributeValueMemberN)
			if !ok {
				continue
			}
			k, perr := strconv.ParseInt(keyAttr.Value, 10, 64)
			if perr != nil {
				continue
			}
			vec, derr := b.decodeItem(item)
			if derr != nil {
				b.logger.Warn("skipping undecodable row", "key", k, "error", derr)
				continue
			}
			b.hostHot.Set(k, vec, int64(len(vec)*4))
		}
	}
	return nil
}

func (b *DynamoBackend) decodeItem(item map[string]ddbtypes.AttributeValue) ([]float32, error) {
	attr, ok := item[b.cfg.VectorAttribute].(*ddbtypes.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("%w: missing binary attribute %q", table.ErrWrongInput, b.cfg.VectorAttribute)
	}
	if len(attr.Value) != b.cfg.Dim*4 {
		return nil, fmt.Errorf("%w: vector is %d bytes, want %d", table.ErrWrongInput, len(attr.Value), b.cfg.Dim*4)
	}

	vec := make([]float32, b.cfg.Dim)
	src := attr.Value
	for i := range vec {
		bits := uint32(src[i*4]) | uint32(src[i*4+1])<<8 | uint32(src[i*4+2])<<16 | uint32(src[i*4+3])<<24
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}

// Close releases the host cache.
func (b *DynamoBackend) Close() error {
	b.hostHot.Close()
	return nil
}
