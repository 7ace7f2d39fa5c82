package ps

import (
	"context"
	"encoding/binary"
	"math"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	rows     map[int64][]float32
	getCalls atomic.Int64
}

func encodeVector(vec []float32) []byte {
	b := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func (f *fakeDynamo) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.getCalls.Add(1)
	keyAttr := params.Key["k"].(*ddbtypes.AttributeValueMemberN)
	key, err := strconv.ParseInt(keyAttr.Value, 10, 64)
	if err != nil {
		return nil, err
	}
	vec, ok := f.rows[key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{
		Item: map[string]ddbtypes.AttributeValue{
			"k": keyAttr,
			"v": &ddbtypes.AttributeValueMemberB{Value: encodeVector(vec)},
		},
	}, nil
}

func (f *fakeDynamo) BatchGetItem(_ context.Context, params *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	out := &dynamodb.BatchGetItemOutput{
		Responses: make(map[string][]map[string]ddbtypes.AttributeValue),
	}
	for tableName, kaa := range params.RequestItems {
		for _, keyMap := range kaa.Keys {
			keyAttr := keyMap["k"].(*ddbtypes.AttributeValueMemberN)
			key, err := strconv.ParseInt(keyAttr.Value, 10, 64)
			if err != nil {
				return nil, err
			}
			vec, ok := f.rows[key]
			if !ok {
				continue
			}
			out.Responses[tableName] = append(out.Responses[tableName], map[string]ddbtypes.AttributeValue{
				"k": keyAttr,
				"v": &ddbtypes.AttributeValueMemberB{Value: encodeVector(vec)},
			})
		}
	}
	return out, nil
}

func TestNewDynamoBackendValidation(t *testing.T) {
	_, err := NewDynamoBackend(&fakeDynamo{}, DynamoBackendConfig{Dim: 2}, nil)
	require.Error(t, err)

	_, err = NewDynamoBackend(&fakeDynamo{}, DynamoBackendConfig{TableName: "t"}, nil)
	require.Error(t, err)
}

func TestDynamoBackendFetch(t *testing.T) {
	client := &fakeDynamo{rows: map[int64][]float32{
		7: {1.5, -2.5},
	}}
	b, err := NewDynamoBackend(client, DynamoBackendConfig{TableName: "emb", Dim: 2}, nil)
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, 2, b.Dim())

	dst := make([]float32, 2)
	found, err := b.Fetch(context.Background(), 7, dst)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []float32{1.5, -2.5}, dst)

	found, err = b.Fetch(context.Background(), 8, dst)
	require.NoError(t, err)
	require.False(t, found)
}

func TestDynamoBackendHostCache(t *testing.T) {
	client := &fakeDynamo{rows: map[int64][]float32{
		1: {4, 5},
	}}
	b, err := NewDynamoBackend(client, DynamoBackendConfig{TableName: "emb", Dim: 2}, nil)
	require.NoError(t, err)
	defer b.Close()

	dst := make([]float32, 2)
	found, err := b.Fetch(context.Background(), 1, dst)
	require.NoError(t, err)
	require.True(t, found)
	b.hostHot.Wait()

	found, err = b.Fetch(context.Background(), 1, dst)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []float32{4, 5}, dst)
	require.Equal(t, int64(1), client.getCalls.Load())
}

func TestDynamoBackendWarm(t *testing.T) {
	rows := make(map[int64][]float32)
	keys := make([]int64, 0, 150)
	for k := int64(0); k < 150; k++ {
		rows[k] = []float32{float32(k), float32(k)}
		keys = append(keys, k)
	}
	client := &fakeDynamo{rows: rows}

	b, err := NewDynamoBackend(client, DynamoBackendConfig{TableName: "emb", Dim: 2}, nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Warm(context.Background(), keys))
	b.hostHot.Wait()

	dst := make([]float32, 2)
	found, err := b.Fetch(context.Background(), 149, dst)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []float32{149, 149}, dst)
}

func TestDynamoBackendBadVector(t *testing.T) {
	client := &fakeDynamo{rows: map[int64][]float32{
		1: {4, 5, 6}, // three floats for a dim-2 backend
	}}
	b, err := NewDynamoBackend(client, DynamoBackendConfig{TableName: "emb", Dim: 2}, nil)
	require.NoError(t, err)
	defer b.Close()

	dst := make([]float32, 2)
	_, err = b.Fetch(context.Background(), 1, dst)
	require.Error(t, err)
}
