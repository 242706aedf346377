package model_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/xray-api/internal/model"
	"github.com/Brownie44l1/xray-api/internal/model/modeltest"
)

func TestReadWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "head.safetensors")
	require.NoError(t, modeltest.WriteWeights(path, map[string]modeltest.Tensor{
		"dense/kernel": {Shape: []int{3, 2}, Data: []float32{1, 2, 3, 4, 5, 6}},
		"dense/bias":   {Shape: []int{2}, Data: []float32{-1, 1}},
	}))

	tensors, err := model.ReadWeights(path)
	require.NoError(t, err)
	require.Len(t, tensors, 2)

	kernel := tensors["dense/kernel"]
	assert.Equal(t, []int{3, 2}, kernel.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, kernel.Data)
	assert.Equal(t, []float32{-1, 1}, tensors["dense/bias"].Data)
}

func TestReadWeights_Malformed(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := model.ReadWeights(filepath.Join(dir, "nope.safetensors"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("truncated header", func(t *testing.T) {
		path := filepath.Join(dir, "short.safetensors")
		require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o600))
		_, err := model.ReadWeights(path)
		require.Error(t, err)
	})

	t.Run("header is not json", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.safetensors")
		data := binary.LittleEndian.AppendUint64(nil, 4)
		data = append(data, []byte("nope")...)
		require.NoError(t, os.WriteFile(path, data, 0o600))
		_, err := model.ReadWeights(path)
		require.Error(t, err)
	})

	t.Run("payload shorter than shape", func(t *testing.T) {
		path := filepath.Join(dir, "cut.safetensors")
		header := []byte(`{"dense/bias":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`)
		data := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
		data = append(data, header...)
		data = append(data, make([]byte, 8)...)
		require.NoError(t, os.WriteFile(path, data, 0o600))
		_, err := model.ReadWeights(path)
		require.Error(t, err)
	})

	t.Run("unsupported dtype", func(t *testing.T) {
		path := filepath.Join(dir, "f16.safetensors")
		header := []byte(`{"dense/bias":{"dtype":"F16","shape":[2],"data_offsets":[0,4]}}`)
		data := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
		data = append(data, header...)
		data = append(data, make([]byte, 4)...)
		require.NoError(t, os.WriteFile(path, data, 0o600))
		_, err := model.ReadWeights(path)
		require.ErrorContains(t, err, "unsupported dtype")
	})
}
