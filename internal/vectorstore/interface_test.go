package vectorstore_test

import (
	"math"
	"testing"

	"github.com/fyrsmithlabs/retrievald/internal/vectorstore"
	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a    []float32
		b    []float32
		want float64
	}{
		{
			name: "identical vectors",
			a:    []float32{1, 2, 3},
			b:    []float32{1, 2, 3},
			want: 1,
		},
		{
			name: "opposite vectors",
			a:    []float32{1, 0, 0},
			b:    []float32{-1, 0, 0},
			want: -1,
		},
		{
			name: "orthogonal vectors",
			a:    []float32{1, 0, 0},
			b:    []float32{0, 1, 0},
			want: 0,
		},
		{
			name: "zero vector yields zero not NaN",
			a:    []float32{0, 0, 0},
			b:    []float32{1, 2, 3},
			want: 0,
		},
		{
			name: "both zero",
			a:    []float32{0, 0},
			b:    []float32{0, 0},
			want: 0,
		},
		{
			name: "length mismatch",
			a:    []float32{1, 2},
			b:    []float32{1, 2, 3},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := vectorstore.CosineSimilarity(tt.a, tt.b)
			assert.False(t, math.IsNaN(got))
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestNormalizeScore(t *testing.T) {
	assert.InDelta(t, 1.0, vectorstore.NormalizeScore(1), 1e-9)
	assert.InDelta(t, 0.5, vectorstore.NormalizeScore(0), 1e-9)
	assert.InDelta(t, 0.0, vectorstore.NormalizeScore(-1), 1e-9)

	// Float drift outside [-1, 1] must still land inside [0, 1].
	assert.Equal(t, 1.0, vectorstore.NormalizeScore(1.0000001))
	assert.Equal(t, 0.0, vectorstore.NormalizeScore(-1.0000001))
}

func TestNewStore_Factory(t *testing.T) {
	t.Run("bolt is the default provider", func(t *testing.T) {
		store, err := vectorstore.NewStore(vectorstore.Config{
			Bolt: vectorstore.BoltConfig{
				Path:      t.TempDir() + "/vectors.db",
				Dimension: 3,
			},
		}, nil)
		assert.NoError(t, err)
		if store != nil {
			_, ok := store.(*vectorstore.BoltStore)
			assert.True(t, ok)
			assert.NoError(t, store.Close())
		}
	})

	t.Run("chromem provider", func(t *testing.T) {
		store, err := vectorstore.NewStore(vectorstore.Config{
			Provider: vectorstore.ProviderChromem,
			Chromem: vectorstore.ChromemConfig{
				Path:      t.TempDir(),
				Dimension: 3,
			},
		}, nil)
		assert.NoError(t, err)
		if store != nil {
			_, ok := store.(*vectorstore.ChromemStore)
			assert.True(t, ok)
			assert.NoError(t, store.Close())
		}
	})

	t.Run("unsupported provider", func(t *testing.T) {
		_, err := vectorstore.NewStore(vectorstore.Config{Provider: "pinecone"}, nil)
		assert.ErrorIs(t, err, vectorstore.ErrInvalidConfig)
	})
}

func TestQdrantConfig_Validate(t *testing.T) {
	cfg := vectorstore.QdrantConfig{}
	cfg.ApplyDefaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6334, cfg.Port)
	assert.Equal(t, 384, cfg.Dimension)

	bad := vectorstore.QdrantConfig{Collection: "Bad-Name!", Dimension: 384}
	assert.ErrorIs(t, bad.Validate(), vectorstore.ErrInvalidConfig)
}
