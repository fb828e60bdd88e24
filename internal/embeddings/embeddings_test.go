package embeddings

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testHidden = 16

// mockTokenizer maps each whitespace-separated word to a stable id.
type mockTokenizer struct {
	seen [][]string
	fail bool
}

func (m *mockTokenizer) Encode(texts []string, maxLength int) (*TokenizedBatch, error) {
	if m.fail {
		return nil, errors.New("tokenizer exploded")
	}
	m.seen = append(m.seen, append([]string(nil), texts...))

	rows := make([][]int64, len(texts))
	truncated := make([]bool, len(texts))
	seqLen := 0
	for i, text := range texts {
		row := []int64{1}
		for _, w := range strings.Fields(text) {
			h := fnv.New32a()
			h.Write([]byte(w))
			row = append(row, int64(h.Sum32()%5000)+10)
		}
		if len(row) > maxLength-1 {
			row = row[:maxLength-1]
			truncated[i] = true
		}
		row = append(row, 2)
		rows[i] = row
		if len(row) > seqLen {
			seqLen = len(row)
		}
	}

	b := &TokenizedBatch{
		InputIDs:      make([]int64, len(texts)*seqLen),
		AttentionMask: make([]int64, len(texts)*seqLen),
		TokenTypeIDs:  make([]int64, len(texts)*seqLen),
		BatchSize:     len(texts),
		SeqLen:        seqLen,
		Truncated:     truncated,
	}
	for i, row := range rows {
		for j, id := range row {
			b.InputIDs[i*seqLen+j] = id
			b.AttentionMask[i*seqLen+j] = 1
		}
	}
	return b, nil
}

// mockModel produces hidden states that depend only on token id and position.
type mockModel struct {
	hidden  int
	calls   int
	failOn  int
	dropRow bool
	down    bool
	closed  bool
}

func newMockModel() *mockModel {
	return &mockModel{hidden: testHidden}
}

func (m *mockModel) Forward(ctx context.Context, b *TokenizedBatch) (*HiddenStates, error) {
	m.calls++
	if m.failOn > 0 && m.calls == m.failOn {
		return nil, errors.New("backend failure")
	}
	rows := b.BatchSize
	if m.dropRow {
		rows--
	}
	data := make([]float32, rows*b.SeqLen*m.hidden)
	for r := 0; r < rows; r++ {
		for s := 0; s < b.SeqLen; s++ {
			id := float64(b.InputIDs[r*b.SeqLen+s])
			for d := 0; d < m.hidden; d++ {
				data[(r*b.SeqLen+s)*m.hidden+d] = float32(math.Sin(id*float64(d+1)*0.37) + float64(s)*0.01)
			}
		}
	}
	return &HiddenStates{Data: data, BatchSize: rows, SeqLen: b.SeqLen, Hidden: m.hidden}, nil
}

func (m *mockModel) HiddenSize() int { return m.hidden }
func (m *mockModel) IsReady() bool   { return !m.down }
func (m *mockModel) Close() error {
	m.closed = true
	return nil
}

func newMockHandle() (*Handle, *mockTokenizer, *mockModel) {
	tok := &mockTokenizer{}
	model := newMockModel()
	return &Handle{Tokenizer: tok, Model: model, Device: DeviceCPU, ModelName: "test/model"}, tok, model
}

func assertUnit(t *testing.T, v []float32) {
	t.Helper()
	assert.InDelta(t, 1.0, L2Norm(v), 1e-5)
}

// TestPipelineEmbed tests the core embedding guarantees
func TestPipelineEmbed(t *testing.T) {
	ctx := context.Background()
	texts := []string{"the quick brown fox", "", "hello world", "a b c d e f g", "lorem"}

	t.Run("count order and norm", func(t *testing.T) {
		handle, _, _ := newMockHandle()
		p := NewPipeline(handle, 0, zap.NewNop())

		vecs, err := p.Embed(ctx, texts, 2)
		require.NoError(t, err)
		require.Len(t, vecs, len(texts))
		for i, v := range vecs {
			assert.Len(t, v, testHidden, "vector %d", i)
			assertUnit(t, v)
		}

		single, err := p.Embed(ctx, []string{texts[2]}, 1)
		require.NoError(t, err)
		assert.InDeltaSlice(t, single[0], vecs[2], 1e-6)
	})

	t.Run("hello world", func(t *testing.T) {
		handle, _, model := newMockHandle()
		model.hidden = DefaultHiddenSize
		p := NewPipeline(handle, 0, nil)

		vecs, err := p.Embed(ctx, []string{"hello world"}, DefaultBatchSize)
		require.NoError(t, err)
		require.Len(t, vecs, 1)
		assert.Len(t, vecs[0], 768)
		assert.Equal(t, 768, p.Dimension())
		assertUnit(t, vecs[0])
	})

	t.Run("idempotent", func(t *testing.T) {
		handle, _, _ := newMockHandle()
		p := NewPipeline(handle, 0, nil)

		a, err := p.Embed(ctx, texts, 32)
		require.NoError(t, err)
		b, err := p.Embed(ctx, texts, 32)
		require.NoError(t, err)
		for i := range a {
			assert.InDeltaSlice(t, a[i], b[i], 1e-6)
		}
	})

	t.Run("batch size invariance", func(t *testing.T) {
		handle, _, model := newMockHandle()
		p := NewPipeline(handle, 0, nil)

		base, err := p.Embed(ctx, texts, 32)
		require.NoError(t, err)
		require.Equal(t, 1, model.calls)

		for _, bs := range []int{1, 3} {
			model.calls = 0
			got, err := p.Embed(ctx, texts, bs)
			require.NoError(t, err)
			assert.Equal(t, (len(texts)+bs-1)/bs, model.calls, "batch size %d", bs)
			for i := range base {
				assert.InDeltaSlice(t, base[i], got[i], 1e-5, "batch size %d item %d", bs, i)
			}
		}
	})

	t.Run("abc batch 1 vs 3", func(t *testing.T) {
		handle, _, _ := newMockHandle()
		p := NewPipeline(handle, 0, nil)
		abc := []string{"a", "b", "c"}

		one, err := p.Embed(ctx, abc, 1)
		require.NoError(t, err)
		three, err := p.Embed(ctx, abc, 3)
		require.NoError(t, err)
		require.Len(t, one, 3)
		require.Len(t, three, 3)
		for i := range one {
			assert.InDeltaSlice(t, one[i], three[i], 1e-5)
		}
	})

	t.Run("input not mutated", func(t *testing.T) {
		handle, _, _ := newMockHandle()
		p := NewPipeline(handle, 0, nil)
		in := []string{"x y", "z"}
		orig := append([]string(nil), in...)

		_, err := p.Embed(ctx, in, 1)
		require.NoError(t, err)
		assert.Equal(t, orig, in)
	})

	t.Run("run reports batches and tokens", func(t *testing.T) {
		handle, _, _ := newMockHandle()
		p := NewPipeline(handle, 3, nil)

		res, err := p.Run(ctx, []string{"one two three", "four"}, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Batches)
		assert.Equal(t, 1, res.Truncated)
		assert.Equal(t, 6, res.Tokens)
	})
}

// TestPipelineErrors tests failure classification and the no-partial-result rule
func TestPipelineErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("empty input", func(t *testing.T) {
		handle, tok, model := newMockHandle()
		p := NewPipeline(handle, 0, nil)

		vecs, err := p.Embed(ctx, []string{}, 32)
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.Nil(t, vecs)
		assert.Zero(t, model.calls)
		assert.Empty(t, tok.seen)

		_, err = p.Embed(ctx, nil, 32)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("non-positive batch size", func(t *testing.T) {
		handle, _, model := newMockHandle()
		p := NewPipeline(handle, 0, nil)

		for _, bs := range []int{0, -4} {
			_, err := p.Embed(ctx, []string{"a"}, bs)
			assert.ErrorIs(t, err, ErrInvalidInput)
		}
		assert.Zero(t, model.calls)
	})

	t.Run("model unavailable", func(t *testing.T) {
		_, err := NewPipeline(nil, 0, nil).Embed(ctx, []string{"a"}, 1)
		assert.ErrorIs(t, err, ErrModelNotLoaded)

		handle, _, model := newMockHandle()
		model.down = true
		_, err = NewPipeline(handle, 0, nil).Embed(ctx, []string{"a"}, 1)
		assert.ErrorIs(t, err, ErrModelNotLoaded)

		handle.Tokenizer = nil
		model.down = false
		_, err = NewPipeline(handle, 0, nil).Embed(ctx, []string{"a"}, 1)
		assert.ErrorIs(t, err, ErrModelNotLoaded)
	})

	t.Run("model unavailable wins over empty input", func(t *testing.T) {
		_, err := NewPipeline(nil, 0, nil).Embed(ctx, nil, 0)
		assert.ErrorIs(t, err, ErrModelNotLoaded)
		assert.NotErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("backend failure mid-run", func(t *testing.T) {
		handle, _, model := newMockHandle()
		model.failOn = 2
		p := NewPipeline(handle, 0, nil)

		vecs, err := p.Embed(ctx, []string{"a", "b", "c"}, 1)
		assert.ErrorIs(t, err, ErrInferenceFailed)
		assert.Nil(t, vecs)
		assert.Equal(t, 2, model.calls)
	})

	t.Run("backend row mismatch", func(t *testing.T) {
		handle, _, model := newMockHandle()
		model.dropRow = true

		vecs, err := NewPipeline(handle, 0, nil).Embed(ctx, []string{"a", "b"}, 2)
		assert.ErrorIs(t, err, ErrInferenceFailed)
		assert.Nil(t, vecs)
	})

	t.Run("tokenizer failure", func(t *testing.T) {
		handle, tok, model := newMockHandle()
		tok.fail = true

		_, err := NewPipeline(handle, 0, nil).Embed(ctx, []string{"a"}, 1)
		assert.ErrorIs(t, err, ErrInferenceFailed)
		assert.ErrorIs(t, err, ErrTokenizationFailed)
		assert.Zero(t, model.calls)
	})

	t.Run("cancelled context", func(t *testing.T) {
		handle, _, model := newMockHandle()
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := NewPipeline(handle, 0, nil).Embed(cctx, []string{"a"}, 1)
		assert.ErrorIs(t, err, ErrInferenceFailed)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, model.calls)
	})
}

// TestPooling tests masked mean pooling and normalization
func TestPooling(t *testing.T) {
	t.Run("mean over mask", func(t *testing.T) {
		hidden := &HiddenStates{
			Data: []float32{
				1, 2, 3, 4, 100, 100,
			},
			BatchSize: 1, SeqLen: 3, Hidden: 2,
		}
		pooled, err := MeanPool(hidden, []int64{1, 1, 0})
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float32{2, 3}, pooled[0], 1e-6)
	})

	t.Run("all padding row", func(t *testing.T) {
		hidden := &HiddenStates{Data: []float32{5, 5, 5, 5}, BatchSize: 1, SeqLen: 2, Hidden: 2}
		pooled, err := MeanPool(hidden, []int64{0, 0})
		require.NoError(t, err)

		v := Normalize(pooled[0])
		for _, x := range v {
			assert.False(t, math.IsNaN(float64(x)))
			assert.False(t, math.IsInf(float64(x), 0))
			assert.Zero(t, x)
		}
	})

	t.Run("shape mismatch", func(t *testing.T) {
		hidden := &HiddenStates{Data: []float32{1, 2, 3}, BatchSize: 1, SeqLen: 2, Hidden: 2}
		_, err := MeanPool(hidden, []int64{1, 1})
		assert.Error(t, err)

		hidden = &HiddenStates{Data: []float32{1, 2, 3, 4}, BatchSize: 1, SeqLen: 2, Hidden: 2}
		_, err = MeanPool(hidden, []int64{1})
		assert.Error(t, err)

		_, err = MeanPool(nil, nil)
		assert.Error(t, err)
	})

	t.Run("normalize", func(t *testing.T) {
		v := Normalize([]float32{3, 4})
		assert.InDeltaSlice(t, []float32{0.6, 0.8}, v, 1e-6)
		assertUnit(t, v)
	})
}

// TestDevice tests device name handling
func TestDevice(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("EMBEDKIT_TEST_DEVICE", "GPU")
		assert.Equal(t, DeviceCUDA, RequestedDevice("cpu", "EMBEDKIT_TEST_UNSET", "EMBEDKIT_TEST_DEVICE"))
	})

	t.Run("configured and default", func(t *testing.T) {
		assert.Equal(t, DeviceCPU, RequestedDevice("cpu"))
		assert.Equal(t, DeviceCoreML, RequestedDevice("mps"))
		assert.Equal(t, DeviceAuto, RequestedDevice(""))
	})

	t.Run("candidates", func(t *testing.T) {
		assert.Equal(t, []string{DeviceCPU}, deviceCandidates(DeviceCPU))
		auto := deviceCandidates(DeviceAuto)
		assert.Equal(t, DeviceCUDA, auto[0])
		assert.Equal(t, DeviceCPU, auto[len(auto)-1])
	})

	t.Run("valid", func(t *testing.T) {
		assert.True(t, ValidDevice("auto"))
		assert.True(t, ValidDevice("metal"))
		assert.False(t, ValidDevice("tpu"))
	})
}

// TestHandle tests nil-safe handle helpers
func TestHandle(t *testing.T) {
	var h *Handle
	assert.False(t, h.Ready())
	assert.Zero(t, h.Dimension())
	assert.NoError(t, h.Close())

	handle, _, model := newMockHandle()
	assert.True(t, handle.Ready())
	assert.Equal(t, testHidden, handle.Dimension())
	require.NoError(t, handle.Close())
	assert.True(t, model.closed)
}
