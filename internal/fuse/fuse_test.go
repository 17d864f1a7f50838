package fuse

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/samcharles93/smelt/internal/fused"
	"github.com/samcharles93/smelt/internal/metrics"
	"github.com/samcharles93/smelt/internal/model"
	"github.com/samcharles93/smelt/internal/tensor"
)

type modelSpec struct {
	layers  int
	hidden  int
	qkvRows int
	oRows   int
	inter   int
	eps     func(layer int) float64
}

func randMat(r, c int, seed int64) tensor.Mat {
	m := tensor.NewMat(r, c)
	tensor.FillRand(&m, seed)
	return m
}

func buildLayer(i int, s modelSpec) *model.DecoderLayer {
	p := fmt.Sprintf("model.layers.%d", i)
	eps := 1e-5
	if s.eps != nil {
		eps = s.eps(i)
	}
	seed := int64(i * 100)
	norm := func(name string) *model.RMSNorm {
		w := make([]float32, s.hidden)
		for j := range w {
			w[j] = 1
		}
		return &model.RMSNorm{Path: p + "." + name, Weight: w, Eps: eps, Dev: tensor.CPU}
	}
	lin := func(name string, r, c int, seed int64) *model.Linear {
		m := randMat(r, c, seed)
		m.Device = tensor.CPU
		return &model.Linear{Path: p + "." + name, Weight: m}
	}
	return &model.DecoderLayer{
		Index:        i,
		Path:         p,
		Type:         model.Phi3LayerKind,
		InputNorm:    norm("input_layernorm"),
		PostAttnNorm: norm("post_attention_layernorm"),
		SelfAttn: &model.Attention{
			Path: p + ".self_attn",
			QKV:  lin("self_attn.qkv_proj", s.qkvRows, s.hidden, seed+1),
			O:    lin("self_attn.o_proj", s.oRows, s.hidden, seed+2),
		},
		MLP: &model.MLP{
			Path:   p + ".mlp",
			GateUp: lin("mlp.gate_up_proj", 2*s.inter, s.hidden, seed+3),
			Down:   lin("mlp.down_proj", s.hidden, s.inter, seed+4),
		},
	}
}

func buildModel(s modelSpec) *model.CausalLM {
	const vocab = 32
	layers := make([]model.Layer, s.layers)
	for i := range layers {
		layers[i] = buildLayer(i, s)
	}
	norm := make([]float32, s.hidden)
	return &model.CausalLM{
		Arch: "phi3",
		Config: model.Config{
			VocabSize:  vocab,
			HiddenSize: s.hidden,
			NumLayers:  s.layers,
			NumHeads:   4,
			NumKVHeads: 4,
			RMSNormEps: 1e-5,
			MaxSeqLen:  4096,
		},
		Body: &model.Decoder{
			Embed:  &model.Embedding{Path: "model.embed_tokens", Weight: randMat(vocab, s.hidden, 7)},
			Layers: layers,
			Norm:   &model.RMSNorm{Path: "model.norm", Weight: norm, Eps: 1e-5},
		},
		LMHead: &model.Linear{Path: "lm_head", Weight: randMat(vocab, s.hidden, 8)},
	}
}

func smallSpec(layers int) modelSpec {
	return modelSpec{layers: layers, hidden: 16, qkvRows: 48, oRows: 16, inter: 8}
}

func TestSplitQKVRoundTrip(t *testing.T) {
	t.Parallel()
	w := randMat(12, 5, 3)
	w.Data[0] = float32(math.Copysign(0, -1))
	w.Data[7] = math.Float32frombits(1) // smallest denormal
	w.Data[30] = float32(math.Inf(-1))
	w.Data[59] = float32(math.NaN())
	bias := make([]float32, 12)
	for i := range bias {
		bias[i] = float32(i)
	}
	qkv := &model.Linear{Path: "model.layers.0.self_attn.qkv_proj", Weight: w, Bias: bias}
	orig := append([]float32(nil), w.Data...)

	q, k, v, err := SplitQKV(qkv)
	if err != nil {
		t.Fatalf("SplitQKV: %v", err)
	}
	for i, p := range []*model.Linear{q, k, v} {
		if p.InFeatures() != 5 || p.OutFeatures() != 4 {
			t.Fatalf("part %d shape %v", i, p.Shape())
		}
		if p.Bias[0] != float32(4*i) {
			t.Fatalf("part %d bias starts at %v", i, p.Bias[0])
		}
	}
	if q.Name() != "model.layers.0.self_attn.q_proj" || v.Name() != "model.layers.0.self_attn.v_proj" {
		t.Fatalf("names %q %q", q.Name(), v.Name())
	}

	back, err := tensor.ConcatRows(q.Weight, k.Weight, v.Weight)
	if err != nil {
		t.Fatalf("ConcatRows: %v", err)
	}
	for i := range orig {
		if math.Float32bits(back.Data[i]) != math.Float32bits(orig[i]) {
			t.Fatalf("element %d: %08x != %08x", i, math.Float32bits(back.Data[i]), math.Float32bits(orig[i]))
		}
	}

	// Parts are copies.
	q.Weight.Data[1] = 42
	if w.Data[1] == 42 {
		t.Fatal("split aliases the combined weight")
	}
}

func TestSplitQKVNotDivisible(t *testing.T) {
	t.Parallel()
	w := randMat(10, 4, 1)
	before := append([]float32(nil), w.Data...)
	qkv := &model.Linear{Path: "qkv_proj", Weight: w}

	_, _, _, err := SplitQKV(qkv)
	var se *ShapeError
	if !errors.As(err, &se) {
		t.Fatalf("expected ShapeError, got %v", err)
	}
	if se.Shape != [2]int{10, 4} || se.Parts != 3 {
		t.Fatalf("unexpected error fields: %+v", se)
	}
	if qkv.Weight.R != 10 {
		t.Fatal("weight mutated")
	}
	for i := range before {
		if w.Data[i] != before[i] {
			t.Fatal("weight data mutated")
		}
	}
}

func TestFuseEndToEnd(t *testing.T) {
	t.Parallel()
	lm := buildModel(modelSpec{layers: 2, hidden: 1024, qkvRows: 3072, oRows: 1024, inter: 32})
	dec, _ := lm.Decoder()
	origLayers := append([]model.Layer(nil), dec.Layers...)
	embed := dec.Embed

	f := New(Options{Workers: 2})
	if err := f.Apply(context.Background(), lm); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	fm, ok := lm.Body.(*fused.Model)
	if !ok {
		t.Fatalf("body is %T", lm.Body)
	}
	if len(fm.Blocks) != 2 || fm.NumLayers() != 2 {
		t.Fatalf("blocks = %d, want 2", len(fm.Blocks))
	}
	if fm.Embedding() != embed {
		t.Fatal("embedding was not moved")
	}
	if fm.VocabSize != 32 || fm.RunID == "" {
		t.Fatalf("vocab %d run id %q", fm.VocabSize, fm.RunID)
	}

	// batch 2, seq 3, flattened to [6, 1024]
	x := randMat(2*3, 1024, 99)
	for bi, b := range fm.Blocks {
		src := origLayers[bi].(*model.DecoderLayer)
		if b.Source != src.Name() || b.O != src.SelfAttn.O || b.MLP != src.MLP {
			t.Fatalf("block %d not built from layer %d", bi, bi)
		}
		if b.QKV.QRows != 1024 || b.QKV.KRows != 1024 || b.QKV.VRows != 1024 {
			t.Fatalf("block %d qkv rows %d/%d/%d", bi, b.QKV.QRows, b.QKV.KRows, b.QKV.VRows)
		}

		got, err := b.QKV.Forward(&x)
		if err != nil {
			t.Fatalf("fused forward: %v", err)
		}
		if got.R != 6 || got.C != 3072 {
			t.Fatalf("fused output shape [%d %d]", got.R, got.C)
		}

		combined := src.SelfAttn.QKV.Weight
		for part := 0; part < 3; part++ {
			w := tensor.NewMatFromData(1024, 1024, append([]float32(nil), combined.Data[part*1024*1024:(part+1)*1024*1024]...))
			sep := &model.Linear{Weight: w}
			want, err := sep.Forward(&x)
			if err != nil {
				t.Fatalf("separate forward: %v", err)
			}
			for tok := 0; tok < 6; tok++ {
				gotRow := got.Row(tok)[part*1024 : (part+1)*1024]
				wantRow := want.Row(tok)
				for j := range wantRow {
					if gotRow[j] != wantRow[j] {
						t.Fatalf("block %d part %d token %d col %d: fused %v, separate %v", bi, part, tok, j, gotRow[j], wantRow[j])
					}
				}
			}
		}
	}
}

func TestFuseShapeErrorBeforeAnyBlock(t *testing.T) {
	t.Parallel()
	s := modelSpec{layers: 2, hidden: 1024, qkvRows: 3072, oRows: 1024, inter: 8}
	lm := buildModel(s)
	dec, _ := lm.Decoder()
	bad := modelSpec{layers: 1, hidden: 1024, qkvRows: 3000, oRows: 1024, inter: 8}
	dec.Layers[1] = buildLayer(1, bad)
	body := lm.Body

	m := metrics.New(prometheus.NewRegistry())
	err := New(Options{Metrics: m, Workers: 4}).Apply(context.Background(), lm)
	var se *ShapeError
	if !errors.As(err, &se) {
		t.Fatalf("expected ShapeError, got %v", err)
	}
	if se.Layer != "model.layers.1" || se.Shape != [2]int{3000, 1024} || se.PartRows != 1024 {
		t.Fatalf("unexpected error fields: %+v", se)
	}
	if got := testutil.ToFloat64(m.LayersFused.WithLabelValues("phi3")); got != 0 {
		t.Fatalf("%v blocks built before the shape error", got)
	}
	if got := testutil.ToFloat64(m.FusionRuns.WithLabelValues("phi3", "error")); got != 1 {
		t.Fatalf("error runs = %v", got)
	}
	if lm.Body != body || len(dec.Layers) != 2 || dec.Embed == nil {
		t.Fatal("model modified after failed fusion")
	}
}

func TestFuseRejectsQKVRows(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		rows     int
		partRows int
	}{
		{"not divisible", 3001, 0},
		{"wrong head layout", 3000, 1024},
		{"too tall", 3 * 1032, 1024},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			lm := buildModel(modelSpec{layers: 2, hidden: 1024, qkvRows: 3072, oRows: 1024, inter: 8})
			dec, _ := lm.Decoder()
			dec.Layers[0] = buildLayer(0, modelSpec{hidden: 1024, qkvRows: tc.rows, oRows: 1024, inter: 8})

			m := metrics.New(prometheus.NewRegistry())
			_, err := New(Options{Metrics: m}).Fuse(context.Background(), lm)
			var se *ShapeError
			if !errors.As(err, &se) {
				t.Fatalf("expected ShapeError, got %v", err)
			}
			if se.Layer != "model.layers.0" || se.Shape[0] != tc.rows || se.Parts != 3 || se.PartRows != tc.partRows {
				t.Fatalf("unexpected error fields: %+v", se)
			}
			if got := testutil.ToFloat64(m.LayersFused.WithLabelValues("phi3")); got != 0 {
				t.Fatalf("%v blocks built before the shape error", got)
			}
		})
	}
}

func TestFusePreservesOrderAndEpsilon(t *testing.T) {
	t.Parallel()
	s := smallSpec(6)
	s.eps = func(i int) float64 {
		if i%2 == 0 {
			return 1e-6
		}
		return 1e-5
	}
	lm := buildModel(s)

	fm, err := New(Options{Workers: 3}).Fuse(context.Background(), lm)
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if len(fm.Blocks) != 6 {
		t.Fatalf("blocks = %d", len(fm.Blocks))
	}
	for i, b := range fm.Blocks {
		if b.Index != i || b.Source != fmt.Sprintf("model.layers.%d", i) {
			t.Fatalf("block %d built from %s", i, b.Source)
		}
		want := s.eps(i)
		if b.Norm1.Eps != want || b.Norm2.Eps != want {
			t.Fatalf("block %d eps %v/%v, want %v", i, b.Norm1.Eps, b.Norm2.Eps, want)
		}
		if b.MaxSeqLen != 4096 || b.HiddenSize != 16 || b.NumHeads != 4 || b.NumKVHeads != 4 {
			t.Fatalf("block %d config: %+v", i, b)
		}
	}
	// Fuse alone leaves the model as it was.
	if _, ok := lm.Decoder(); !ok {
		t.Fatal("Fuse replaced the body")
	}
}

func TestFuseTwiceRejected(t *testing.T) {
	t.Parallel()
	lm := buildModel(smallSpec(2))
	f := New(Options{})
	if err := f.Apply(context.Background(), lm); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	fm := lm.Body
	if err := f.Apply(context.Background(), lm); !errors.Is(err, ErrAlreadyFused) {
		t.Fatalf("second Apply: got %v, want ErrAlreadyFused", err)
	}
	if _, err := f.Fuse(context.Background(), lm); !errors.Is(err, ErrAlreadyFused) {
		t.Fatalf("Fuse on fused model: got %v", err)
	}
	if lm.Body != fm {
		t.Fatal("fused body replaced")
	}
}

func TestApplyEmptiesOldDecoder(t *testing.T) {
	t.Parallel()
	lm := buildModel(smallSpec(2))
	dec, _ := lm.Decoder()
	norm := dec.Norm
	if err := New(Options{}).Apply(context.Background(), lm); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if dec.Embed != nil || dec.Layers != nil || dec.Norm != nil {
		t.Fatal("old decoder still references the model")
	}
	if lm.Body.FinalNorm() != norm {
		t.Fatal("final norm not carried over")
	}
}

func TestApplyPlacesEmbedding(t *testing.T) {
	t.Parallel()
	lm := buildModel(smallSpec(2))
	if err := New(Options{EmbedDevice: "cuda:0"}).Apply(context.Background(), lm); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := lm.Body.Embedding().Weight.Device; got != "cuda:0" {
		t.Fatalf("embedding device: got %q want cuda:0", got)
	}

	bare := buildModel(smallSpec(2))
	dec, _ := bare.Decoder()
	dec.Embed = nil
	if err := New(Options{EmbedDevice: "cuda:0"}).Apply(context.Background(), bare); err == nil {
		t.Fatal("expected error placing a missing embedding")
	}
	if _, ok := bare.Decoder(); !ok {
		t.Fatal("failed Apply replaced the body")
	}
}

func TestFuseMixedLayers(t *testing.T) {
	t.Parallel()
	build := func() *model.CausalLM {
		lm := buildModel(smallSpec(3))
		dec, _ := lm.Decoder()
		dec.Layers[1] = &model.OpaqueLayer{Index: 1, Path: "model.layers.1", Type: "conv"}
		return lm
	}

	_, err := New(Options{Mode: Strict}).Fuse(context.Background(), build())
	var ule *UnsupportedLayerError
	if !errors.As(err, &ule) {
		t.Fatalf("strict: expected UnsupportedLayerError, got %v", err)
	}
	if ule.Kind != "conv" || ule.Layer != "model.layers.1" {
		t.Fatalf("unexpected error fields: %+v", ule)
	}

	m := metrics.New(prometheus.NewRegistry())
	fm, err := New(Options{Mode: Lenient, Metrics: m}).Fuse(context.Background(), build())
	if err != nil {
		t.Fatalf("lenient: %v", err)
	}
	if len(fm.Blocks) != 2 || fm.Blocks[1].Source != "model.layers.2" || fm.Blocks[1].Index != 1 {
		t.Fatalf("lenient blocks: %d, second from %s", len(fm.Blocks), fm.Blocks[1].Source)
	}
	if got := testutil.ToFloat64(m.LayersSkipped.WithLabelValues("conv")); got != 1 {
		t.Fatalf("skipped = %v", got)
	}
}

func TestFuseMissingModule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(l *model.DecoderLayer)
		want   string
	}{
		{"input norm", func(l *model.DecoderLayer) { l.InputNorm = nil }, "input_layernorm"},
		{"attention", func(l *model.DecoderLayer) { l.SelfAttn = nil }, "self_attn"},
		{"qkv", func(l *model.DecoderLayer) { l.SelfAttn.QKV = nil }, "self_attn.qkv_proj"},
		{"mlp down", func(l *model.DecoderLayer) { l.MLP.Down = nil }, "mlp.down_proj"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			lm := buildModel(smallSpec(2))
			dec, _ := lm.Decoder()
			tc.mutate(dec.Layers[1].(*model.DecoderLayer))
			_, err := New(Options{}).Fuse(context.Background(), lm)
			var mme *MissingModuleError
			if !errors.As(err, &mme) {
				t.Fatalf("expected MissingModuleError, got %v", err)
			}
			if mme.Module != tc.want {
				t.Fatalf("module = %q, want %q", mme.Module, tc.want)
			}
		})
	}
}

func TestFuseDevices(t *testing.T) {
	t.Parallel()

	lm := buildModel(smallSpec(1))
	dec, _ := lm.Decoder()
	l := dec.Layers[0].(*model.DecoderLayer)
	l.MLP.Down.Weight.Device = "cuda:0"
	_, err := New(Options{}).Fuse(context.Background(), lm)
	var dme *DeviceMismatchError
	if !errors.As(err, &dme) {
		t.Fatalf("expected DeviceMismatchError, got %v", err)
	}
	// o_proj comes first in state order and resolves the layer device.
	if dme.Want != tensor.CPU || dme.Got != "cuda:0" || dme.Tensor != "model.layers.0.mlp.down_proj.weight" {
		t.Fatalf("unexpected error fields: %+v", dme)
	}

	lm = buildModel(smallSpec(1))
	dec, _ = lm.Decoder()
	l = dec.Layers[0].(*model.DecoderLayer)
	for _, lin := range []*model.Linear{l.SelfAttn.QKV, l.SelfAttn.O, l.MLP.GateUp, l.MLP.Down} {
		lin.Weight.Device = "cuda:1"
	}
	l.InputNorm.Dev, l.PostAttnNorm.Dev = "cuda:1", "cuda:1"
	fm, err := New(Options{}).Fuse(context.Background(), lm)
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if b := fm.Blocks[0]; b.Device != "cuda:1" || b.QKV.Device() != "cuda:1" {
		t.Fatalf("block device %s, qkv device %s", b.Device, b.QKV.Device())
	}
}

func TestFuseCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	lm := buildModel(smallSpec(2))
	if err := New(Options{}).Apply(ctx, lm); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if _, ok := lm.Decoder(); !ok {
		t.Fatal("cancelled Apply replaced the body")
	}
}

func TestFuseErrors(t *testing.T) {
	t.Parallel()
	f := New(Options{})
	if _, err := f.Fuse(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil model")
	}
	lm := buildModel(smallSpec(1))
	lm.Arch = "llama"
	if _, err := f.Fuse(context.Background(), lm); err == nil {
		t.Fatal("expected error for unknown family")
	}
	lm = buildModel(smallSpec(1))
	dec, _ := lm.Decoder()
	dec.Layers = nil
	if _, err := f.Fuse(context.Background(), lm); err == nil {
		t.Fatal("expected error for empty decoder")
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"", Strict, true},
		{"strict", Strict, true},
		{"Lenient", Lenient, true},
		{"loose", Strict, false},
	}
	for _, tc := range tests {
		got, err := ParseMode(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("ParseMode(%q) = %v, %v", tc.in, got, err)
		}
	}
	if Lenient.String() != "lenient" || Mode(9).String() != "Mode(9)" {
		t.Fatal("unexpected Mode strings")
	}
}
