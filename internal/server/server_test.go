package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/samcharles93/smelt/internal/awq"
	"github.com/samcharles93/smelt/internal/fused"
	"github.com/samcharles93/smelt/internal/metrics"
	"github.com/samcharles93/smelt/internal/model"
	"github.com/samcharles93/smelt/internal/tensor"
)

const (
	testHidden = 8
	testVocab  = 16
)

func testMat(r, c int, seed int64) tensor.Mat {
	m := tensor.NewMat(r, c)
	tensor.FillRand(&m, seed)
	m.Device = tensor.CPU
	return m
}

func testLayer(i, qkvRows int) *model.DecoderLayer {
	p := fmt.Sprintf("model.layers.%d", i)
	ones := func() []float32 {
		w := make([]float32, testHidden)
		for j := range w {
			w[j] = 1
		}
		return w
	}
	lin := func(name string, r, c int, seed int64) *model.Linear {
		return &model.Linear{Path: p + "." + name, Weight: testMat(r, c, seed)}
	}
	seed := int64(i * 10)
	return &model.DecoderLayer{
		Index:        i,
		Path:         p,
		Type:         model.Phi3LayerKind,
		InputNorm:    &model.RMSNorm{Path: p + ".input_layernorm", Weight: ones(), Eps: 1e-5, Dev: tensor.CPU},
		PostAttnNorm: &model.RMSNorm{Path: p + ".post_attention_layernorm", Weight: ones(), Eps: 1e-5, Dev: tensor.CPU},
		SelfAttn: &model.Attention{
			Path: p + ".self_attn",
			QKV:  lin("self_attn.qkv_proj", qkvRows, testHidden, seed+1),
			O:    lin("self_attn.o_proj", testHidden, testHidden, seed+2),
		},
		MLP: &model.MLP{
			Path:   p + ".mlp",
			GateUp: lin("mlp.gate_up_proj", 12, testHidden, seed+3),
			Down:   lin("mlp.down_proj", testHidden, 6, seed+4),
		},
	}
}

func testModel(qkvRows ...int) *model.CausalLM {
	layers := make([]model.Layer, len(qkvRows))
	for i, rows := range qkvRows {
		layers[i] = testLayer(i, rows)
	}
	norm := make([]float32, testHidden)
	for i := range norm {
		norm[i] = 1
	}
	return &model.CausalLM{
		Arch: "phi3",
		Config: model.Config{
			VocabSize:  testVocab,
			HiddenSize: testHidden,
			NumLayers:  len(layers),
			NumHeads:   2,
			NumKVHeads: 2,
			RMSNormEps: 1e-5,
			MaxSeqLen:  256,
		},
		Body: &model.Decoder{
			Embed:  &model.Embedding{Path: "model.embed_tokens", Weight: testMat(testVocab, testHidden, 1)},
			Layers: layers,
			Norm:   &model.RMSNorm{Path: "model.norm", Weight: norm, Eps: 1e-5, Dev: tensor.CPU},
		},
		LMHead: &model.Linear{Path: "lm_head", Weight: testMat(testVocab, testHidden, 2)},
	}
}

func newTestEcho(lm *model.CausalLM, outDir string) *echo.Echo {
	srv := New(Config{
		Model:     lm,
		Metrics:   metrics.New(prometheus.NewRegistry()),
		OutputDir: outDir,
	})
	e := echo.New()
	srv.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	e := newTestEcho(testModel(24), "")
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestModelReport(t *testing.T) {
	t.Parallel()
	e := newTestEcho(testModel(24, 24), "")
	rec := doJSON(t, e, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	r := decodeBody[awq.Report](t, rec)
	if r.Arch != "phi3" || r.Fused || len(r.Layers) != 2 {
		t.Fatalf("unexpected report: %+v", r)
	}
	if !r.Layers[0].Supported || !r.Layers[0].OFusable {
		t.Fatalf("layer 0: %+v", r.Layers[0])
	}
}

func TestPlanEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEcho(testModel(24, 24), "")

	rec := doJSON(t, e, http.MethodGet, "/v1/plan/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	p := decodeBody[awq.LayerPlan](t, rec)
	if p.Layer != 1 || len(p.Groups) != 4 {
		t.Fatalf("unexpected plan: %+v", p)
	}
	if p.Groups[0].InputKey != awq.KeyQKV || p.Groups[3].InputKey != awq.KeyDown {
		t.Fatalf("unexpected group order: %+v", p.Groups)
	}
	if !strings.Contains(rec.Body.String(), `"act":{"scalable":false}`) {
		t.Fatalf("plan body missing act scaling: %s", rec.Body.String())
	}

	tests := []struct {
		path string
		want int
	}{
		{"/v1/plan/abc", http.StatusBadRequest},
		{"/v1/plan/7", http.StatusNotFound},
		{"/v1/plan/-1", http.StatusNotFound},
	}
	for _, tc := range tests {
		rec := doJSON(t, e, http.MethodGet, tc.path, "")
		if rec.Code != tc.want {
			t.Errorf("%s: got %d want %d body=%s", tc.path, rec.Code, tc.want, rec.Body.String())
		}
	}
}

func TestFuseLifecycle(t *testing.T) {
	t.Parallel()
	e := newTestEcho(testModel(24, 24), "")

	rec := doJSON(t, e, http.MethodPost, "/v1/fuse", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("fuse status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[FuseResponse](t, rec)
	if resp.RunID == "" || resp.Blocks != 2 || resp.OutputDir != "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	again := doJSON(t, e, http.MethodPost, "/v1/fuse", `{}`)
	if again.Code != http.StatusConflict {
		t.Fatalf("second fuse: got %d body=%s", again.Code, again.Body.String())
	}

	plan := doJSON(t, e, http.MethodGet, "/v1/plan/0", "")
	if plan.Code != http.StatusConflict {
		t.Fatalf("plan after fuse: got %d body=%s", plan.Code, plan.Body.String())
	}

	report := decodeBody[awq.Report](t, doJSON(t, e, http.MethodGet, "/v1/model", ""))
	if !report.Fused || report.Blocks != 2 || len(report.Layers) != 0 {
		t.Fatalf("report after fuse: %+v", report)
	}
}

func TestFuseWritesCheckpoint(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "out")
	e := newTestEcho(testModel(24), dir)

	rec := doJSON(t, e, http.MethodPost, "/v1/fuse", `{"write":true,"dtype":"f16"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("fuse status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[FuseResponse](t, rec)
	if resp.OutputDir != dir {
		t.Fatalf("output dir: got %q want %q", resp.OutputDir, dir)
	}
	if _, err := os.Stat(filepath.Join(dir, fused.CheckpointFile)); err != nil {
		t.Fatalf("checkpoint missing: %v", err)
	}
	cfg, err := fused.ReadCheckpointConfig(dir)
	if err != nil {
		t.Fatalf("ReadCheckpointConfig: %v", err)
	}
	if cfg.RunID != resp.RunID || len(cfg.Blocks) != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestFuseRequestErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		qkv  int
		body string
		want int
	}{
		{"unknown field", 24, `{"nope":1}`, http.StatusBadRequest},
		{"bad json", 24, `{`, http.StatusBadRequest},
		{"bad dtype", 24, `{"dtype":"int4"}`, http.StatusBadRequest},
		{"write without dir", 24, `{"write":true}`, http.StatusBadRequest},
		{"qkv not divisible", 25, ``, http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			lm := testModel(tc.qkv)
			e := newTestEcho(lm, "")
			rec := doJSON(t, e, http.MethodPost, "/v1/fuse", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("got %d want %d body=%s", rec.Code, tc.want, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Fatalf("missing error envelope: %s", rec.Body.String())
			}
			if _, ok := lm.Decoder(); !ok {
				t.Fatalf("model body replaced after failed fuse")
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEcho(testModel(24), "")
	if rec := doJSON(t, e, http.MethodPost, "/v1/fuse", ""); rec.Code != http.StatusOK {
		t.Fatalf("fuse status: got %d body=%s", rec.Code, rec.Body.String())
	}
	rec := doJSON(t, e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `smelt_layers_fused_total{arch="phi3"} 1`) {
		t.Fatalf("metrics body missing fused counter:\n%s", rec.Body.String())
	}
}
