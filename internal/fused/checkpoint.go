package fused

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/samcharles93/smelt/internal/model"
	"github.com/samcharles93/smelt/internal/safetensors"
	"github.com/samcharles93/smelt/internal/tensor"
)

const (
	CheckpointFile = "model.safetensors"
	ConfigFile     = "fused_config.json"
	formatName     = "smelt-fused"
)

// WriteOptions control WriteCheckpoint.
type WriteOptions struct {
	Arch   string
	Config model.Config
	// LMHead is written as lm_head.weight when set.
	LMHead *model.Linear
	// DType converts matrices on write. Empty keeps each matrix's dtype.
	// Vectors are always written as F32.
	DType tensor.DType
}

// CheckpointConfig is the content of fused_config.json.
type CheckpointConfig struct {
	Format      string        `json:"format"`
	Arch        string        `json:"arch"`
	RunID       string        `json:"run_id,omitempty"`
	VocabSize   int           `json:"vocab_size"`
	HiddenSize  int           `json:"hidden_size"`
	NumHeads    int           `json:"num_attention_heads"`
	NumKVHeads  int           `json:"num_key_value_heads"`
	MaxSeqLen   int           `json:"max_seq_len"`
	DType       string        `json:"dtype,omitempty"`
	EmbedDevice string        `json:"embed_device,omitempty"`
	FinalEps    float64       `json:"final_norm_eps"`
	Blocks      []BlockRecord `json:"blocks"`
}

// BlockRecord describes one block in fused_config.json.
type BlockRecord struct {
	Index    int     `json:"index"`
	Source   string  `json:"source"`
	QRows    int     `json:"q_rows"`
	KRows    int     `json:"k_rows"`
	VRows    int     `json:"v_rows"`
	Norm1Eps float64 `json:"norm_1_eps"`
	Norm2Eps float64 `json:"norm_2_eps"`
	Device   string  `json:"device"`
}

// WriteCheckpoint stores m as dir/model.safetensors plus dir/fused_config.json.
func WriteCheckpoint(dir string, m *Model, opts WriteOptions) error {
	if m == nil {
		return fmt.Errorf("nil fused model")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	w := safetensors.NewWriter()
	w.SetMetadata("format", formatName)
	w.SetMetadata("arch", opts.Arch)
	w.SetMetadata("blocks", strconv.Itoa(len(m.Blocks)))
	if m.RunID != "" {
		w.SetMetadata("run_id", m.RunID)
	}

	cfg := CheckpointConfig{
		Format:     formatName,
		Arch:       opts.Arch,
		RunID:      m.RunID,
		VocabSize:  m.VocabSize,
		HiddenSize: opts.Config.HiddenSize,
		NumHeads:   opts.Config.NumHeads,
		NumKVHeads: opts.Config.NumKVHeads,
		MaxSeqLen:  opts.Config.MaxSeqLen,
		DType:      string(opts.DType),
		Blocks:     make([]BlockRecord, 0, len(m.Blocks)),
	}

	if m.Embed != nil {
		cfg.EmbedDevice = m.Embed.Weight.Device.String()
		if err := addMat(w, "embed_tokens.weight", m.Embed.Weight, opts.DType); err != nil {
			return err
		}
	}
	if m.Norm != nil {
		if err := addVec(w, "norm.weight", m.Norm.Weight); err != nil {
			return err
		}
		cfg.FinalEps = m.Norm.Eps
		w.SetMetadata("norm.eps", formatEps(m.Norm.Eps))
	}
	if opts.LMHead != nil {
		if err := addMat(w, "lm_head.weight", opts.LMHead.Weight, opts.DType); err != nil {
			return err
		}
	}

	for _, b := range m.Blocks {
		p := b.Name() + "."
		if err := addMat(w, p+"attn.qkv.weight", b.QKV.Weight, opts.DType); err != nil {
			return err
		}
		if b.QKV.Bias != nil {
			if err := addVec(w, p+"attn.qkv.bias", b.QKV.Bias); err != nil {
				return err
			}
		}
		if err := addLinear(w, p+"attn.o_proj", b.O, opts.DType); err != nil {
			return err
		}
		if err := addLinear(w, p+"mlp.gate_up_proj", b.MLP.GateUp, opts.DType); err != nil {
			return err
		}
		if err := addLinear(w, p+"mlp.down_proj", b.MLP.Down, opts.DType); err != nil {
			return err
		}
		if err := addVec(w, p+"norm_1.weight", b.Norm1.Weight); err != nil {
			return err
		}
		if err := addVec(w, p+"norm_2.weight", b.Norm2.Weight); err != nil {
			return err
		}
		w.SetMetadata(p+"norm_1.eps", formatEps(b.Norm1.Eps))
		w.SetMetadata(p+"norm_2.eps", formatEps(b.Norm2.Eps))

		cfg.Blocks = append(cfg.Blocks, BlockRecord{
			Index:    b.Index,
			Source:   b.Source,
			QRows:    b.QKV.QRows,
			KRows:    b.QKV.KRows,
			VRows:    b.QKV.VRows,
			Norm1Eps: b.Norm1.Eps,
			Norm2Eps: b.Norm2.Eps,
			Device:   b.Device.String(),
		})
	}

	if err := w.Save(filepath.Join(dir, CheckpointFile)); err != nil {
		return fmt.Errorf("write %s: %w", CheckpointFile, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ConfigFile), append(data, '\n'), 0o644)
}

// ReadCheckpointConfig loads dir/fused_config.json.
func ReadCheckpointConfig(dir string) (*CheckpointConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	var cfg CheckpointConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	if cfg.Format != formatName {
		return nil, fmt.Errorf("%s: unexpected format %q", ConfigFile, cfg.Format)
	}
	return &cfg, nil
}

// formatEps keeps the shortest representation that parses back to eps.
func formatEps(eps float64) string {
	return strconv.FormatFloat(eps, 'g', -1, 64)
}

func addLinear(w *safetensors.Writer, prefix string, l *model.Linear, dt tensor.DType) error {
	if err := addMat(w, prefix+".weight", l.Weight, dt); err != nil {
		return err
	}
	if l.Bias != nil {
		return addVec(w, prefix+".bias", l.Bias)
	}
	return nil
}

func addMat(w *safetensors.Writer, name string, m tensor.Mat, dt tensor.DType) error {
	src := m.DType
	if src == "" || m.Raw == nil {
		src = tensor.F32
	}
	if dt == "" {
		dt = src
	}
	var raw []byte
	if size, ok := src.ElemSize(); ok && dt == src && m.Raw != nil {
		raw = m.Raw[:m.R*m.C*size]
	} else {
		vals := make([]float32, m.R*m.C)
		for i := 0; i < m.R; i++ {
			m.RowTo(vals[i*m.C:(i+1)*m.C], i)
		}
		var err error
		if raw, err = tensor.Encode(dt, vals); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return w.Add(name, string(dt), []int{m.R, m.C}, raw)
}

func addVec(w *safetensors.Writer, name string, v []float32) error {
	raw, err := tensor.Encode(tensor.F32, v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return w.Add(name, string(tensor.F32), []int{len(v)}, raw)
}
