package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/smelt/internal/model"
	"github.com/samcharles93/smelt/internal/tensor"
)

const (
	envSmeltModelDir = "SMELT_MODEL_DIR"
	envSmeltOutDir   = "SMELT_OUT_DIR"
)

// resolveModelDir picks the checkpoint directory from the flag or
// SMELT_MODEL_DIR and checks it holds a config.json.
func resolveModelDir(flag string) (string, error) {
	dir := strings.TrimSpace(flag)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv(envSmeltModelDir))
	}
	if dir == "" {
		return "", fmt.Errorf("--model is required unless %s is set", envSmeltModelDir)
	}
	dir = filepath.Clean(dir)
	st, err := os.Stat(filepath.Join(dir, model.ConfigFile))
	if err != nil {
		return "", fmt.Errorf("model directory %s: %w", dir, err)
	}
	if st.IsDir() {
		return "", fmt.Errorf("model directory %s: %s is a directory", dir, model.ConfigFile)
	}
	return dir, nil
}

// resolveFuseOut returns the output directory for a fused checkpoint. Without
// a flag it defaults to $SMELT_OUT_DIR/<model>-fused, or ./out/<model>-fused.
func resolveFuseOut(inDir, outFlag string) (string, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		return filepath.Clean(outFlag), nil
	}
	base := filepath.Base(filepath.Clean(inDir))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid input directory: %q", inDir)
	}
	outDir := strings.TrimSpace(os.Getenv(envSmeltOutDir))
	if outDir == "" {
		outDir = filepath.Join(".", "out")
	}
	return filepath.Join(outDir, base+"-fused"), nil
}

// loadModel loads the checkpoint named by the shared model flags.
func loadModel() (*model.CausalLM, error) {
	dir, err := resolveModelDir(modelDir)
	if err != nil {
		return nil, err
	}
	dev, err := tensor.ParseDevice(device)
	if err != nil {
		return nil, err
	}
	return model.Load(dir, model.LoadOptions{MaxSeqLen: maxSeqLen, Device: dev, NoMmap: noMmap})
}
