package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveModelDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Run("flag wins over env", func(t *testing.T) {
		t.Setenv(envSmeltModelDir, "/nowhere")
		got, err := resolveModelDir(dir + string(filepath.Separator))
		if err != nil {
			t.Fatalf("resolveModelDir: %v", err)
		}
		if got != filepath.Clean(dir) {
			t.Fatalf("got %q want %q", got, filepath.Clean(dir))
		}
	})

	t.Run("env fallback", func(t *testing.T) {
		t.Setenv(envSmeltModelDir, dir)
		got, err := resolveModelDir("")
		if err != nil {
			t.Fatalf("resolveModelDir: %v", err)
		}
		if got != dir {
			t.Fatalf("got %q want %q", got, dir)
		}
	})

	t.Run("nothing set", func(t *testing.T) {
		t.Setenv(envSmeltModelDir, "")
		if _, err := resolveModelDir(""); err == nil {
			t.Fatalf("expected error without flag or env")
		}
	})

	t.Run("no config.json", func(t *testing.T) {
		if _, err := resolveModelDir(t.TempDir()); err == nil {
			t.Fatalf("expected error for directory without config.json")
		}
	})
}

func TestResolveFuseOut(t *testing.T) {
	t.Run("explicit output wins", func(t *testing.T) {
		want := filepath.Join(t.TempDir(), "x")
		got, err := resolveFuseOut("/models/phi3", want+"/")
		if err != nil {
			t.Fatalf("resolveFuseOut: %v", err)
		}
		if got != want {
			t.Fatalf("got %q want %q", got, want)
		}
	})

	t.Run("env output dir", func(t *testing.T) {
		envDir := t.TempDir()
		t.Setenv(envSmeltOutDir, envDir)
		got, err := resolveFuseOut("/models/phi3-mini", "")
		if err != nil {
			t.Fatalf("resolveFuseOut: %v", err)
		}
		if want := filepath.Join(envDir, "phi3-mini-fused"); got != want {
			t.Fatalf("got %q want %q", got, want)
		}
	})

	t.Run("default ./out", func(t *testing.T) {
		t.Setenv(envSmeltOutDir, "")
		got, err := resolveFuseOut("/models/phi3-mini", "")
		if err != nil {
			t.Fatalf("resolveFuseOut: %v", err)
		}
		if want := filepath.Join(".", "out", "phi3-mini-fused"); got != want {
			t.Fatalf("got %q want %q", got, want)
		}
	})

	t.Run("root input rejected", func(t *testing.T) {
		t.Setenv(envSmeltOutDir, "")
		if _, err := resolveFuseOut(string(filepath.Separator), ""); err == nil {
			t.Fatalf("expected error for root input")
		}
	})
}

func TestParseEmbedDevice(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"cpu", "cpu", false},
		{"CUDA", "cuda:0", false},
		{"rocm:1", "rocm:1", false},
		{"tpu", "", true},
	}
	for _, tc := range tests {
		got, err := parseEmbedDevice(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseEmbedDevice(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if string(got) != tc.want {
			t.Errorf("parseEmbedDevice(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
