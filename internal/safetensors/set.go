package safetensors

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"
)

// IndexFile is the Hugging Face shard index name.
const IndexFile = "model.safetensors.index.json"

type shardIndex struct {
	Metadata  map[string]any    `json:"metadata"`
	WeightMap map[string]string `json:"weight_map"`
}

// Set is a checkpoint made of one or more safetensors shards.
type Set struct {
	Dir    string
	files  map[string]*File
	lookup map[string]*File
}

// OpenDir opens the checkpoint in dir. A shard index is used when present;
// otherwise every *.safetensors file in dir is opened.
func OpenDir(dir string) (*Set, error) {
	s := &Set{
		Dir:    dir,
		files:  make(map[string]*File),
		lookup: make(map[string]*File),
	}

	data, err := os.ReadFile(filepath.Join(dir, IndexFile))
	switch {
	case err == nil:
		var idx shardIndex
		if err := json.Unmarshal(data, &idx); err != nil {
			return nil, fmt.Errorf("parse %s: %w", IndexFile, err)
		}
		if len(idx.WeightMap) == 0 {
			return nil, fmt.Errorf("%s: empty weight_map", IndexFile)
		}
		for name, shard := range idx.WeightMap {
			f, err := s.open(filepath.Join(dir, shard))
			if err != nil {
				return nil, err
			}
			if _, ok := f.Tensors[name]; !ok {
				return nil, fmt.Errorf("%s: tensor %s not found in shard %s", IndexFile, name, shard)
			}
			s.lookup[name] = f
		}
	case errors.Is(err, fs.ErrNotExist):
		paths, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("no safetensors files in %s", dir)
		}
		slices.Sort(paths)
		for _, p := range paths {
			f, err := s.open(p)
			if err != nil {
				return nil, err
			}
			for name := range f.Tensors {
				if prev, dup := s.lookup[name]; dup {
					return nil, fmt.Errorf("duplicate tensor %s in %s and %s", name, prev.Path, f.Path)
				}
				s.lookup[name] = f
			}
		}
	default:
		return nil, err
	}
	return s, nil
}

func (s *Set) open(path string) (*File, error) {
	if f, ok := s.files[path]; ok {
		return f, nil
	}
	f, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	s.files[path] = f
	return f, nil
}

func (s *Set) Tensor(name string) (TensorInfo, bool) {
	f, ok := s.lookup[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensor(name)
}

func (s *Set) ReadTensor(name string) ([]byte, TensorInfo, error) {
	f, ok := s.lookup[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	return f.ReadTensor(name)
}

func (s *Set) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	f, ok := s.lookup[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	return f.ReadTensorF32(name)
}

// Names returns all tensor names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.lookup))
	for name := range s.lookup {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
