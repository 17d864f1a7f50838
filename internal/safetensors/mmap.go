package safetensors

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Map maps the file read-only so ReadTensor copies out of the mapping instead
// of issuing a read per tensor. Close releases it. Mapping an already mapped
// file is a no-op.
func (f *File) Map() error {
	if f.data != nil {
		return nil
	}
	file, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	st, err := file.Stat()
	if err != nil {
		return err
	}
	size := st.Size()
	if size <= f.DataStart || size > int64(int(^uint(0)>>1)) {
		return fmt.Errorf("%s: cannot map %d bytes", f.Path, size)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", f.Path, err)
	}
	f.data = data
	return nil
}

// Close releases the mapping, if any.
func (f *File) Close() error {
	if f.data == nil {
		return nil
	}
	err := unix.Munmap(f.data)
	f.data = nil
	return err
}

// mapped copies t's bytes out of the mapping.
func (f *File) mapped(name string, t TensorInfo) ([]byte, error) {
	lo, hi := f.DataStart+t.Start, f.DataStart+t.End
	if hi > int64(len(f.data)) {
		return nil, fmt.Errorf("tensor %s: data past end of file", name)
	}
	return append([]byte(nil), f.data[lo:hi]...), nil
}

// Map maps every shard. On failure the shards mapped so far stay mapped and
// unmapped shards keep using reads.
func (s *Set) Map() error {
	var errs []error
	for _, f := range s.files {
		if err := f.Map(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Set) Close() error {
	var errs []error
	for _, f := range s.files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}
