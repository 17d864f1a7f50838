package tensor

import (
	"fmt"
	"strconv"
	"strings"
)

// Device names where a tensor's storage lives, in "kind[:index]" form
// ("cpu", "cuda:0"). The zero value means cpu.
type Device string

const CPU Device = "cpu"

// ParseDevice normalises a device string. "cuda" becomes "cuda:0".
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "cpu" {
		return CPU, nil
	}
	kind, idx, hasIdx := strings.Cut(s, ":")
	switch kind {
	case "cuda", "metal", "rocm":
	default:
		return "", fmt.Errorf("unknown device kind %q", kind)
	}
	if !hasIdx {
		return Device(kind + ":0"), nil
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 {
		return "", fmt.Errorf("invalid device index %q", idx)
	}
	return Device(kind + ":" + strconv.Itoa(n)), nil
}

// Same reports whether d and o name the same device.
func (d Device) Same(o Device) bool { return d.String() == o.String() }

func (d Device) String() string {
	if d == "" {
		return string(CPU)
	}
	return string(d)
}
