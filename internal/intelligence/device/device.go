// Package device resolves the compute device a training run is placed on.
// Resolution happens once, at trainer construction; nothing downstream
// branches on device availability per batch.
package device

import (
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"github.com/turtacn/ic50bert/pkg/errors"
)

// Kind enumerates the supported device classes.
type Kind int

const (
	CPU Kind = iota
	Accelerator
)

func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case Accelerator:
		return "accelerator"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts "cpu", "accelerator" and the aliases "cuda" and "gpu".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cpu":
		return CPU, nil
	case "accelerator", "cuda", "gpu":
		return Accelerator, nil
	default:
		return CPU, errors.InvalidParam(fmt.Sprintf("unknown device %q", s))
	}
}

// Device is a resolved placement target.
type Device struct {
	Kind  Kind
	Index int
	// Name is a human readable description, e.g. the CPU brand string.
	Name string
}

func (d Device) String() string {
	if d.Kind == Accelerator {
		return fmt.Sprintf("%s:%d", d.Kind, d.Index)
	}
	return d.Kind.String()
}

// Host is the CPU device.
func Host() Device {
	name := cpuid.CPU.BrandName
	if name == "" {
		name = "unknown cpu"
	}
	return Device{Kind: CPU, Name: name}
}

// HostFeatures lists the vector extensions of the host CPU that matter for
// dense float math.
func HostFeatures() []string {
	var out []string
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.SSE4, "sse4"},
		{cpuid.AVX, "avx"},
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma3"},
		{cpuid.AVX512F, "avx512f"},
	} {
		if cpuid.CPU.Supports(f.id) {
			out = append(out, f.name)
		}
	}
	return out
}

// AcceleratorInfo describes one accelerator reported by a Probe.
type AcceleratorInfo struct {
	Index       int
	Name        string
	TotalMemory int64
}

// Probe enumerates accelerators visible to the process.
type Probe interface {
	Accelerators() ([]AcceleratorInfo, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func() ([]AcceleratorInfo, error)

func (f ProbeFunc) Accelerators() ([]AcceleratorInfo, error) { return f() }

// Resolve maps a requested kind to a concrete device. An accelerator request
// fails with a device error when the probe reports none.
func Resolve(kind Kind, probe Probe) (Device, error) {
	switch kind {
	case CPU:
		return Host(), nil
	case Accelerator:
		if probe == nil {
			probe = DefaultProbe()
		}
		infos, err := probe.Accelerators()
		if err != nil {
			return Device{}, errors.DeviceUnavailable("accelerator probe failed").WithCause(err)
		}
		if len(infos) == 0 {
			return Device{}, errors.DeviceUnavailable("no accelerator available")
		}
		return Device{Kind: Accelerator, Index: infos[0].Index, Name: infos[0].Name}, nil
	default:
		return Device{}, errors.DeviceUnavailable(fmt.Sprintf("unsupported device %s", kind))
	}
}
