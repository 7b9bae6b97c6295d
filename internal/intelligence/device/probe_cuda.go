//go:build cuda

package device

import (
	"gorgonia.org/cu"
)

// DefaultProbe queries the CUDA driver.
func DefaultProbe() Probe {
	return ProbeFunc(cudaAccelerators)
}

func cudaAccelerators() ([]AcceleratorInfo, error) {
	n, err := cu.NumDevices()
	if err != nil {
		return nil, err
	}
	out := make([]AcceleratorInfo, 0, n)
	for i := 0; i < n; i++ {
		dev := cu.Device(i)
		name, err := dev.Name()
		if err != nil {
			return nil, err
		}
		mem, err := dev.TotalMem()
		if err != nil {
			return nil, err
		}
		out = append(out, AcceleratorInfo{Index: i, Name: name, TotalMemory: mem})
	}
	return out, nil
}
