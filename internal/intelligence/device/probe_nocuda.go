//go:build !cuda

package device

// DefaultProbe reports no accelerators: binaries built without the cuda tag
// cannot place work on one.
func DefaultProbe() Probe {
	return ProbeFunc(func() ([]AcceleratorInfo, error) { return nil, nil })
}
