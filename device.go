package theseus

import (
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Device names where tensors live. Only host memory is backed by kernels.
type Device string

const CPU Device = "cpu"

// ParseDevice maps a config selector to a Device. Accelerator selectors are
// recognised but rejected since no accelerator kernels exist.
func ParseDevice(selector string) (Device, error) {
	s := strings.ToLower(strings.TrimSpace(selector))
	switch {
	case s == "" || s == "cpu":
		return CPU, nil
	case s == "gpu" || s == "mps" || s == "cuda" || strings.HasPrefix(s, "cuda:"):
		return "", kindf(ErrDevice, "device %q is not available, only cpu kernels are built in", selector)
	default:
		return "", kindf(ErrDevice, "unknown device %q", selector)
	}
}

// Describe returns a one line summary of the host the kernels run on.
func (d Device) Describe() string {
	if d != CPU {
		return string(d)
	}
	return fmt.Sprintf("cpu (%s, %d logical cores, avx2=%t)",
		cpuid.CPU.BrandName, cpuid.CPU.LogicalCores, cpuid.CPU.Supports(cpuid.AVX2))
}

func checkDevice(model, batch Device) error {
	if model != batch {
		return kindf(ErrDevice, "batch is on %q but model is on %q", batch, model)
	}
	return nil
}

// deviceOf returns the device a model lives on, CPU unless it says otherwise.
func deviceOf(m Model) Device {
	if d, ok := m.(interface{ Device() Device }); ok {
		return d.Device()
	}
	return CPU
}
