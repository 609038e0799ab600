// Package device decides once where tensor work runs. The choice only affects
// speed; predictions are the same on every device.
package device

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

type Kind int

const (
	CPU Kind = iota
	CUDA
)

func (k Kind) String() string {
	if k == CUDA {
		return "cuda"
	}
	return "cpu"
}

// Device is the resolved compute target.
type Device struct {
	Kind     Kind
	Threads  int
	CPUBrand string
	AVX2     bool
	AVX512   bool
}

// probeCUDA checks that the loaded onnxruntime can append the CUDA provider.
// Replaced in tests.
var probeCUDA = func() error {
	if !ort.IsInitialized() {
		return fmt.Errorf("onnxruntime environment not initialized")
	}
	options, err := ort.NewSessionOptions()
	if err != nil {
		return err
	}
	defer options.Destroy()
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()
	return options.AppendExecutionProviderCUDA(cudaOptions)
}

// Select resolves the device. With useCUDA the accelerator is used when the
// runtime supports it; otherwise, or when the probe fails, the CPU is used.
// threads <= 0 means one per logical core.
func Select(useCUDA bool, threads int, logger *zap.SugaredLogger) Device {
	d := Device{
		Kind:     CPU,
		Threads:  threads,
		CPUBrand: cpuid.CPU.BrandName,
		AVX2:     cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:   cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
	if d.Threads <= 0 {
		d.Threads = cpuid.CPU.LogicalCores
	}
	if d.Threads <= 0 {
		d.Threads = runtime.NumCPU()
	}

	if useCUDA {
		if err := probeCUDA(); err != nil {
			logger.Infof("CUDA unavailable, using CPU: %v", err)
		} else {
			d.Kind = CUDA
		}
	}

	logger.Infof("Compute device: %s (cpu: %q, threads: %d, avx2: %v, avx512: %v)",
		d.Kind, d.CPUBrand, d.Threads, d.AVX2, d.AVX512)
	return d
}

// SessionOptions builds onnxruntime session options for the device. The
// caller owns the result and must Destroy it.
func (d Device) SessionOptions() (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if err := options.SetIntraOpNumThreads(d.Threads); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("failed to set thread count: %w", err)
	}
	if d.Kind == CUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to create CUDA options: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to enable CUDA: %w", err)
		}
	}
	return options, nil
}
