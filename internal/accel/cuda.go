//go:build cuda

package accel

/*
#cgo CFLAGS: -I/opt/cuda/include
#cgo LDFLAGS: -L/opt/cuda/lib64 -lcudart
#include <stdio.h>
#include <cuda_runtime.h>

static int device_count() {
	int n = 0;
	if (cudaGetDeviceCount(&n) != cudaSuccess) {
		return 0;
	}
	return n;
}

static void device_name(char *buf, int len) {
	struct cudaDeviceProp prop;
	if (cudaGetDeviceProperties(&prop, 0) == cudaSuccess) {
		snprintf(buf, len, "%s", prop.name);
	}
}
*/
import "C"
import "unsafe"

// CUDADevice reports the first CUDA device. Stream work runs in unified
// host memory on the stream goroutines.
type CUDADevice struct {
	streams
	available  bool
	deviceName string
}

func NewCUDADevice() *CUDADevice {
	count := int(C.device_count())
	name := ""
	if count > 0 {
		buf := make([]byte, 256)
		C.device_name((*C.char)(unsafe.Pointer(&buf[0])), C.int(len(buf)))
		name = C.GoString((*C.char)(unsafe.Pointer(&buf[0])))
	}
	return &CUDADevice{available: count > 0, deviceName: name}
}

func (c *CUDADevice) Name() string {
	if c.available {
		return "cuda (" + c.deviceName + ")"
	}
	return "cuda (not available)"
}

func (c *CUDADevice) Available() bool { return c.available }

func (c *CUDADevice) NewStream(name string) *Stream { return c.add(name) }

func (c *CUDADevice) Close() error {
	c.closeAll()
	return nil
}
