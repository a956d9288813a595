//go:build !cuda

package accel

type CUDADevice struct {
	streams
}

func NewCUDADevice() *CUDADevice {
	return &CUDADevice{}
}

func (c *CUDADevice) Name() string    { return "cuda (not available)" }
func (c *CUDADevice) Available() bool { return false }

func (c *CUDADevice) NewStream(name string) *Stream { return c.add(name) }

func (c *CUDADevice) Close() error {
	c.closeAll()
	return nil
}
