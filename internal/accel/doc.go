// Package accel offloads the leap-frog update and constraints to a device.
//
// The device is picked at startup:
//
//   - CUDA: when built with the cuda tag and a device is present
//   - SimDevice: host goroutines standing in for device streams
//
// # Buffers and generations
//
// Device buffers belong to one partition generation. After a repartition
// the host must call Reinit before any copy or update:
//
//	pipe := accel.NewPipeline(accel.AutoSelect(), top, constraint.NewShake(top, tol, iter))
//	if err := pipe.Reinit(ctx, ls); err != nil { ... }
//	ev, _ := pipe.CopyForcesToDevice(ls)
//	vir, err := pipe.Integrate(ctx, ls, ev, params)
//
// Build with CUDA device detection:
//
//	go build -tags cuda ./...
package accel
