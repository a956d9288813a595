package dynamo

import (
	"errors"
	"fmt"
)

// Domain errors for stepping operations.
var (
	// ErrConfig indicates an incompatible or invalid run configuration.
	ErrConfig = errors.New("dynamo: invalid configuration")

	// ErrNonConvergence indicates a constraint or coupling solver did not converge.
	ErrNonConvergence = errors.New("dynamo: solver did not converge")

	// ErrCommunication indicates a collective operation failed or timed out.
	ErrCommunication = errors.New("dynamo: collective communication failed")

	// ErrProvider indicates an external force provider failed or returned malformed output.
	ErrProvider = errors.New("dynamo: force provider failure")

	// ErrStaleBuffers indicates device buffers were used after a repartition.
	ErrStaleBuffers = errors.New("dynamo: accelerator buffers are stale")

	// ErrInvalidState indicates a state with invalid dimensions or values.
	ErrInvalidState = errors.New("dynamo: invalid state")

	// ErrBondedCount indicates the run-wide bonded interaction count does not match the topology.
	ErrBondedCount = errors.New("dynamo: bonded interaction count mismatch")
)

// Sub-protocol names used to attribute fatal errors.
const (
	ProtoConstraint    = "constraint convergence"
	ProtoReduction     = "global reduction"
	ProtoSignal        = "signal consensus"
	ProtoLoadBalance   = "pme load-balance communication"
	ProtoRepartition   = "repartition"
	ProtoReplicaEx     = "replica exchange"
	ProtoForce         = "force evaluation"
	ProtoAccelerator   = "accelerator update"
	ProtoCheckpoint    = "checkpoint"
	ProtoExpanded      = "expanded ensemble"
	ProtoHalo          = "halo exchange"
	ProtoCollect       = "state collection"
	ProtoCoupling      = "coupling"
	ProtoSwap          = "coordinate swapping"
	ProtoVirtualSites  = "virtual sites"
	ProtoBondedCounter = "bonded interaction check"
)

// StepError wraps a fatal error with the step index and the failing sub-protocol.
type StepError struct {
	Step     int64
	Protocol string
	Wrapped  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d: %s: %v", e.Step, e.Protocol, e.Wrapped)
}

func (e *StepError) Unwrap() error {
	return e.Wrapped
}

// Fatal attributes err to a step and sub-protocol. An error that already
// carries step attribution is returned unchanged.
func Fatal(step int64, protocol string, err error) error {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return err
	}
	return &StepError{Step: step, Protocol: protocol, Wrapped: err}
}
