package integrator

// TrotterOp is one operator of a Trotter-decomposed coupling sequence.
type TrotterOp uint8

const (
	TrotterThermo TrotterOp = iota + 1
	TrotterBaroV
)

func (op TrotterOp) String() string {
	switch op {
	case TrotterThermo:
		return "thermostat"
	case TrotterBaroV:
		return "barostat-velocity"
	}
	return "none"
}

// Positions of the sequences within a Verlet step.
const (
	// TrotterSeq1 runs after the first half step, before TrotterSeq2.
	TrotterSeq1 = 1
	// TrotterSeq2 runs on the full-step kinetic energy after the first reduction.
	TrotterSeq2 = 2
	// TrotterSeq3 runs before the second velocity half step.
	TrotterSeq3 = 3
	// TrotterSeq4 runs on the averaged kinetic energy after the final reduction.
	TrotterSeq4 = 4
)

// TrotterTable maps sequence positions to their operators.
type TrotterTable [5][]TrotterOp

// TrotterSequences builds the table for a Verlet variant. Leap-frog has none.
func TrotterSequences(kind Kind, noseHoover, mttk bool) TrotterTable {
	var t TrotterTable
	switch kind {
	case KindVelocityVerlet:
		switch {
		case mttk && noseHoover:
			t[TrotterSeq2] = []TrotterOp{TrotterBaroV, TrotterThermo}
			t[TrotterSeq3] = []TrotterOp{TrotterThermo, TrotterBaroV}
		case mttk:
			t[TrotterSeq2] = []TrotterOp{TrotterBaroV}
			t[TrotterSeq3] = []TrotterOp{TrotterBaroV}
		case noseHoover:
			t[TrotterSeq2] = []TrotterOp{TrotterThermo}
			t[TrotterSeq3] = []TrotterOp{TrotterThermo}
		}
	case KindVelocityVerletAvek:
		if mttk {
			t[TrotterSeq2] = []TrotterOp{TrotterBaroV}
			t[TrotterSeq3] = []TrotterOp{TrotterBaroV}
		}
		if noseHoover {
			t[TrotterSeq1] = []TrotterOp{TrotterThermo}
			t[TrotterSeq4] = []TrotterOp{TrotterThermo}
		}
	}
	return t
}

func (t TrotterTable) Empty() bool {
	for _, seq := range t {
		if len(seq) > 0 {
			return false
		}
	}
	return true
}
