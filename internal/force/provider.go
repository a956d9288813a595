// Package force evaluates forces, energies and virials. Providers are owned
// by a run: Init once, Compute every step, Shutdown at the end.
package force

import (
	"context"

	"github.com/san-kum/mdloop/internal/dynamo"
)

// Request is one force evaluation. X holds the coordinates of every atom
// (after the halo exchange); forces are wanted for the Home atoms only.
type Request struct {
	Step   int64
	X      []dynamo.Vec3
	Home   []int
	Box    dynamo.Box
	Lambda dynamo.Lambda
	// Foreign lists the lambda states whose potential energy is wanted.
	Foreign []dynamo.Lambda

	CalcEnergy bool
	CalcVirial bool
	DoFEP      bool
}

// Output is the local share of one evaluation. Summed over ranks, the
// energies, virial and bonded count are the run-wide values.
type Output struct {
	F           []dynamo.Vec3
	Energy      dynamo.EnergyTerms
	Virial      dynamo.Tensor
	BondedCount int
}

type Provider interface {
	Name() string
	Init(ctx context.Context, top *dynamo.Topology) error
	Compute(ctx context.Context, req Request) (Output, error)
	Shutdown() error
}

// LongRangeSetup is the tunable long-range parameter set.
type LongRangeSetup struct {
	// CutoffScale scales the Coulomb real-space cutoff only.
	CutoffScale float64
	GridSpacing float64
}

// Tunable providers accept a new long-range setup between steps.
type Tunable interface {
	LongRange() LongRangeSetup
	SetLongRange(LongRangeSetup)
}

// bondedCount counts the bonded interactions assigned to the home atoms:
// each belongs to the rank that owns its first atom.
func bondedCount(top *dynamo.Topology, home []int) int {
	owned := make(map[int]bool, len(home))
	for _, gi := range home {
		owned[gi] = true
	}
	n := 0
	for _, b := range top.Bonds {
		if owned[b.I] {
			n++
		}
	}
	for _, c := range top.Constraints {
		if owned[c.I] {
			n++
		}
	}
	for _, v := range top.VSites {
		if owned[v.Site] {
			n++
		}
	}
	return n
}
