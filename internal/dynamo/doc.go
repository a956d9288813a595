// Package dynamo provides the core data model shared by every stage of the
// molecular-dynamics stepping loop.
//
// The package defines the fundamental value types:
//
//   - [Vec3] and [Tensor]: per-atom vectors and 3x3 tensors (virial, pressure, kinetic energy)
//   - [Box]: the periodic simulation cell (lower-triangular)
//   - [Topology]: static per-atom metadata, molecules, constraints, bonds and virtual sites
//   - [LocalState]: the rank-owned, in-place mutated dynamic state
//   - [GlobalSnapshot]: a full-system copy produced on demand by [Collect]
//   - [EnergyTerms]: per-step energy totals
//
// # Ownership
//
// A LocalState belongs to exactly one rank's orchestrator. A GlobalSnapshot
// never aliases local slices: [Collect] copies into it and [Distribute]
// copies out of it.
//
// # Units
//
// nm, ps, amu, kJ/mol, K, bar. See units.go for conversion constants.
package dynamo
