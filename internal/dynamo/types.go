package dynamo

import (
	"fmt"
	"math"
)

type Vec3 [3]float64

func (a Vec3) Add(b Vec3) Vec3 { return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func (a Vec3) Sub(b Vec3) Vec3 { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func (a Vec3) Scale(s float64) Vec3 {
	return Vec3{a[0] * s, a[1] * s, a[2] * s}
}
func (a Vec3) Dot(b Vec3) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }
func (a Vec3) Norm2() float64     { return a.Dot(a) }
func (a Vec3) Norm() float64      { return math.Sqrt(a.Norm2()) }

func (a Vec3) IsValid() bool {
	for _, v := range a {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Tensor is a 3x3 matrix indexed [row][col].
type Tensor [3][3]float64

func (t Tensor) Add(o Tensor) Tensor {
	var r Tensor
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = t[i][j] + o[i][j]
		}
	}
	return r
}

func (t Tensor) Sub(o Tensor) Tensor {
	return t.Add(o.Scale(-1))
}

func (t Tensor) Scale(s float64) Tensor {
	var r Tensor
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = t[i][j] * s
		}
	}
	return r
}

func (t Tensor) Trace() float64 { return t[0][0] + t[1][1] + t[2][2] }

// Outer returns a ⊗ b.
func Outer(a, b Vec3) Tensor {
	var r Tensor
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = a[i] * b[j]
		}
	}
	return r
}

// Flatten appends the 9 tensor entries row-major to buf.
func (t Tensor) Flatten(buf []float64) []float64 {
	for i := 0; i < 3; i++ {
		buf = append(buf, t[i][0], t[i][1], t[i][2])
	}
	return buf
}

// TensorFrom reads 9 row-major entries.
func TensorFrom(buf []float64) Tensor {
	var t Tensor
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[i][j] = buf[i*3+j]
		}
	}
	return t
}

type ParticleType uint8

const (
	ParticleAtom ParticleType = iota
	ParticleVSite
)

type Atom struct {
	Name   string
	Mass   float64
	Charge float64
	// LJ parameters at lambda=0 and lambda=1.
	Sigma, Epsilon, EpsilonB float64
	// Freeze is an index into Topology.FreezeGroups, -1 for none.
	Freeze int
	PType  ParticleType
}

// Molecule is the atom range [Start, End). Molecules are the unit of partitioning.
type Molecule struct {
	Start, End int
}

type Constraint struct {
	I, J   int
	Length float64
}

type Bond struct {
	I, J  int
	B0, K float64
}

// VSite is a two-atom linear virtual site: x_site = (1-A) x_I + A x_J.
type VSite struct {
	Site, I, J int
	A          float64
}

type Topology struct {
	Name         string
	Atoms        []Atom
	Molecules    []Molecule
	Constraints  []Constraint
	Bonds        []Bond
	VSites       []VSite
	FreezeGroups [][3]bool
}

func (t *Topology) NumAtoms() int { return len(t.Atoms) }

// NumBondeds is the run-wide count of bonded interactions every partition must preserve.
func (t *Topology) NumBondeds() int { return len(t.Bonds) + len(t.Constraints) + len(t.VSites) }

func (t *Topology) TotalMass() float64 {
	m := 0.0
	for _, a := range t.Atoms {
		if a.PType == ParticleAtom {
			m += a.Mass
		}
	}
	return m
}

// DegreesOfFreedom counts unconstrained, unfrozen dimensions of real atoms.
func (t *Topology) DegreesOfFreedom(comRemoval bool) float64 {
	ndf := 0.0
	for _, a := range t.Atoms {
		if a.PType != ParticleAtom {
			continue
		}
		for d := 0; d < 3; d++ {
			if a.Freeze >= 0 && t.FreezeGroups[a.Freeze][d] {
				continue
			}
			ndf++
		}
	}
	ndf -= float64(len(t.Constraints))
	if comRemoval {
		ndf -= 3
	}
	if ndf < 1 {
		ndf = 1
	}
	return ndf
}

// Validate checks index ranges and that every bonded interaction stays inside one molecule.
func (t *Topology) Validate() error {
	n := len(t.Atoms)
	molOf := make([]int, n)
	for i := range molOf {
		molOf[i] = -1
	}
	for mi, m := range t.Molecules {
		if m.Start < 0 || m.End > n || m.Start >= m.End {
			return fmt.Errorf("%w: molecule %d has range [%d,%d)", ErrInvalidState, mi, m.Start, m.End)
		}
		for i := m.Start; i < m.End; i++ {
			if molOf[i] >= 0 {
				return fmt.Errorf("%w: atom %d is in molecules %d and %d", ErrInvalidState, i, molOf[i], mi)
			}
			molOf[i] = mi
		}
	}
	for i, m := range molOf {
		if m < 0 {
			return fmt.Errorf("%w: atom %d belongs to no molecule", ErrInvalidState, i)
		}
	}
	same := func(kind string, idx int, atoms ...int) error {
		for _, a := range atoms {
			if a < 0 || a >= n {
				return fmt.Errorf("%w: %s %d references atom %d", ErrInvalidState, kind, idx, a)
			}
			if molOf[a] != molOf[atoms[0]] {
				return fmt.Errorf("%w: %s %d spans molecules", ErrInvalidState, kind, idx)
			}
		}
		return nil
	}
	for i, c := range t.Constraints {
		if err := same("constraint", i, c.I, c.J); err != nil {
			return err
		}
		if c.Length <= 0 {
			return fmt.Errorf("%w: constraint %d has length %g", ErrInvalidState, i, c.Length)
		}
	}
	for i, b := range t.Bonds {
		if err := same("bond", i, b.I, b.J); err != nil {
			return err
		}
	}
	for i, v := range t.VSites {
		if err := same("vsite", i, v.Site, v.I, v.J); err != nil {
			return err
		}
		if t.Atoms[v.Site].PType != ParticleVSite {
			return fmt.Errorf("%w: vsite %d site atom %d is not a virtual particle", ErrInvalidState, i, v.Site)
		}
	}
	for i, a := range t.Atoms {
		if a.Freeze >= len(t.FreezeGroups) {
			return fmt.Errorf("%w: atom %d freeze group %d undefined", ErrInvalidState, i, a.Freeze)
		}
		if a.PType == ParticleAtom && a.Mass <= 0 {
			return fmt.Errorf("%w: atom %d has mass %g", ErrInvalidState, i, a.Mass)
		}
	}
	return nil
}

// Lambda components of the free-energy coupling vector.
const (
	LambdaCoul = iota
	LambdaVdw
	LambdaBonded
	LambdaMass
	NumLambda
)

type Lambda [NumLambda]float64

// Extended holds thermostat and barostat extended variables and integrals.
type Extended struct {
	Xi            []float64 `json:"xi,omitempty"`
	VXi           []float64 `json:"vxi,omitempty"`
	Veta          float64   `json:"veta"`
	ThermIntegral float64   `json:"therm_integral"`
	BarosIntegral float64   `json:"baros_integral"`
}

func (e Extended) Clone() Extended {
	c := e
	c.Xi = append([]float64(nil), e.Xi...)
	c.VXi = append([]float64(nil), e.VXi...)
	return c
}

// DFHistory is the expanded-ensemble history: per lambda-state visit counts and weights.
type DFHistory struct {
	Visits  []int64   `json:"visits,omitempty"`
	Weights []float64 `json:"weights,omitempty"`
}

func (d DFHistory) Clone() DFHistory {
	return DFHistory{
		Visits:  append([]int64(nil), d.Visits...),
		Weights: append([]float64(nil), d.Weights...),
	}
}

// LocalState is the dynamic state owned by one rank. Home holds the global
// atom index of every local slot.
type LocalState struct {
	Home       []int
	X, V, F    []Vec3
	Box        Box
	Lambda     Lambda
	FEPState   int
	PresPrev   Tensor
	SVirPrev   Tensor
	FVirPrev   Tensor
	Ext        Extended
	DF         DFHistory
	Generation uint64
}

func (s *LocalState) NumAtoms() int { return len(s.Home) }

// SetNumAtoms resizes the per-atom arrays, keeping existing contents.
func (s *LocalState) SetNumAtoms(n int) {
	resize := func(v []Vec3) []Vec3 {
		if cap(v) >= n {
			return v[:n]
		}
		nv := make([]Vec3, n)
		copy(nv, v)
		return nv
	}
	s.X = resize(s.X)
	s.V = resize(s.V)
	s.F = resize(s.F)
	if len(s.Home) != n {
		h := make([]int, n)
		copy(h, s.Home)
		s.Home = h
	}
}

func (s *LocalState) IsValid() bool {
	for i := range s.X {
		if !s.X[i].IsValid() || !s.V[i].IsValid() {
			return false
		}
	}
	return true
}

// GlobalSnapshot is the full-system state assembled on the coordinating rank.
type GlobalSnapshot struct {
	Step     int64     `json:"step"`
	Time     float64   `json:"time"`
	X        []Vec3    `json:"x"`
	V        []Vec3    `json:"v"`
	Box      Box       `json:"box"`
	Lambda   Lambda    `json:"lambda"`
	FEPState int       `json:"fep_state"`
	PresPrev Tensor    `json:"pres_prev"`
	Ext      Extended  `json:"ext"`
	DF       DFHistory `json:"df"`
}

func NewGlobalSnapshot(natoms int) *GlobalSnapshot {
	return &GlobalSnapshot{X: make([]Vec3, natoms), V: make([]Vec3, natoms)}
}

func (g *GlobalSnapshot) Clone() *GlobalSnapshot {
	c := *g
	c.X = append([]Vec3(nil), g.X...)
	c.V = append([]Vec3(nil), g.V...)
	c.Ext = g.Ext.Clone()
	c.DF = g.DF.Clone()
	return &c
}

// Collect copies the home atoms and the replicated scalars of src into dst.
func Collect(dst *GlobalSnapshot, src *LocalState) {
	for li, gi := range src.Home {
		dst.X[gi] = src.X[li]
		dst.V[gi] = src.V[li]
	}
	dst.Box = src.Box
	dst.Lambda = src.Lambda
	dst.FEPState = src.FEPState
	dst.PresPrev = src.PresPrev
	dst.Ext = src.Ext.Clone()
	dst.DF = src.DF.Clone()
}

// Distribute builds a local state holding the given home atoms of src.
func Distribute(src *GlobalSnapshot, home []int, generation uint64) *LocalState {
	ls := &LocalState{
		Home:       append([]int(nil), home...),
		X:          make([]Vec3, len(home)),
		V:          make([]Vec3, len(home)),
		F:          make([]Vec3, len(home)),
		Box:        src.Box,
		Lambda:     src.Lambda,
		FEPState:   src.FEPState,
		PresPrev:   src.PresPrev,
		Ext:        src.Ext.Clone(),
		DF:         src.DF.Clone(),
		Generation: generation,
	}
	for li, gi := range home {
		ls.X[li] = src.X[gi]
		ls.V[li] = src.V[gi]
	}
	return ls
}

// EnergyTerms are the per-rank (or, after reduction, run-wide) potential energy terms.
type EnergyTerms struct {
	LJ         float64
	Coulomb    float64
	Bonds      float64
	External   float64
	DVDL       float64
	DVDLConstr float64
	// Foreign holds the potential energy evaluated at every lambda state.
	Foreign []float64
}

func (e EnergyTerms) Potential() float64 {
	return e.LJ + e.Coulomb + e.Bonds + e.External
}

// Pack appends the reducible terms to buf.
func (e EnergyTerms) Pack(buf []float64, nForeign int) []float64 {
	buf = append(buf, e.LJ, e.Coulomb, e.Bonds, e.External, e.DVDL, e.DVDLConstr)
	for i := 0; i < nForeign; i++ {
		v := 0.0
		if i < len(e.Foreign) {
			v = e.Foreign[i]
		}
		buf = append(buf, v)
	}
	return buf
}

// UnpackEnergyTerms reads terms written by Pack and returns the remainder.
func UnpackEnergyTerms(buf []float64, nForeign int) (EnergyTerms, []float64) {
	e := EnergyTerms{
		LJ: buf[0], Coulomb: buf[1], Bonds: buf[2], External: buf[3],
		DVDL: buf[4], DVDLConstr: buf[5],
	}
	buf = buf[6:]
	if nForeign > 0 {
		e.Foreign = append([]float64(nil), buf[:nForeign]...)
		buf = buf[nForeign:]
	}
	return e, buf
}

// IndexOf maps global atom indices to local slots.
func IndexOf(home []int) map[int]int {
	m := make(map[int]int, len(home))
	for li, gi := range home {
		m[gi] = li
	}
	return m
}
