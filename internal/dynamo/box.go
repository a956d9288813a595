package dynamo

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Box is a lower-triangular periodic cell; row i is box vector i.
type Box [3][3]float64

// boxMarginCorrect is the relative tolerance before a skewed off-diagonal
// element is shifted back by a lattice vector.
const boxMarginCorrect = 1.0005

func RectBox(lx, ly, lz float64) Box {
	return Box{{lx, 0, 0}, {0, ly, 0}, {0, 0, lz}}
}

func (b Box) dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		b[0][0], b[0][1], b[0][2],
		b[1][0], b[1][1], b[1][2],
		b[2][0], b[2][1], b[2][2],
	})
}

func (b Box) Volume() float64 {
	return math.Abs(mat.Det(b.dense()))
}

// Inverse returns the inverse box matrix. A singular box returns ErrInvalidState.
func (b Box) Inverse() (Tensor, error) {
	var inv mat.Dense
	if err := inv.Inverse(b.dense()); err != nil {
		return Tensor{}, ErrInvalidState
	}
	var t Tensor
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[i][j] = inv.At(i, j)
		}
	}
	return t, nil
}

// Scale multiplies every box vector by mu (row vector times matrix).
func (b Box) Scale(mu Tensor) Box {
	var m mat.Dense
	m.Mul(b.dense(), mat.NewDense(3, 3, mu.Flatten(nil)))
	var r Box
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m.At(i, j)
		}
	}
	return r
}

// IsValid reports whether the box is lower-triangular with positive diagonal.
func (b Box) IsValid() bool {
	return b[0][0] > 0 && b[1][1] > 0 && b[2][2] > 0 &&
		b[0][1] == 0 && b[0][2] == 0 && b[1][2] == 0
}

// CorrectSkew shifts off-diagonal elements that exceed half the
// corresponding diagonal by whole lattice vectors. The lattice is unchanged;
// the return value reports whether any element was shifted.
func (b *Box) CorrectSkew() bool {
	corrected := false
	for d := 2; d >= 1; d-- {
		for d2 := d - 1; d2 >= 0; d2-- {
			half := 0.5 * boxMarginCorrect * b[d2][d2]
			for b[d][d2] > half {
				for k := 0; k <= d2; k++ {
					b[d][k] -= b[d2][k]
				}
				corrected = true
			}
			for b[d][d2] < -half {
				for k := 0; k <= d2; k++ {
					b[d][k] += b[d2][k]
				}
				corrected = true
			}
		}
	}
	return corrected
}

// MinImage returns the shortest periodic image of dx.
func (b Box) MinImage(dx Vec3) Vec3 {
	for d := 2; d >= 0; d-- {
		if b[d][d] == 0 {
			continue
		}
		s := math.Round(dx[d] / b[d][d])
		if s != 0 {
			for k := 0; k <= d; k++ {
				dx[k] -= s * b[d][k]
			}
		}
	}
	return dx
}

// Wrap returns x shifted into the primary cell.
func (b Box) Wrap(x Vec3) Vec3 {
	for d := 2; d >= 0; d-- {
		if b[d][d] == 0 {
			continue
		}
		s := math.Floor(x[d] / b[d][d])
		if s != 0 {
			for k := 0; k <= d; k++ {
				x[k] -= s * b[d][k]
			}
		}
	}
	return x
}
