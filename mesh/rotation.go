package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// parallelTolerance is the minimum cross-product length for two unit vectors
// to be considered non-parallel.
const parallelTolerance = 1e-9

// Rotation is a 3x3 row-major rotation matrix.
type Rotation [3][3]float64

// IdentityRotation returns the identity rotation.
func IdentityRotation() Rotation {
	return Rotation{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Apply rotates v.
func (r Rotation) Apply(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: r[0][0]*v.X + r[0][1]*v.Y + r[0][2]*v.Z,
		Y: r[1][0]*v.X + r[1][1]*v.Y + r[1][2]*v.Z,
		Z: r[2][0]*v.X + r[2][1]*v.Y + r[2][2]*v.Z,
	}
}

// Dense returns the rotation as a gonum matrix.
func (r Rotation) Dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		r[0][0], r[0][1], r[0][2],
		r[1][0], r[1][1], r[1][2],
		r[2][0], r[2][1], r[2][2],
	})
}

// rotationFromMatrix copies a 3x3 gonum matrix into a Rotation.
func rotationFromMatrix(m mat.Matrix) Rotation {
	var r Rotation
	for i := range 3 {
		for j := range 3 {
			r[i][j] = m.At(i, j)
		}
	}
	return r
}

// Det returns the determinant.
func (r Rotation) Det() float64 {
	return mat.Det(r.Dense())
}

// OrthonormalityError returns the Frobenius norm of R*Rᵀ - I.
func (r Rotation) OrthonormalityError() float64 {
	d := r.Dense()
	var rrt mat.Dense
	rrt.Mul(d, d.T())
	var diff mat.Dense
	diff.Sub(&rrt, mat.NewDiagDense(3, []float64{1, 1, 1}))
	return mat.Norm(&diff, 2)
}

// IsProper reports whether r is orthonormal with determinant +1 within tol.
func (r Rotation) IsProper(tol float64) bool {
	return r.OrthonormalityError() < tol && math.Abs(r.Det()-1) < tol
}

// frame builds the orthonormal basis [right, up, nose] from a possibly
// non-orthogonal nose/up pair. The nose direction is kept exactly; up is
// re-derived to be perpendicular to it.
func frame(nose, up r3.Vec) (*mat.Dense, error) {
	nn, nu := r3.Norm(nose), r3.Norm(up)
	if nn < parallelTolerance || nu < parallelTolerance {
		return nil, fmt.Errorf("%w: zero-length direction", ErrOrientationAmbiguous)
	}
	nose = r3.Scale(1/nn, nose)
	up = r3.Scale(1/nu, up)

	right := r3.Cross(up, nose)
	rn := r3.Norm(right)
	if rn < parallelTolerance {
		return nil, fmt.Errorf("%w: %w: nose and up directions are parallel", ErrOrientationAmbiguous, ErrGeometryDegenerate)
	}
	right = r3.Scale(1/rn, right)
	up = r3.Cross(nose, right)

	return mat.NewDense(3, 3, []float64{
		right.X, up.X, nose.X,
		right.Y, up.Y, nose.Y,
		right.Z, up.Z, nose.Z,
	}), nil
}

// SolveRotation returns the rotation taking the (fromNose, fromUp) frame onto
// the (toNose, toUp) frame: R = F_to * F_fromᵀ. On a zero-length or parallel
// pair it returns the identity together with an error wrapping
// ErrOrientationAmbiguous.
func SolveRotation(fromNose, fromUp, toNose, toUp r3.Vec) (Rotation, error) {
	fFrom, err := frame(fromNose, fromUp)
	if err != nil {
		return IdentityRotation(), fmt.Errorf("source frame: %w", err)
	}
	fTo, err := frame(toNose, toUp)
	if err != nil {
		return IdentityRotation(), fmt.Errorf("target frame: %w", err)
	}
	var r mat.Dense
	r.Mul(fTo, fFrom.T())
	return rotationFromMatrix(&r), nil
}
