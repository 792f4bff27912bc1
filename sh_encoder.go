package radnerf

import "fmt"

// SHDegree is the number of spherical harmonic bands the direction
// encoder evaluates. Degree 4 yields 16 basis functions.
const SHDegree = 4

// DirectionEncoder evaluates the real spherical harmonics basis on unit
// view directions. It has no learned parameters and no state.
type DirectionEncoder struct{}

// OutputDim returns SHDegree².
func (DirectionEncoder) OutputDim() int { return SHDegree * SHDegree }

// Encode maps directions of shape (N, 3) to (N, 16).
// Inputs are expected to be (near) unit length; they are not renormalised.
func (e DirectionEncoder) Encode(dirs *Tensor) (*Tensor, error) {
	if dirs.Dims() != 2 || dirs.Cols() != 3 {
		return nil, fmt.Errorf("%w: direction encoder expects (N, 3), got %v", ErrShapeMismatch, dirs.shape)
	}

	out := NewTensor(dirs.Rows(), e.OutputDim())
	for n := 0; n < dirs.Rows(); n++ {
		d := dirs.Row(n)
		shBasis(out.Row(n), d[0], d[1], d[2])
	}
	return out, nil
}

// shBasis writes the 16 degree-4 real SH values for direction (x, y, z).
func shBasis(dst []float64, x, y, z float64) {
	xy, xz, yz := x*y, x*z, y*z
	x2, y2, z2 := x*x, y*y, z*z

	// l = 0
	dst[0] = 0.28209479177387814

	// l = 1
	dst[1] = -0.48860251190291987 * y
	dst[2] = 0.48860251190291987 * z
	dst[3] = -0.48860251190291987 * x

	// l = 2
	dst[4] = 1.0925484305920792 * xy
	dst[5] = -1.0925484305920792 * yz
	dst[6] = 0.94617469575755997*z2 - 0.31539156525251999
	dst[7] = -1.0925484305920792 * xz
	dst[8] = 0.54627421529603959*x2 - 0.54627421529603959*y2

	// l = 3
	dst[9] = 0.59004358992664352 * y * (-3*x2 + y2)
	dst[10] = 2.8906114426405538 * xy * z
	dst[11] = 0.45704579946446572 * y * (1 - 5*z2)
	dst[12] = 0.3731763325901154 * z * (5*z2 - 3)
	dst[13] = 0.45704579946446572 * x * (1 - 5*z2)
	dst[14] = 1.4453057213202769 * z * (x2 - y2)
	dst[15] = 0.59004358992664352 * x * (-x2 + 3*y2)
}
