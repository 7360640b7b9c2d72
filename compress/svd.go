package compress

import "math"

// lowRankApprox returns the best rank-k approximation of the row-major
// out-by-in matrix w via the eigendecomposition of wᵀw. The top-k right
// singular vectors v_i give the reconstruction Σ (w v_i) v_iᵀ, which equals
// the truncated SVD without forming U and S explicitly. Dimensions here are
// small enough that cyclic Jacobi converges in a handful of sweeps.
func lowRankApprox(w []float32, out, in, k int) []float32 {
	// G = wᵀw, symmetric in-by-in.
	g := make([]float64, in*in)
	for i := 0; i < in; i++ {
		for j := i; j < in; j++ {
			var sum float64
			for o := 0; o < out; o++ {
				sum += float64(w[o*in+i]) * float64(w[o*in+j])
			}
			g[i*in+j] = sum
			g[j*in+i] = sum
		}
	}

	eigvals, eigvecs := jacobiEigen(g, in)

	order := topKByValue(eigvals, k)

	approx := make([]float32, len(w))
	wv := make([]float64, out)
	for _, col := range order {
		// v is the col-th eigenvector (column of eigvecs).
		for o := 0; o < out; o++ {
			var sum float64
			for i := 0; i < in; i++ {
				sum += float64(w[o*in+i]) * eigvecs[i*in+col]
			}
			wv[o] = sum
		}
		for o := 0; o < out; o++ {
			for i := 0; i < in; i++ {
				approx[o*in+i] += float32(wv[o] * eigvecs[i*in+col])
			}
		}
	}
	return approx
}

// jacobiEigen diagonalizes a symmetric n-by-n matrix with cyclic Jacobi
// rotations. It returns the eigenvalues and the matrix of eigenvectors as
// columns. The input slice is consumed as scratch space.
func jacobiEigen(a []float64, n int) ([]float64, []float64) {
	v := make([]float64, n*n)
	for i := 0; i < n; i++ {
		v[i*n+i] = 1
	}

	const maxSweeps = 30
	const tol = 1e-11
	for sweep := 0; sweep < maxSweeps; sweep++ {
		var off float64
		for p := 0; p < n; p++ {
			for q := p + 1; q < n; q++ {
				off += a[p*n+q] * a[p*n+q]
			}
		}
		if off < tol {
			break
		}
		for p := 0; p < n; p++ {
			for q := p + 1; q < n; q++ {
				apq := a[p*n+q]
				if math.Abs(apq) < tol/float64(n*n) {
					continue
				}
				app := a[p*n+p]
				aqq := a[q*n+q]
				theta := (aqq - app) / (2 * apq)
				t := math.Copysign(1, theta) / (math.Abs(theta) + math.Sqrt(theta*theta+1))
				c := 1 / math.Sqrt(t*t+1)
				s := t * c
				for i := 0; i < n; i++ {
					aip := a[i*n+p]
					aiq := a[i*n+q]
					a[i*n+p] = c*aip - s*aiq
					a[i*n+q] = s*aip + c*aiq
				}
				for i := 0; i < n; i++ {
					api := a[p*n+i]
					aqi := a[q*n+i]
					a[p*n+i] = c*api - s*aqi
					a[q*n+i] = s*api + c*aqi
				}
				for i := 0; i < n; i++ {
					vip := v[i*n+p]
					viq := v[i*n+q]
					v[i*n+p] = c*vip - s*viq
					v[i*n+q] = s*vip + c*viq
				}
			}
		}
	}

	eigvals := make([]float64, n)
	for i := 0; i < n; i++ {
		eigvals[i] = a[i*n+i]
	}
	return eigvals, v
}

// topKByValue returns the indices of the k largest values, descending.
func topKByValue(vals []float64, k int) []int {
	idx := make([]int, len(vals))
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < k && i < len(idx); i++ {
		best := i
		for j := i + 1; j < len(idx); j++ {
			if vals[idx[j]] > vals[idx[best]] {
				best = j
			}
		}
		idx[i], idx[best] = idx[best], idx[i]
	}
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}
