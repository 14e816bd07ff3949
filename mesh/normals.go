package mesh

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// normalNeighbors is the neighbourhood size for point-cloud normal estimation.
const normalNeighbors = 12

// ComputeNormals derives per-vertex unit normals from the mesh geometry.
// Triangle meshes use area-weighted face normals accumulated per vertex, so
// sharp edges are not split. Point clouds fit a plane to each vertex's
// nearest neighbours. Either way the result is oriented away from the
// centroid.
func ComputeNormals(m *Mesh) []r3.Vec {
	if len(m.Vertices) == 0 {
		return nil
	}
	centroid := m.Centroid()
	if len(m.Faces) > 0 {
		normals := faceNormals(m)
		orientConsistently(normals, m.Vertices, centroid)
		return normals
	}
	normals := pointCloudNormals(m.Vertices)
	orientOutward(normals, m.Vertices, centroid)
	return normals
}

// faceNormals accumulates unnormalized face normals (length = 2 * area) onto
// each face's vertices. Vertices not referenced by a face get a zero vector,
// which orientConsistently replaces with the radial direction.
func faceNormals(m *Mesh) []r3.Vec {
	acc := make([]r3.Vec, len(m.Vertices))
	for _, f := range m.Faces {
		a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
		n := r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
		for _, idx := range f {
			acc[idx] = r3.Add(acc[idx], n)
		}
	}
	for i, n := range acc {
		if l := r3.Norm(n); l > 0 {
			acc[i] = r3.Scale(1/l, n)
		}
	}
	return acc
}

// pointCloudNormals estimates each normal as the eigenvector of the smallest
// eigenvalue of the neighbourhood covariance.
func pointCloudNormals(vertices []r3.Vec) []r3.Vec {
	normals := make([]r3.Vec, len(vertices))
	if len(vertices) < 3 {
		return normals
	}

	// kdtree.New reorders its input, so build from a copy.
	pts := make(kdtree.Points, len(vertices))
	for i, v := range vertices {
		pts[i] = kdtree.Point{v.X, v.Y, v.Z}
	}
	tree := kdtree.New(pts, false)

	k := min(normalNeighbors, len(vertices))
	for i, v := range vertices {
		keeper := kdtree.NewNKeeper(k)
		tree.NearestSet(keeper, kdtree.Point{v.X, v.Y, v.Z})

		var neighbors []r3.Vec
		for _, c := range keeper.Heap {
			p, ok := c.Comparable.(kdtree.Point)
			if !ok {
				continue
			}
			neighbors = append(neighbors, r3.Vec{X: p[0], Y: p[1], Z: p[2]})
		}
		normals[i] = planeNormal(neighbors)
	}
	return normals
}

// planeNormal returns the least-variance direction of pts, or the zero vector
// when there are too few points.
func planeNormal(pts []r3.Vec) r3.Vec {
	if len(pts) < 3 {
		return r3.Vec{}
	}
	var mean r3.Vec
	for _, p := range pts {
		mean = r3.Add(mean, p)
	}
	mean = r3.Scale(1/float64(len(pts)), mean)

	var cov [6]float64 // xx, xy, xz, yy, yz, zz
	for _, p := range pts {
		d := r3.Sub(p, mean)
		cov[0] += d.X * d.X
		cov[1] += d.X * d.Y
		cov[2] += d.X * d.Z
		cov[3] += d.Y * d.Y
		cov[4] += d.Y * d.Z
		cov[5] += d.Z * d.Z
	}
	sym := mat.NewSymDense(3, []float64{
		cov[0], cov[1], cov[2],
		cov[1], cov[3], cov[4],
		cov[2], cov[4], cov[5],
	})

	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return r3.Vec{}
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// Eigenvalues are ascending, so column 0 is the plane normal.
	n := r3.Vec{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	if l := r3.Norm(n); l > 0 {
		return r3.Scale(1/l, n)
	}
	return r3.Vec{}
}

// orientOutward flips each normal to point away from the centroid. Zero
// normals become the radial direction.
func orientOutward(normals, vertices []r3.Vec, centroid r3.Vec) {
	for i, n := range normals {
		radial := r3.Sub(vertices[i], centroid)
		if r3.Norm(n) == 0 {
			normals[i] = unitOr(radial, axisZ)
			continue
		}
		if r3.Dot(n, radial) < 0 {
			normals[i] = r3.Scale(-1, n)
		}
	}
}

// orientConsistently flips the whole normal field when most normals point
// towards the centroid, keeping the agreement between neighbouring faces.
// Zero normals become the radial direction.
func orientConsistently(normals, vertices []r3.Vec, centroid r3.Vec) {
	var outward, inward int
	var unset []int
	for i, n := range normals {
		if r3.Norm(n) == 0 {
			unset = append(unset, i)
			continue
		}
		if r3.Dot(n, r3.Sub(vertices[i], centroid)) < 0 {
			inward++
		} else {
			outward++
		}
	}
	if inward > outward {
		for i, n := range normals {
			normals[i] = r3.Scale(-1, n)
		}
	}
	for _, i := range unset {
		normals[i] = unitOr(r3.Sub(vertices[i], centroid), axisZ)
	}
}

func unitOr(v, fallback r3.Vec) r3.Vec {
	if l := r3.Norm(v); l > 0 {
		return r3.Scale(1/l, v)
	}
	return fallback
}
