package math

// Mat3 is a 3x3 matrix in column-major order.
type Mat3 [9]float32

// Basis builds the matrix whose columns are the tangent, bitangent and normal.
// Multiplying a tangent-space vector by it yields an object-space vector.
func Basis(tangent, bitangent, normal Vec3) Mat3 {
	return Mat3{
		tangent.X, tangent.Y, tangent.Z,
		bitangent.X, bitangent.Y, bitangent.Z,
		normal.X, normal.Y, normal.Z,
	}
}

// MulVec3 returns m * v.
func (m Mat3) MulVec3(v Vec3) Vec3 {
	return Vec3{
		m[0]*v.X + m[3]*v.Y + m[6]*v.Z,
		m[1]*v.X + m[4]*v.Y + m[7]*v.Z,
		m[2]*v.X + m[5]*v.Y + m[8]*v.Z,
	}
}

// transpose returns the transposed matrix.
// For an orthonormal basis this is the inverse.
func (m Mat3) transpose() Mat3 {
	return Mat3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}
