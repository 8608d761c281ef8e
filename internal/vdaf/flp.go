package vdaf

import "fmt"

// verifierLen is the fixed size of a verifier share: circuit output, both
// wire evaluations and the gadget polynomial at the query point.
const verifierLen = 4

// flpParams describes a range-check circuit: n elements each constrained to
// {0,1} through the gadget x*(x-1), optionally with a one-hot sum check.
//
// The client interpolates two wire polynomials through its gadget inputs
// (with a random blind at point zero) and ships the coefficients of their
// product as the proof. Input and proof are split additively between the
// aggregators, so every verifier-side quantity is linear in one party's
// shares and the parties only need to exchange their 4-element verifier
// shares once.
type flpParams struct {
	n        int  // n is the number of checked elements / gadget calls
	sumCheck bool // sumCheck additionally requires the elements to sum to 1
}

// proofLen is two wire blinds plus the 2n+1 gadget polynomial coefficients.
func (p flpParams) proofLen() int {
	return 2*p.n + 3
}

// prove builds the proof over the full measurement vector u (length n).
func (p flpParams) prove(u []uint64) ([]uint64, error) {
	if len(u) != p.n {
		return nil, fmt.Errorf("measurement length %d, want %d", len(u), p.n)
	}

	blind1, err := randElement()
	if err != nil {
		return nil, err
	}

	blind2, err := randElement()
	if err != nil {
		return nil, err
	}

	// Wire values at x=0 are the blinds, at x=j the j-th gadget inputs.
	ys1 := make([]uint64, p.n+1)
	ys2 := make([]uint64, p.n+1)
	ys1[0] = blind1
	ys2[0] = blind2

	for j := 1; j <= p.n; j++ {
		ys1[j] = u[j-1]
		ys2[j] = Sub(u[j-1], 1)
	}

	f1 := interpolate(ys1)
	f2 := interpolate(ys2)
	gadget := polyMul(f1, f2)

	proof := make([]uint64, 0, p.proofLen())
	proof = append(proof, blind1, blind2)
	proof = append(proof, gadget...)

	return proof, nil
}

// queryShare evaluates one party's verifier share from its input and proof
// shares. The constant terms of the circuit (the -1 in each gadget input and
// in the sum check) are carried by the leader exactly once.
func (p flpParams) queryShare(role Role, qr queryRand, input, proof []uint64) []uint64 {
	var c uint64
	if role == RoleLeader {
		c = 1
	}

	gadget := proof[2:]

	// Circuit output: fold the gadget outputs at the call points, plus the
	// sum check, with powers of the fold coefficient.
	out := uint64(0)
	rpow := qr.fold

	for j := 1; j <= p.n; j++ {
		out = Add(out, Mul(rpow, polyEval(gadget, uint64(j))))
		rpow = Mul(rpow, qr.fold)
	}

	if p.sumCheck {
		sum := uint64(0)
		for _, v := range input {
			sum = Add(sum, v)
		}
		out = Add(out, Mul(rpow, Sub(sum, c)))
	}

	// Wire evaluations at the query point.
	lag := lagrangeAt(p.n, qr.point)

	f1 := Mul(proof[0], lag[0])
	f2 := Mul(proof[1], lag[0])

	for j := 1; j <= p.n; j++ {
		f1 = Add(f1, Mul(input[j-1], lag[j]))
		f2 = Add(f2, Mul(Sub(input[j-1], c), lag[j]))
	}

	pt := polyEval(gadget, qr.point)

	return []uint64{out, f1, f2, pt}
}

// decide checks a combined verifier: the circuit output must vanish and the
// gadget polynomial must agree with the wire product at the query point.
func decide(verifier []uint64) bool {
	if len(verifier) != verifierLen {
		return false
	}

	return verifier[0] == 0 && Mul(verifier[1], verifier[2]) == verifier[3]
}

// Polynomials are coefficient slices, index = degree.

// polyEval evaluates the polynomial at x by Horner's rule.
func polyEval(coeffs []uint64, x uint64) uint64 {
	acc := uint64(0)

	for i := len(coeffs) - 1; i >= 0; i-- {
		acc = Add(Mul(acc, x), coeffs[i])
	}

	return acc
}

// polyMul multiplies two polynomials schoolbook-style.
func polyMul(a, b []uint64) []uint64 {
	out := make([]uint64, len(a)+len(b)-1)

	for i, ai := range a {
		if ai == 0 {
			continue
		}
		for j, bj := range b {
			out[i+j] = Add(out[i+j], Mul(ai, bj))
		}
	}

	return out
}

// basePoly returns the coefficients of (x-0)(x-1)...(x-n).
func basePoly(n int) []uint64 {
	coeffs := []uint64{0, 1} // x

	for k := 1; k <= n; k++ {
		next := make([]uint64, len(coeffs)+1)
		for i, ci := range coeffs {
			// multiply by (x - k)
			next[i+1] = Add(next[i+1], ci)
			next[i] = Sub(next[i], Mul(uint64(k), ci))
		}
		coeffs = next
	}

	return coeffs
}

// synthDiv divides p by (x - root); the division must be exact.
func synthDiv(p []uint64, root uint64) []uint64 {
	out := make([]uint64, len(p)-1)
	carry := uint64(0)

	for i := len(p) - 1; i >= 1; i-- {
		carry = Add(p[i], Mul(carry, root))
		out[i-1] = carry
	}

	return out
}

// interpolate returns the coefficients of the unique polynomial passing
// through (0, ys[0]), (1, ys[1]), ..., (n, ys[n]).
func interpolate(ys []uint64) []uint64 {
	n := len(ys) - 1
	base := basePoly(n)
	out := make([]uint64, n+1)

	for j := 0; j <= n; j++ {
		if ys[j] == 0 {
			continue
		}

		qj := synthDiv(base, uint64(j))
		scale := Mul(ys[j], Inv(polyEval(qj, uint64(j))))

		for i, ci := range qj {
			out[i] = Add(out[i], Mul(scale, ci))
		}
	}

	return out
}

// lagrangeAt returns the Lagrange basis values L_0(t), ..., L_n(t) for the
// interpolation points 0..n.
func lagrangeAt(n int, t uint64) []uint64 {
	m := n + 1

	prefix := make([]uint64, m+1)
	prefix[0] = 1
	for k := 0; k < m; k++ {
		prefix[k+1] = Mul(prefix[k], Sub(t, uint64(k)))
	}

	suffix := make([]uint64, m+1)
	suffix[m] = 1
	for k := m - 1; k >= 0; k-- {
		suffix[k] = Mul(suffix[k+1], Sub(t, uint64(k)))
	}

	fact := make([]uint64, m)
	fact[0] = 1
	for k := 1; k < m; k++ {
		fact[k] = Mul(fact[k-1], uint64(k))
	}

	out := make([]uint64, m)
	for j := 0; j < m; j++ {
		num := Mul(prefix[j], suffix[j+1])

		den := Mul(fact[j], fact[n-j])
		if (n-j)%2 == 1 {
			den = Neg(den)
		}

		out[j] = Mul(num, Inv(den))
	}

	return out
}
