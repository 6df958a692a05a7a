package control

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// AugLagSolver solves
//
//	minimize f(x)  subject to  cl ≤ c(x) ≤ cu,  xl ≤ x ≤ xu
//
// with the method of multipliers. Each outer iteration minimises the
// Powell-Hestenes-Rockafellar augmented Lagrangian
//
//	L(x; λ, ρ) = f(x) + ρ/2 · Σ (uᵢ − P(uᵢ))²,   uᵢ = cᵢ(x) + λᵢ/ρ
//
// over the variable box with projected Newton steps, where P projects onto
// [clᵢ, cuᵢ]. Multipliers are then updated as λᵢ = ρ·(uᵢ − P(uᵢ)) and ρ
// grows while the violation stalls.
//
// A solve succeeds once the constraint violation is at most FeasibilityTol
// and the projected gradient of the Lagrangian, ∇f + Jᵀλ, is at most
// OptimalityTol·(1 + ‖∇f‖∞).
//
// Variable bounds hold exactly at every iterate. Bounds at or beyond
// Unbounded are ignored.
type AugLagSolver struct {
	cfg SolverConfig
}

// NewAugLagSolver returns a solver using cfg's tolerances and penalty schedule
func NewAugLagSolver(cfg SolverConfig) *AugLagSolver {
	return &AugLagSolver{cfg: cfg}
}

// Solve implements Solver
func (s *AugLagSolver) Solve(p Problem) (sol Solution) {
	start := time.Now()
	defer func() { sol.Elapsed = time.Since(start) }()
	// Evaluator panics (bad index, NaN-sensitive math) are reported, not propagated
	defer func() {
		if r := recover(); r != nil {
			sol = Solution{Status: StatusNumericalFailure, Objective: math.NaN(), MaxViolation: math.Inf(1)}
		}
	}()

	if !validProblem(p) {
		return Solution{Status: StatusInvalidProblem, Objective: math.NaN(), MaxViolation: math.Inf(1)}
	}
	budget := p.TimeBudget
	if budget <= 0 {
		budget = DefaultTimeBudget
	}
	deadline := start.Add(budget)

	cfg := s.cfg
	clo, chi := p.Bounds.ConsLower, p.Bounds.ConsUpper
	b := newBox(p.Bounds.VarLower, p.Bounds.VarUpper)

	x := append([]float64(nil), p.X0...)
	b.project(x)
	cons := make([]float64, p.Eval.NumConstraints())
	lam := make([]float64, len(cons))
	rho := cfg.InitialPenalty

	al := newLagrangian(p, lam, &rho)
	nw := newNewton(al, b, cfg.MaxInnerIterations)

	sol = Solution{Objective: math.NaN(), MaxViolation: math.Inf(1)}
	prevViol := math.Inf(1)
	for outer := 1; outer <= cfg.MaxOuterIterations; outer++ {
		if !time.Now().Before(deadline) {
			sol.Status = StatusTimeExceeded
			return sol
		}
		res := nw.minimize(x, cfg.OptimalityTol, deadline)
		sol.Iterations = outer
		sol.InnerIterations += res.iterations
		switch res.status {
		case innerNumerical:
			sol.Status = StatusNumericalFailure
			return sol
		case innerTimeout:
			sol.Status = StatusTimeExceeded
			return sol
		}

		obj := p.Eval.EvaluateInto(cons, x)
		if math.IsNaN(obj) || math.IsInf(obj, 0) || floats.HasNaN(cons) || hasInf(cons) {
			sol.Status = StatusNumericalFailure
			return sol
		}
		viol := maxViolation(cons, clo, chi)
		sol.Objective, sol.MaxViolation = obj, viol

		// The inner gradient at x is ∇f + Jᵀλ for the updated λ, so a
		// converged inner solve is also KKT stationary.
		for i := range cons {
			u := cons[i] + lam[i]/rho
			lam[i] = rho * (u - ClampFloat(u, clo[i], chi[i]))
		}
		if viol <= cfg.FeasibilityTol && res.status == innerConverged {
			sol.Status = StatusSuccess
			sol.X = append([]float64(nil), x...)
			return sol
		}
		if viol > cfg.FeasibilityTol && viol > 0.25*prevViol {
			rho = math.Min(rho*cfg.PenaltyGrowth, cfg.MaxPenalty)
		}
		prevViol = viol
	}

	if sol.MaxViolation <= cfg.FeasibilityTol {
		sol.Status = StatusIterationLimit
	} else {
		sol.Status = StatusInfeasible
	}
	return sol
}

// lagrangian evaluates the augmented Lagrangian in x-space for the current
// multipliers and penalty
type lagrangian struct {
	eval Evaluator
	diff Differentiable
	nz   []Nonzero
	jac  []float64

	clo, chi []float64
	cons     []float64
	scratch  []float64
	lam      []float64
	rho      *float64
	weights  []float64

	fdSettings   *fd.Settings
	hessSettings *fd.JacobianSettings
}

func newLagrangian(p Problem, lam []float64, rho *float64) *lagrangian {
	m := p.Eval.NumConstraints()
	al := &lagrangian{
		eval:         p.Eval,
		clo:          p.Bounds.ConsLower,
		chi:          p.Bounds.ConsUpper,
		cons:         make([]float64, m),
		scratch:      make([]float64, m),
		lam:          lam,
		rho:          rho,
		weights:      make([]float64, m),
		fdSettings:   &fd.Settings{Formula: fd.Central},
		hessSettings: &fd.JacobianSettings{Formula: fd.Central},
	}
	if d, ok := p.Eval.(Differentiable); ok {
		al.diff = d
		al.nz = p.Sparsity
		if al.nz == nil {
			al.nz = d.Sparsity()
		}
		al.jac = make([]float64, len(al.nz))
	} else {
		// Differences of a differenced gradient need a coarser outer step.
		al.hessSettings.Step = 1e-4
	}
	return al
}

// value returns f(x) + ρ/2·Σ(u − P(u))² and leaves the penalty weights
// ρ·(u − P(u)) in al.weights
func (al *lagrangian) value(x []float64) float64 {
	rho := *al.rho
	v := al.eval.EvaluateInto(al.cons, x)
	for i, c := range al.cons {
		u := c + al.lam[i]/rho
		r := u - ClampFloat(u, al.clo[i], al.chi[i])
		al.weights[i] = rho * r
		v += 0.5 * rho * r * r
	}
	return v
}

func (al *lagrangian) gradient(grad, x []float64) {
	if al.diff == nil {
		fd.Gradient(grad, al.value, x, al.fdSettings)
		return
	}
	al.value(x)
	al.diff.Gradient(grad, x)
	al.diff.Jacobian(al.jac, x)
	for k, nz := range al.nz {
		grad[nz.Col] += al.weights[nz.Row] * al.jac[k]
	}
}

// objectiveGradient writes ∇f alone, the scale of the stationarity test
func (al *lagrangian) objectiveGradient(grad, x []float64) {
	if al.diff != nil {
		al.diff.Gradient(grad, x)
		return
	}
	fd.Gradient(grad, func(x []float64) float64 { return al.eval.EvaluateInto(al.scratch, x) }, x, al.fdSettings)
}

// hessian differences the gradient; dst is n×n and not necessarily symmetric
func (al *lagrangian) hessian(dst *mat.Dense, x []float64) {
	fd.Jacobian(dst, al.gradient, x, al.hessSettings)
}

type innerStatus int

const (
	innerConverged innerStatus = iota
	innerStalled
	innerIterationLimit
	innerTimeout
	innerNumerical
)

type innerResult struct {
	status     innerStatus
	iterations int
}

const (
	// activeEps bounds how close to a bound a variable must be to be held there
	activeEps     = 1e-6
	armijo        = 1e-4
	maxBacktracks = 50
)

// newton minimises the augmented Lagrangian over the variable box
// (Bertsekas' projected Newton). Variables at a bound whose gradient points
// out of the box are held there, the others take a regularised Newton step,
// and every trial point is projected back into the box.
type newton struct {
	al      *lagrangian
	box     box
	maxIter int

	g, gf, d, trial []float64
	free            []int
	hess            *mat.Dense
}

func newNewton(al *lagrangian, b box, maxIter int) *newton {
	n := len(b.lo)
	return &newton{
		al:      al,
		box:     b,
		maxIter: maxIter,
		g:       make([]float64, n),
		gf:      make([]float64, n),
		d:       make([]float64, n),
		trial:   make([]float64, n),
		free:    make([]int, 0, n),
		hess:    mat.NewDense(n, n, nil),
	}
}

// minimize improves x in place until the projected gradient is at most
// relTol·(1 + ‖∇f‖∞)
func (nw *newton) minimize(x []float64, relTol float64, deadline time.Time) innerResult {
	var res innerResult
	f := nw.al.value(x)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		res.status = innerNumerical
		return res
	}
	for {
		nw.al.gradient(nw.g, x)
		nw.al.objectiveGradient(nw.gf, x)
		if floats.HasNaN(nw.g) || hasInf(nw.g) || floats.HasNaN(nw.gf) {
			res.status = innerNumerical
			return res
		}
		pg := nw.box.projectedGradient(x, nw.g)
		if pg <= relTol*(1+floats.Norm(nw.gf, math.Inf(1))) {
			res.status = innerConverged
			return res
		}
		if res.iterations >= nw.maxIter {
			res.status = innerIterationLimit
			return res
		}
		if !time.Now().Before(deadline) {
			res.status = innerTimeout
			return res
		}
		res.iterations++

		next, ok := nw.step(x, f, pg)
		if !ok {
			res.status = innerStalled
			return res
		}
		f = next
	}
}

// step takes one projected Newton step from x, falling back to projected
// steepest descent when the Newton direction cannot be computed or fails
// the line search
func (nw *newton) step(x []float64, f, pg float64) (float64, bool) {
	g := nw.g
	eps := math.Min(activeEps, pg)
	nw.free = nw.free[:0]
	for i := range x {
		if !nw.box.held(i, x[i], g[i], eps) {
			nw.free = append(nw.free, i)
		}
	}

	nw.al.hessian(nw.hess, x)
	if nw.direction() {
		if next, ok := nw.search(x, f); ok {
			return next, true
		}
	}
	for i := range nw.d {
		nw.d[i] = -g[i]
	}
	return nw.search(x, f)
}

// direction fills nw.d: a Newton step on the free variables and a
// diagonally scaled gradient step on the held ones
func (nw *newton) direction() bool {
	h, g, d := nw.hess, nw.g, nw.d
	for i := range d {
		if hii := h.At(i, i); hii > 0 && !math.IsInf(hii, 1) {
			d[i] = -g[i] / hii
		} else {
			d[i] = -g[i]
		}
	}
	k := len(nw.free)
	if k == 0 {
		return true
	}

	sub := mat.NewSymDense(k, nil)
	rhs := mat.NewVecDense(k, nil)
	var maxDiag float64
	for a, i := range nw.free {
		rhs.SetVec(a, -g[i])
		for c := a; c < k; c++ {
			j := nw.free[c]
			v := 0.5 * (h.At(i, j) + h.At(j, i))
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
			sub.SetSym(a, c, v)
		}
		maxDiag = math.Max(maxDiag, math.Abs(h.At(i, i)))
	}

	// Add τI until the free block is positive definite.
	reg := mat.NewSymDense(k, nil)
	var chol mat.Cholesky
	var step mat.VecDense
	tau := 0.0
	for try := 0; try < 16; try++ {
		reg.CopySym(sub)
		for a := 0; a < k; a++ {
			reg.SetSym(a, a, reg.At(a, a)+tau)
		}
		if chol.Factorize(reg) {
			err := chol.SolveVecTo(&step, rhs)
			var cond mat.Condition
			if err == nil || errors.As(err, &cond) {
				for a, i := range nw.free {
					d[i] = step.AtVec(a)
				}
				return !floats.HasNaN(d)
			}
		}
		if tau == 0 {
			tau = 1e-8 * math.Max(maxDiag, 1)
		} else {
			tau *= 10
		}
	}
	return false
}

// search backtracks along the projection arc x(α) = P(x + α·d) until the
// Armijo condition holds, and moves x there
func (nw *newton) search(x []float64, f float64) (float64, bool) {
	g, d, trial := nw.g, nw.d, nw.trial
	alpha := 1.0
	for k := 0; k < maxBacktracks; k++ {
		for i := range trial {
			trial[i] = x[i] + alpha*d[i]
		}
		nw.box.project(trial)

		var dec float64
		for i := range trial {
			dec += g[i] * (trial[i] - x[i])
		}
		if dec < 0 {
			// Relative slack so roundoff in large objectives cannot reject
			// a step that is a descent to first order.
			if ft := nw.al.value(trial); ft <= f+armijo*dec+1e-13*math.Abs(f) {
				copy(x, trial)
				return ft, true
			}
		}
		alpha *= 0.5
	}
	return f, false
}

// box is the variable bound set with Unbounded mapped to ±Inf
type box struct {
	lo, hi []float64
}

func newBox(lo, hi []float64) box {
	b := box{lo: make([]float64, len(lo)), hi: make([]float64, len(hi))}
	for i := range lo {
		b.lo[i], b.hi[i] = lo[i], hi[i]
		if lo[i] <= -Unbounded {
			b.lo[i] = math.Inf(-1)
		}
		if hi[i] >= Unbounded {
			b.hi[i] = math.Inf(1)
		}
	}
	return b
}

func (b box) project(x []float64) {
	for i := range x {
		x[i] = math.Max(b.lo[i], math.Min(b.hi[i], x[i]))
	}
}

// projectedGradient returns ‖x − P(x − g)‖∞, zero exactly at a stationary
// point of the box-constrained problem
func (b box) projectedGradient(x, g []float64) float64 {
	var worst float64
	for i := range x {
		p := math.Max(b.lo[i], math.Min(b.hi[i], x[i]-g[i]))
		worst = math.Max(worst, math.Abs(x[i]-p))
	}
	return worst
}

// held reports whether variable i stays at its bound this step: fixed, or
// within eps of a bound its gradient pushes against
func (b box) held(i int, xi, gi, eps float64) bool {
	if b.lo[i] == b.hi[i] {
		return true
	}
	return (xi <= b.lo[i]+eps && gi > 0) || (xi >= b.hi[i]-eps && gi < 0)
}

// maxViolation returns the largest distance of a constraint value from its range
func maxViolation(cons, lo, hi []float64) float64 {
	var worst float64
	for i, c := range cons {
		worst = math.Max(worst, math.Abs(c-ClampFloat(c, lo[i], hi[i])))
	}
	return worst
}

func hasInf(s []float64) bool {
	for _, v := range s {
		if math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

func validProblem(p Problem) bool {
	if p.Eval == nil {
		return false
	}
	n, m := p.Eval.NumVars(), p.Eval.NumConstraints()
	b := p.Bounds
	if n <= 0 || len(p.X0) != n || len(b.VarLower) != n || len(b.VarUpper) != n ||
		len(b.ConsLower) != m || len(b.ConsUpper) != m {
		return false
	}
	for i := range b.VarLower {
		if !(b.VarLower[i] <= b.VarUpper[i]) {
			return false
		}
	}
	for i := range b.ConsLower {
		if !(b.ConsLower[i] <= b.ConsUpper[i]) {
			return false
		}
	}
	if p.Sparsity != nil {
		for _, nz := range p.Sparsity {
			if nz.Row < 0 || nz.Row >= m || nz.Col < 0 || nz.Col >= n {
				return false
			}
		}
	}
	return true
}
