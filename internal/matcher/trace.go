package matcher

// Trace collects optional near-miss diagnostics for one run. The caller owns
// the object and passes it into Engine.Run; a nil Trace disables collection
// with no side effects. All methods are nil-safe.
type Trace struct {
	Stages map[string]*StageTrace `json:"stages"`
}

// StageTrace holds per-stage diagnostic counters.
type StageTrace struct {
	AnchorsScanned int            `json:"anchors_scanned"`
	Emitted        int            `json:"emitted"`
	Rejections     map[string]int `json:"rejections,omitempty"`
}

// Rejection causes recorded by the stages.
const (
	rejectAmountOutsideTolerance = "amount_outside_tolerance"
	rejectDateOutsideTolerance   = "date_outside_tolerance"
	rejectMixedSigns             = "mixed_signs"
	rejectInfeasibleGroup        = "infeasible_group"
	rejectSpanExceeded           = "span_exceeded"
	rejectEmptyWindow            = "empty_window"
)

// NewTrace creates an empty trace
func NewTrace() *Trace {
	return &Trace{Stages: make(map[string]*StageTrace)}
}

func (t *Trace) stage(kind StageKind) *StageTrace {
	if t == nil {
		return nil
	}
	if t.Stages == nil {
		t.Stages = make(map[string]*StageTrace)
	}
	st, ok := t.Stages[kind.String()]
	if !ok {
		st = &StageTrace{Rejections: make(map[string]int)}
		t.Stages[kind.String()] = st
	}
	return st
}

func (t *Trace) anchor(kind StageKind) {
	if st := t.stage(kind); st != nil {
		st.AnchorsScanned++
	}
}

func (t *Trace) emitted(kind StageKind, n int) {
	if st := t.stage(kind); st != nil {
		st.Emitted += n
	}
}

func (t *Trace) reject(kind StageKind, cause string) {
	if st := t.stage(kind); st != nil {
		st.Rejections[cause]++
	}
}
