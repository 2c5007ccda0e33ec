package qmc

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/impurity-sim/impurity-sim/qmc/model"
)

// Settings collects the sampling parameters. Validation happens once in the
// configuration layer before the simulator is constructed.
type Settings struct {
	Seed             int64
	ThermSweeps      int64
	Sweeps           int64
	WindowSegments   int
	GlobalInterval   int64
	InsertRank       int
	WormKinds        []WormKind
	WallClock        time.Duration
	SelfCheck        bool
	SelfCheckEvery   int64
	SelfCheckTol     float64
	ConvergeTarget   float64
	ProgressInterval int64
}

// Snapshot is the read-only view handed to the measurement layer after each
// production sweep.
type Snapshot struct {
	Order int
	Sign  float64
	Space ConfigSpace
	Ops   OperatorSequence
	Worm  *Worm
	M     *BlockMatrix
	Beta  float64
}

// Measurer consumes one Snapshot per production sweep. Implemented by the
// measurement package; nil disables measuring.
type Measurer interface {
	Measure(s *Snapshot)
}

// Simulator owns the full sampling state and drives the sweep loop: local
// updates at every window position, configuration-space transitions, periodic
// global updates, thermalization bookkeeping, and measurement dispatch.
//
// Single-threaded by construction; all random draws go through the
// partitioned RNG so subsystems cannot perturb each other's streams.
type Simulator struct {
	lm  *model.LocalModel
	hyb model.Hybridization
	set Settings

	rng     *PartitionedRNG
	cfg     *Configuration
	win     *SlidingWindow
	locals  []Updater
	globals []Updater
	shift   *ShiftUpdater
	machine *SpaceMachine

	measurer    Measurer
	sweeps      int64
	thermalized bool
}

// NewSimulator wires the sampler from a validated parameter set.
func NewSimulator(lm *model.LocalModel, hyb model.Hybridization, set Settings) (*Simulator, error) {
	if set.WindowSegments < 1 {
		return nil, errors.New("window segment count must be at least 1")
	}
	if set.InsertRank < 1 {
		set.InsertRank = 1
	}
	if set.SelfCheckEvery <= 0 {
		set.SelfCheckEvery = 100
	}
	if set.SelfCheckTol <= 0 {
		set.SelfCheckTol = 1e-8
	}
	if set.ProgressInterval <= 0 {
		set.ProgressInterval = 1000
	}

	s := &Simulator{
		lm:  lm,
		hyb: hyb,
		set: set,
		rng: NewPartitionedRNG(NewSimulationKey(set.Seed)),
	}
	s.win = NewSlidingWindow(lm, set.WindowSegments, nil)
	s.cfg = NewConfiguration(lm, hyb, s.win)
	s.machine = NewSpaceMachine(lm.Flavors, set.WormKinds)

	s.shift = &ShiftUpdater{MaxShift: lm.Beta / 10}
	s.locals = []Updater{
		&PairInsertUpdater{Flavors: lm.Flavors, Rank: 1},
		&PairRemoveUpdater{Flavors: lm.Flavors, Rank: 1},
		&PairInsertUpdater{Flavors: lm.Flavors, Rank: 1, Diagonal: true},
		&PairRemoveUpdater{Flavors: lm.Flavors, Rank: 1, Diagonal: true},
		s.shift,
	}
	if set.InsertRank > 1 {
		s.locals = append(s.locals,
			&PairInsertUpdater{Flavors: lm.Flavors, Rank: set.InsertRank},
			&PairRemoveUpdater{Flavors: lm.Flavors, Rank: set.InsertRank})
	}
	if lm.Flavors > 1 {
		s.locals = append(s.locals, &FlavorSwapUpdater{})
	}

	s.globals = []Updater{NewGlobalShiftUpdater(hyb.TranslationInvariant())}
	if lm.Flavors > 1 {
		s.globals = append(s.globals, &GlobalFlavorPermUpdater{Flavors: lm.Flavors})
	}
	return s, nil
}

// SetMeasurer installs the measurement sink; must be called before Run.
func (s *Simulator) SetMeasurer(m Measurer) { s.measurer = m }

// Configuration exposes the live configuration for tests and checkpointing.
func (s *Simulator) Configuration() *Configuration { return s.cfg }

// Window exposes the sliding window for tests and checkpointing.
func (s *Simulator) Window() *SlidingWindow { return s.win }

// SpaceMachine exposes the configuration-space machine.
func (s *Simulator) SpaceMachine() *SpaceMachine { return s.machine }

// Sweeps returns the number of completed sweeps, thermalization included.
func (s *Simulator) Sweeps() int64 { return s.sweeps }

// Run executes the sweep loop until the sweep budget is exhausted or the
// wall-clock limit is exceeded. The limit is only checked between sweeps, so
// a sweep is never interrupted mid-flight.
func (s *Simulator) Run() error {
	start := time.Now()
	total := s.set.ThermSweeps + s.set.Sweeps
	for s.sweeps < total {
		if s.set.WallClock > 0 && time.Since(start) > s.set.WallClock {
			logrus.Warnf("wall-clock limit reached after %d sweeps", s.sweeps)
			break
		}
		s.sweep()
		s.sweeps++

		if !s.thermalized && s.sweeps >= s.set.ThermSweeps {
			s.finishThermalization()
		}
		if s.thermalized && s.measurer != nil {
			s.measurer.Measure(s.snapshot())
		}
		if s.set.SelfCheck && s.sweeps%s.set.SelfCheckEvery == 0 {
			if err := s.cfg.ConsistencyCheck(s.win, s.set.SelfCheckTol); err != nil {
				logrus.Fatalf("self-check failed at sweep %d: %v", s.sweeps, err)
			}
		}
		if s.set.GlobalInterval > 0 && s.sweeps%s.set.GlobalInterval == 0 {
			s.globalPass()
		}
		if s.sweeps%s.set.ProgressInterval == 0 {
			logrus.Infof("[sweep %07d] order=%d space=%v sign=%.0f lnF=%.2e",
				s.sweeps, s.cfg.Order(), s.cfg.Space, s.cfg.Sign, s.machine.Hist.LnF())
		}
	}
	s.logAcceptance()
	return nil
}

// sweep visits every window position once: the local updater mix, one
// configuration-space attempt, then the cursor move that refreshes exactly
// one cached segment product.
func (s *Simulator) sweep() {
	localRNG := s.rng.ForSubsystem(SubsystemLocal)
	wormRNG := s.rng.ForSubsystem(SubsystemWorm)
	for step := 0; step < s.win.CycleLength(); step++ {
		for _, u := range s.locals {
			u.Propose(localRNG, s.cfg, s.win)
		}
		s.machine.Attempt(wormRNG, s.cfg, s.win)
		s.win.MoveToNextPosition(s.cfg.MergedOps())
	}
	if !s.win.AtSweepStart() {
		logrus.Fatalf("window cursor at position %d after a full sweep cycle", s.win.Position())
	}
}

// globalPass runs the global updaters at window size 1, bracketed by
// configuration-space attempts so worm states can enter and leave around the
// whole-axis moves.
func (s *Simulator) globalPass() {
	globalRNG := s.rng.ForSubsystem(SubsystemGlobal)
	wormRNG := s.rng.ForSubsystem(SubsystemWorm)

	s.win.SetWindowSize(1, s.cfg.MergedOps(), 0, +1)
	s.machine.Attempt(wormRNG, s.cfg, s.win)
	for _, g := range s.globals {
		g.Propose(globalRNG, s.cfg, s.win)
	}
	s.machine.Attempt(wormRNG, s.cfg, s.win)
	s.win.SetWindowSize(s.set.WindowSegments, s.cfg.MergedOps(), 0, +1)
}

// finishThermalization freezes the space-weight learner and the adaptive
// shift step. A learner that has not reached the convergence target keeps its
// last weights; the run proceeds with a warning.
func (s *Simulator) finishThermalization() {
	s.thermalized = true
	s.machine.Hist.Freeze()
	s.shift.Freeze()
	if s.set.ConvergeTarget > 0 && !s.machine.Hist.Converged(s.set.ConvergeTarget) {
		logrus.Warnf("space weights not converged at thermalization end: lnF=%.3e target=%.3e",
			s.machine.Hist.LnF(), s.set.ConvergeTarget)
	}
	logrus.Infof("thermalization complete after %d sweeps, order=%d", s.sweeps, s.cfg.Order())
}

func (s *Simulator) snapshot() *Snapshot {
	return &Snapshot{
		Order: s.cfg.Order(),
		Sign:  s.cfg.Sign,
		Space: s.cfg.Space,
		Ops:   s.cfg.Ops,
		Worm:  s.cfg.Worm,
		M:     s.cfg.M,
		Beta:  s.lm.Beta,
	}
}

func (s *Simulator) logAcceptance() {
	for _, u := range s.locals {
		st := u.Stats()
		logrus.Infof("updater %-20s proposed=%d accepted=%d rate=%.3f",
			u.Name(), st.Proposed, st.Accepted, st.Rate())
	}
	for _, g := range s.globals {
		st := g.Stats()
		logrus.Infof("updater %-20s proposed=%d accepted=%d rate=%.3f",
			g.Name(), st.Proposed, st.Accepted, st.Rate())
	}
	for name, st := range s.machine.TransitionStats() {
		logrus.Infof("updater %-20s proposed=%d accepted=%d rate=%.3f",
			name, st.Proposed, st.Accepted, st.Rate())
	}
}
