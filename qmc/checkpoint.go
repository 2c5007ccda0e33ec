package qmc

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/impurity-sim/impurity-sim/qmc/model"
)

// Checkpointing persists the Markov chain state as one JSON blob. The layout
// is opaque to callers and not a compatibility contract; derived state (the
// inverse matrix, the trace, the window caches) is rebuilt from scratch on
// load rather than serialized.

const checkpointVersion = 1

type checkpointState struct {
	Version     int              `json:"version"`
	Seed        int64            `json:"seed"`
	Sweeps      int64            `json:"sweeps"`
	Thermalized bool             `json:"thermalized"`
	Ops         OperatorSequence `json:"operators"`
	WormKind    *WormKind        `json:"worm_kind,omitempty"`
	WormOps     OperatorSequence `json:"worm_operators,omitempty"`
	MaxShift    float64          `json:"max_shift"`
	Hist        flatHistState    `json:"flat_histogram"`
}

// SaveCheckpoint writes the chain state to path.
func (s *Simulator) SaveCheckpoint(path string) error {
	st := checkpointState{
		Version:     checkpointVersion,
		Seed:        s.set.Seed,
		Sweeps:      s.sweeps,
		Thermalized: s.thermalized,
		Ops:         s.cfg.Ops,
		MaxShift:    s.shift.MaxShift,
		Hist:        s.machine.Hist.state(),
	}
	if s.cfg.Worm != nil {
		k := s.cfg.Worm.Kind
		st.WormKind = &k
		st.WormOps = s.cfg.Worm.Ops
	}
	blob, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling checkpoint")
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return errors.Wrapf(err, "writing checkpoint %s", path)
	}
	return nil
}

// ResumeSimulator constructs a simulator from settings and restores the chain
// state stored at path. Model and hybridization parameters must match the
// saving run; only the chain state itself is checkpointed.
func ResumeSimulator(lm *model.LocalModel, hyb model.Hybridization, set Settings, path string) (*Simulator, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading checkpoint %s", path)
	}
	var st checkpointState
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, errors.Wrapf(err, "parsing checkpoint %s", path)
	}
	if st.Version != checkpointVersion {
		return nil, errors.Errorf("checkpoint version %d not supported", st.Version)
	}
	if st.Seed != set.Seed {
		logrus.Warnf("checkpoint seed %d differs from configured seed %d; chain will not be bit-identical to an uninterrupted run", st.Seed, set.Seed)
	}

	s, err := NewSimulator(lm, hyb, set)
	if err != nil {
		return nil, err
	}
	if err := s.restore(st); err != nil {
		return nil, errors.Wrapf(err, "restoring checkpoint %s", path)
	}
	logrus.Infof("resumed from %s at sweep %d (order=%d, space=%v)",
		path, s.sweeps, s.cfg.Order(), s.cfg.Space)
	return s, nil
}

func (s *Simulator) restore(st checkpointState) error {
	s.cfg.Ops = st.Ops
	if st.WormKind != nil {
		if len(st.WormOps) == 0 {
			return errors.New("checkpoint names a worm kind but carries no worm operators")
		}
		s.cfg.Worm = &Worm{Kind: *st.WormKind, Ops: st.WormOps}
		s.cfg.Space = WormSpace(*st.WormKind)
	} else {
		s.cfg.Worm = nil
		s.cfg.Space = ZSpace
	}
	s.cfg.M.Rebuild(s.cfg.Ops)
	s.win.SetWindowSize(s.set.WindowSegments, s.cfg.MergedOps(), 0, +1)
	s.cfg.Trace = s.win.ComputeTrace(s.cfg.MergedOps())
	s.cfg.RefreshSign()

	s.machine.Hist.restore(st.Hist)
	s.shift.MaxShift = st.MaxShift
	s.sweeps = st.Sweeps
	s.thermalized = st.Thermalized
	if s.thermalized {
		s.machine.Hist.Freeze()
		s.shift.Freeze()
	}
	return s.cfg.ConsistencyCheck(s.win, 1e-6)
}
