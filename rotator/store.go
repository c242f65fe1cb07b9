package rotator

import "sync"

// Store holds the live settings. Readers take a Snapshot per use so that a
// change made between two uses is picked up by the second.
type Store struct {
	mu  sync.RWMutex
	s   Settings
	gen uint64
}

func NewStore(s Settings) (*Store, error) {
	s.Ramp = s.Ramp.Bounded()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Store{s: s}, nil
}

func (st *Store) Snapshot() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// ModeGeneration changes every time the rotation mode is switched.
func (st *Store) ModeGeneration() uint64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.gen
}

func (st *Store) SetCalibration(c Calibration) error {
	if err := c.Validate(); err != nil {
		return err
	}
	st.mu.Lock()
	st.s.Calibration = c
	st.mu.Unlock()
	return nil
}

func (st *Store) SetLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	st.mu.Lock()
	st.s.Limits = l
	st.mu.Unlock()
	return nil
}

// SetRamp stores r after bounding it and returns the stored value.
func (st *Store) SetRamp(r RampSettings) RampSettings {
	r = r.Bounded()
	st.mu.Lock()
	st.s.Ramp = r
	st.mu.Unlock()
	return r
}

// SetMode switches the rotation mode. Entering 450 mode widens a full-circle
// azimuth limit to 450; leaving it narrows the limit back to 360.
func (st *Store) SetMode(m Mode) error {
	if !m.Valid() {
		return configErrorf("mode", "%d is not 360 or 450", m)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	l := &st.s.Limits
	switch m {
	case Mode450:
		if l.AzimuthMax >= 360 {
			l.AzimuthMax = 450
		}
	case Mode360:
		if l.AzimuthMax > 360 {
			l.AzimuthMax = 360
		}
		if l.AzimuthMin > l.AzimuthMax {
			l.AzimuthMin = l.AzimuthMax
		}
	}
	if st.s.Mode != m {
		st.gen++
	}
	st.s.Mode = m
	return nil
}
