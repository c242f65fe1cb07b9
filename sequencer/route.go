// Package sequencer stores and runs routes: saved sequences of positions,
// waits and loops driven through the motion core.
package sequencer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/w1xm/gs232_interface/rotator"
)

type StepType string

const (
	// Position moves to Azimuth and/or Elevation and waits for arrival.
	Position StepType = "position"
	// Wait pauses for DurationMs, or until Continue when DurationMs is 0.
	Wait StepType = "wait"
	// Loop repeats Steps Iterations times, or until stopped when
	// Iterations is 0.
	Loop StepType = "loop"
)

type Step struct {
	Type       StepType `json:"type"`
	Name       string   `json:"name,omitempty"`
	Azimuth    *float64 `json:"azimuth,omitempty"`
	Elevation  *float64 `json:"elevation,omitempty"`
	DurationMs int      `json:"duration_ms,omitempty"`
	Message    string   `json:"message,omitempty"`
	Iterations int      `json:"iterations,omitempty"`
	Steps      []Step   `json:"steps,omitempty"`
}

type Route struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

var ErrNotFound = errors.New("route not found")

func invalid(field, format string, args ...interface{}) error {
	return &rotator.ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (s Step) validate(path string) error {
	var err error
	switch s.Type {
	case Position:
		if s.Azimuth == nil && s.Elevation == nil {
			err = multierr.Append(err, invalid(path, "position needs an azimuth or elevation"))
		}
	case Wait:
		if s.DurationMs < 0 {
			err = multierr.Append(err, invalid(path+".duration_ms", "must not be negative"))
		}
	case Loop:
		if s.Iterations < 0 {
			err = multierr.Append(err, invalid(path+".iterations", "must not be negative"))
		}
		if len(s.Steps) == 0 {
			err = multierr.Append(err, invalid(path+".steps", "loop needs steps"))
		}
		for i, n := range s.Steps {
			err = multierr.Append(err, n.validate(fmt.Sprintf("%s.steps[%d]", path, i)))
		}
	default:
		err = multierr.Append(err, invalid(path+".type", "unknown step type %q", s.Type))
	}
	return err
}

// Validate reports every invalid step; each error is a
// *rotator.ConfigurationError.
func (r Route) Validate() error {
	var err error
	if r.ID == "" {
		err = multierr.Append(err, invalid("id", "must not be empty"))
	}
	for i, s := range r.Steps {
		err = multierr.Append(err, s.validate(fmt.Sprintf("steps[%d]", i)))
	}
	return err
}

// countSteps counts steps including those nested in loops.
func countSteps(steps []Step) int {
	n := 0
	for _, s := range steps {
		n++
		if s.Type == Loop {
			n += countSteps(s.Steps)
		}
	}
	return n
}

// Store holds routes, saved as JSON to a file when it has a path.
type Store struct {
	path string

	mu     sync.Mutex
	routes []Route
}

type routesFile struct {
	Routes []Route `json:"routes"`
}

// OpenStore loads the routes saved at path. A missing file is an empty
// store; an empty path keeps routes in memory only.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path}
	if path == "" {
		return s, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	var f routesFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	s.routes = f.Routes
	return s, nil
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(routesFile{Routes: s.routes}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrapf(err, "saving routes")
	}
	return errors.Wrapf(os.Rename(tmp, s.path), "saving routes")
}

func (s *Store) List() []Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Route{}, s.routes...)
}

func (s *Store) Get(id string) (Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.routes {
		if r.ID == id {
			return r, nil
		}
	}
	return Route{}, ErrNotFound
}

func (s *Store) Add(r Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.routes {
		if existing.ID == r.ID {
			return invalid("id", "route %q already exists", r.ID)
		}
	}
	s.routes = append(s.routes, r)
	return s.saveLocked()
}

// Update replaces the route with id; r's own ID is ignored.
func (s *Store) Update(id string, r Route) error {
	r.ID = id
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.routes {
		if s.routes[i].ID == id {
			s.routes[i] = r
			return s.saveLocked()
		}
	}
	return ErrNotFound
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.routes {
		if s.routes[i].ID == id {
			s.routes = append(s.routes[:i], s.routes[i+1:]...)
			return s.saveLocked()
		}
	}
	return ErrNotFound
}
