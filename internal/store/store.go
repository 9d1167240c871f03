// Package store persists controller state as JSON with atomic writes.
package store

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/zeushome/zeus-controller/internal/model"
)

type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted state. A missing file yields a fresh state, not
// an error; the controller starts empty on first boot.
func (s *Store) Load() (*model.ControllerState, error) {
	file, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.NewControllerState(), nil
		}
		return nil, err
	}
	defer file.Close()

	var state model.ControllerState
	if err := json.NewDecoder(file).Decode(&state); err != nil {
		return nil, err
	}
	if state.ThermalEstimates == nil {
		state.ThermalEstimates = make(map[string]model.ThermalEstimate)
	}
	if state.Reservations == nil {
		state.Reservations = make(map[string]model.Reservation)
	}
	if state.LastSwitchChange == nil {
		state.LastSwitchChange = make(map[string]time.Time)
	}
	return &state, nil
}

func (s *Store) Save(state *model.ControllerState) error {
	tmpPath := s.path + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(state); err != nil {
		file.Close()
		return err
	}
	file.Sync()
	file.Close()

	return os.Rename(tmpPath, s.path)
}
