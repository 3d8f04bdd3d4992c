package wallet

import (
	"sync"

	"github.com/student-mobility/session-agent/internal/types"
)

// PairingState is the UI-facing view of the wallet connection
type PairingState struct {
	IsConnected bool                `json:"isConnected"`
	AccountID   string              `json:"accountId,omitempty"`
	IsLoading   bool                `json:"isLoading"`
	Status      types.PairingStatus `json:"status"`
}

// PairingStore is a shared mirror of the adapter's connection state
type PairingStore struct {
	mu    sync.RWMutex
	state PairingState
}

// NewPairingStore creates a store in the initializing state
func NewPairingStore() *PairingStore {
	return &PairingStore{state: PairingState{Status: types.PairingInitializing}}
}

// Get returns the current state
func (s *PairingStore) Get() PairingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *PairingStore) update(fn func(*PairingState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}
