package wallet

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/student-mobility/session-agent/internal/errors"
	"github.com/student-mobility/session-agent/internal/logging"
	"github.com/student-mobility/session-agent/internal/types"
)

// Listener receives adapter events. Nil callbacks are skipped.
// Callbacks run on the connector's goroutine and must not block.
type Listener struct {
	OnPaired       func(accountIDs []string)
	OnDisconnected func()
	OnStatusChange func(status types.PairingStatus)
}

// AdapterOptions configures an Adapter
type AdapterOptions struct {
	Logger *logging.Logger
	Store  *PairingStore
}

// Adapter is the single process-wide handle on the pairing connector.
// Initialisation is lazy and happens at most once.
type Adapter struct {
	connector Connector
	logger    *logging.Logger
	store     *PairingStore

	ctx    context.Context
	cancel context.CancelFunc

	initOnce sync.Once
	initDone chan struct{}
	initErr  error

	mu        sync.RWMutex
	accounts  []string
	pairing   *Pairing
	status    types.PairingStatus
	listeners map[uint64]Listener
	nextID    uint64
}

// NewAdapter wraps connector. Nothing is initialised until Ready is called.
func NewAdapter(connector Connector, opts AdapterOptions) *Adapter {
	store := opts.Store
	if store == nil {
		store = NewPairingStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		connector: connector,
		logger:    logging.OrGlobal(opts.Logger).Named("wallet_adapter"),
		store:     store,
		ctx:       ctx,
		cancel:    cancel,
		initDone:  make(chan struct{}),
		status:    types.PairingInitializing,
		listeners: make(map[uint64]Listener),
	}
}

// Ready starts connector initialisation once and waits for it.
// A failed init is permanent for this adapter.
func (a *Adapter) Ready(ctx context.Context) error {
	a.initOnce.Do(func() {
		go a.init()
	})

	start := time.Now()
	select {
	case <-a.initDone:
		if a.initErr != nil {
			return apperrors.NewWalletNotInitializedError(a.initErr)
		}
		return nil
	case <-ctx.Done():
		return apperrors.NewWalletTimeoutError(time.Since(start).Round(time.Millisecond).String())
	}
}

func (a *Adapter) init() {
	defer close(a.initDone)

	a.logger.Info("Initialising wallet connector")
	if err := a.connector.Init(a.ctx, a.handle); err != nil {
		a.initErr = err
		a.setStatus(types.PairingFailed)
		a.logger.WithError(err).Error("Wallet connector failed to initialise")
		return
	}

	// a resumed session may already be paired before any event fires
	if p := a.connector.Pairing(); p != nil && len(p.AccountIDs) > 0 {
		a.handle(Event{Kind: EventPaired, AccountIDs: p.AccountIDs, Pairing: p})
		return
	}
	a.mu.RLock()
	status := a.status
	a.mu.RUnlock()
	if status == types.PairingInitializing {
		a.setStatus(types.PairingReady)
	}
}

func (a *Adapter) ready() bool {
	select {
	case <-a.initDone:
		return a.initErr == nil
	default:
		return false
	}
}

func (a *Adapter) requireReady() error {
	if !a.ready() {
		return apperrors.NewWalletNotInitializedError(nil)
	}
	return nil
}

// handle applies a connector event to adapter state and fans it out
func (a *Adapter) handle(ev Event) {
	a.mu.Lock()
	switch ev.Kind {
	case EventPaired:
		a.accounts = append([]string(nil), ev.AccountIDs...)
		if ev.Pairing != nil {
			a.pairing = ev.Pairing.Clone()
		} else {
			a.pairing = a.connector.Pairing()
		}
		a.status = types.PairingPaired
	case EventDisconnected:
		a.accounts = nil
		a.pairing = nil
		a.status = types.PairingDisconnected
	case EventStatus:
		a.status = ev.Status
	}
	accounts := append([]string(nil), a.accounts...)
	status := a.status
	listeners := make([]Listener, 0, len(a.listeners))
	for _, l := range a.listeners {
		listeners = append(listeners, l)
	}
	a.mu.Unlock()

	a.store.update(func(s *PairingState) {
		s.Status = status
		s.IsConnected = len(accounts) > 0
		s.AccountID = ""
		if len(accounts) > 0 {
			s.AccountID = accounts[0]
		}
		if status != types.PairingConnecting {
			s.IsLoading = false
		}
	})

	a.logger.WithFields(map[string]interface{}{
		"event":    string(ev.Kind),
		"status":   string(status),
		"accounts": len(accounts),
	}).Debug("Wallet event")

	for _, l := range listeners {
		switch ev.Kind {
		case EventPaired:
			if l.OnPaired != nil {
				l.OnPaired(append([]string(nil), accounts...))
			}
		case EventDisconnected:
			if l.OnDisconnected != nil {
				l.OnDisconnected()
			}
		}
		if l.OnStatusChange != nil {
			l.OnStatusChange(status)
		}
	}
}

func (a *Adapter) setStatus(status types.PairingStatus) {
	a.handle(Event{Kind: EventStatus, Status: status})
}

// Subscribe registers l. Registrations are additive; the returned func
// removes only this registration and is safe to call more than once.
func (a *Adapter) Subscribe(l Listener) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = l
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.listeners, id)
			a.mu.Unlock()
		})
	}
}

// ListenerCount reports the number of live registrations
func (a *Adapter) ListenerCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.listeners)
}

// ConnectedAccounts returns the paired account ids
func (a *Adapter) ConnectedAccounts() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.accounts...)
}

// IsConnected reports whether at least one account is paired
func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.accounts) > 0
}

// Status returns the last known connector status
func (a *Adapter) Status() types.PairingStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Pairing returns the current pairing metadata
func (a *Adapter) Pairing() *Pairing {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pairing.Clone()
}

// Store returns the shared pairing state mirror
func (a *Adapter) Store() *PairingStore {
	return a.store
}

// OpenPairingUI opens the pairing flow. The outcome arrives as events.
func (a *Adapter) OpenPairingUI() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	a.store.update(func(s *PairingState) { s.IsLoading = true })
	if err := a.connector.OpenPairingModal(); err != nil {
		a.store.update(func(s *PairingState) { s.IsLoading = false })
		a.logger.WithError(err).Warn("Failed to open pairing modal")
		return apperrors.NewWalletNotInitializedError(err)
	}
	return nil
}

// Disconnect tears down the pairing session. Disconnecting while
// unpaired is a no-op.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if !a.IsConnected() {
		return nil
	}
	if err := a.connector.Disconnect(ctx); err != nil {
		return apperrors.NewInternalError("wallet disconnect failed", err)
	}
	// connectors that do not emit on their own still converge
	if a.IsConnected() {
		a.handle(Event{Kind: EventDisconnected})
	}
	return nil
}

func (a *Adapter) requirePaired(accountID string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, id := range a.accounts {
		if id == accountID {
			return nil
		}
	}
	return apperrors.NewAccountNotPairedError(accountID)
}

// SignTransaction signs tx with a paired account
func (a *Adapter) SignTransaction(ctx context.Context, accountID string, tx []byte) ([]byte, error) {
	if err := a.requirePaired(accountID); err != nil {
		return nil, err
	}
	return a.connector.SignTransaction(ctx, accountID, tx)
}

// SignMessage signs message with a paired account
func (a *Adapter) SignMessage(ctx context.Context, accountID string, message []byte) ([]byte, error) {
	if err := a.requirePaired(accountID); err != nil {
		return nil, err
	}
	return a.connector.SignMessage(ctx, accountID, message)
}

// ExecuteContractCall submits a contract call from a paired account
func (a *Adapter) ExecuteContractCall(ctx context.Context, accountID string, call ContractCall) (*Receipt, error) {
	if err := a.requirePaired(accountID); err != nil {
		return nil, err
	}
	return a.connector.ExecuteContractCall(ctx, accountID, call)
}

// Close stops connector work started by the adapter
func (a *Adapter) Close() {
	a.cancel()
}
