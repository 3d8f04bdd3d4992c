// Package walletlink links a paired ledger wallet to the logged-in profile
// and keeps the displayed wallet address consistent across screens.
package walletlink

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/student-mobility/session-agent/internal/errors"
	"github.com/student-mobility/session-agent/internal/identity"
	"github.com/student-mobility/session-agent/internal/logging"
	"github.com/student-mobility/session-agent/internal/models"
	"github.com/student-mobility/session-agent/internal/wallet"
)

const (
	// DefaultInitTimeout bounds the wait for the wallet adapter at startup
	DefaultInitTimeout = 30 * time.Second
	// DefaultRepromptDelay is how long a failed link waits before the
	// connect prompt comes back
	DefaultRepromptDelay = 3 * time.Second
	// DefaultLinkTimeout bounds one event-triggered link run
	DefaultLinkTimeout = 30 * time.Second
)

// Outcome is the result of a Connect call
type Outcome string

const (
	// OutcomePending means the pairing UI was opened; linking continues on
	// the pairing event
	OutcomePending Outcome = "pending"
	// OutcomeLinked means the paired account is attached to the profile
	OutcomeLinked Outcome = "linked"
)

// Session is what the orchestrator needs from the session controller
type Session interface {
	Token() string
	User() *models.User
	Refresh(ctx context.Context) (*models.User, error)
}

// Attacher records a wallet against the profile
type Attacher interface {
	AttachWallet(ctx context.Context, token, accountID, publicKey string) (*identity.AttachResult, error)
}

// Options configures an Orchestrator
type Options struct {
	InitTimeout   time.Duration
	RepromptDelay time.Duration
	LinkTimeout   time.Duration
	Hub           *Hub
	Logger        *logging.Logger
}

// Status is the UI-facing wallet view
type Status struct {
	Available      bool                `json:"available"`
	Connected      bool                `json:"connected"`
	DisplayAddress string              `json:"displayAddress,omitempty"`
	PromptVisible  bool                `json:"promptVisible"`
	Pairing        wallet.PairingState `json:"pairing"`
	LastError      string              `json:"lastError,omitempty"`
}

type linkRun struct {
	done chan struct{}
	err  error
}

// Orchestrator links a paired account to the profile and keeps every screen in step
type Orchestrator struct {
	provider      *wallet.Provider
	session       Session
	attacher      Attacher
	hub           *Hub
	logger        *logging.Logger
	initTimeout   time.Duration
	repromptDelay time.Duration
	linkTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	adapter       *wallet.Adapter
	available     bool
	unsubscribe   func()
	inFlight      map[string]*linkRun
	promptVisible bool
	reprompt      *time.Timer
	lastErr       error
	closed        bool
}

// NewOrchestrator creates an orchestrator. Nothing happens until Start.
func NewOrchestrator(provider *wallet.Provider, session Session, attacher Attacher, opts Options) *Orchestrator {
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.RepromptDelay <= 0 {
		opts.RepromptDelay = DefaultRepromptDelay
	}
	if opts.LinkTimeout <= 0 {
		opts.LinkTimeout = DefaultLinkTimeout
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		provider:      provider,
		session:       session,
		attacher:      attacher,
		hub:           opts.Hub,
		logger:        logging.OrGlobal(opts.Logger).Named("walletlink"),
		initTimeout:   opts.InitTimeout,
		repromptDelay: opts.RepromptDelay,
		linkTimeout:   opts.LinkTimeout,
		ctx:           ctx,
		cancel:        cancel,
		inFlight:      make(map[string]*linkRun),
	}
}

// Hub returns the reconciliation hub
func (o *Orchestrator) Hub() *Hub {
	return o.hub
}

// Start waits for the wallet adapter. On failure wallet features stay
// disabled for the life of the orchestrator; the error is informational.
func (o *Orchestrator) Start(ctx context.Context) error {
	adapter, err := o.provider.Instance()
	if err != nil {
		o.disable(err)
		return err
	}

	readyCtx, cancel := context.WithTimeout(ctx, o.initTimeout)
	defer cancel()
	if err := adapter.Ready(readyCtx); err != nil {
		o.disable(err)
		return err
	}

	unsubscribe := adapter.Subscribe(wallet.Listener{
		OnPaired:       o.onPaired,
		OnDisconnected: o.onDisconnected,
	})

	o.mu.Lock()
	if o.closed || o.available {
		o.mu.Unlock()
		unsubscribe()
		return nil
	}
	o.adapter = adapter
	o.available = true
	o.unsubscribe = unsubscribe
	o.promptVisible = !adapter.IsConnected()
	o.mu.Unlock()

	o.logger.Info("Wallet features available")

	// a resumed pairing links as if the event had just fired
	if accounts := adapter.ConnectedAccounts(); len(accounts) > 0 {
		o.onPaired(accounts)
	}
	return nil
}

func (o *Orchestrator) disable(err error) {
	o.mu.Lock()
	o.available = false
	o.lastErr = err
	o.mu.Unlock()
	o.logger.WithError(err).Warn("Wallet features disabled")
}

// Available reports whether the adapter became ready
func (o *Orchestrator) Available() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.available
}

func (o *Orchestrator) readyAdapter() (*wallet.Adapter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.available || o.adapter == nil {
		return nil, apperrors.NewWalletNotInitializedError(o.lastErr)
	}
	return o.adapter, nil
}

// Adapter returns the ready adapter
func (o *Orchestrator) Adapter() (*wallet.Adapter, error) {
	return o.readyAdapter()
}

// Connect starts or completes linking. When no account is paired yet the
// pairing UI opens and linking resumes on the pairing event.
func (o *Orchestrator) Connect(ctx context.Context) (Outcome, error) {
	adapter, err := o.readyAdapter()
	if err != nil {
		return "", err
	}
	if o.session.Token() == "" {
		return "", apperrors.NewUnauthenticatedError()
	}

	o.hidePrompt()

	accounts := adapter.ConnectedAccounts()
	if len(accounts) == 0 {
		if err := adapter.OpenPairingUI(); err != nil {
			o.fail("", err)
			return "", err
		}
		return OutcomePending, nil
	}

	if err := o.link(ctx, adapter, accounts[0]); err != nil {
		return "", err
	}
	return OutcomeLinked, nil
}

func (o *Orchestrator) onPaired(accountIDs []string) {
	if len(accountIDs) == 0 {
		return
	}
	o.mu.Lock()
	if o.closed || o.adapter == nil {
		o.mu.Unlock()
		return
	}
	adapter := o.adapter
	o.mu.Unlock()

	if o.session.Token() == "" {
		o.fail(accountIDs[0], apperrors.NewUnauthenticatedError())
		return
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.promptVisible = false
	o.stopRepromptLocked()
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(o.ctx, o.linkTimeout)
		defer cancel()
		_ = o.link(ctx, adapter, accountIDs[0])
	}()
}

func (o *Orchestrator) onDisconnected() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.stopRepromptLocked()
	o.promptVisible = true
}

func (o *Orchestrator) linkKey(accountID string) string {
	var userID int64
	if u := o.session.User(); u != nil {
		userID = u.ID
	}
	return fmt.Sprintf("%d/%s", userID, accountID)
}

// link attaches accountID to the profile. Concurrent triggers for the same
// user and account share one run. An account the profile already carries
// is only reconciled.
func (o *Orchestrator) link(ctx context.Context, adapter *wallet.Adapter, accountID string) error {
	key := o.linkKey(accountID)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return apperrors.NewWalletNotInitializedError(nil)
	}
	if run := o.inFlight[key]; run != nil {
		o.mu.Unlock()
		select {
		case <-run.done:
			return run.err
		case <-ctx.Done():
			return apperrors.NewWalletTimeoutError(ctx.Err().Error())
		}
	}
	if u := o.session.User(); u != nil && u.HederaAccountID == accountID {
		o.lastErr = nil
		o.mu.Unlock()
		o.hub.Broadcast(Notice{Kind: NoticeReconciled, AccountID: accountID, User: u})
		return nil
	}
	run := &linkRun{done: make(chan struct{})}
	o.inFlight[key] = run
	o.mu.Unlock()

	user, err := o.runLink(ctx, adapter, accountID)

	o.mu.Lock()
	delete(o.inFlight, key)
	if err == nil {
		o.lastErr = nil
	}
	o.mu.Unlock()
	run.err = err
	close(run.done)

	if err != nil {
		o.fail(accountID, err)
		return err
	}

	o.logger.WithField("accountId", accountID).Info("Wallet linked to profile")
	o.hub.Broadcast(Notice{Kind: NoticeReconciled, AccountID: accountID, User: user})
	return nil
}

func (o *Orchestrator) runLink(ctx context.Context, adapter *wallet.Adapter, accountID string) (*models.User, error) {
	token := o.session.Token()
	if token == "" {
		return nil, apperrors.NewUnauthenticatedError()
	}

	pairing := adapter.Pairing()
	if pairing == nil || pairing.PublicKey == "" {
		return nil, apperrors.NewMissingPublicKeyError(accountID)
	}

	if _, err := o.attacher.AttachWallet(ctx, token, accountID, pairing.PublicKey); err != nil {
		if apperrors.IsSessionExpired(err) {
			// the controller owns logout; let it see the 401 itself
			_, _ = o.session.Refresh(ctx)
		}
		return nil, apperrors.Categorize(err)
	}

	user, err := o.session.Refresh(ctx)
	if err != nil {
		return nil, apperrors.Categorize(err)
	}
	if user == nil || user.HederaAccountID != accountID {
		o.logger.WithField("accountId", accountID).Warn("Profile does not reflect the attached wallet yet")
	}
	return user, nil
}

// fail records err and re-arms the connect prompt after the delay
func (o *Orchestrator) fail(accountID string, err error) {
	o.logger.WithError(err).WithFields(map[string]interface{}{
		"accountId":   accountID,
		"walletFault": apperrors.IsWalletError(err),
	}).Warn("Wallet link failed")
	o.hub.Broadcast(Notice{Kind: NoticeLinkFailed, AccountID: accountID, Message: apperrors.UserMessage(err)})

	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastErr = err
	if o.closed {
		return
	}
	o.promptVisible = false
	o.stopRepromptLocked()
	o.reprompt = time.AfterFunc(o.repromptDelay, func() {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return
		}
		o.promptVisible = true
		o.mu.Unlock()
		o.hub.Broadcast(Notice{Kind: NoticePrompt})
	})
}

func (o *Orchestrator) hidePrompt() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.promptVisible = false
	o.stopRepromptLocked()
}

func (o *Orchestrator) stopRepromptLocked() {
	if o.reprompt != nil {
		o.reprompt.Stop()
		o.reprompt = nil
	}
}

// PromptVisible reports whether the connect prompt should be shown
func (o *Orchestrator) PromptVisible() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.promptVisible
}

// DisplayAddress prefers the live paired account over the cached profile value
func (o *Orchestrator) DisplayAddress() string {
	o.mu.Lock()
	adapter := o.adapter
	o.mu.Unlock()

	if adapter != nil {
		if accounts := adapter.ConnectedAccounts(); len(accounts) > 0 {
			return accounts[0]
		}
	}
	if u := o.session.User(); u != nil {
		return u.HederaAccountID
	}
	return ""
}

// Status returns the UI-facing wallet view
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	adapter := o.adapter
	s := Status{
		Available:     o.available,
		PromptVisible: o.promptVisible,
	}
	if o.lastErr != nil {
		s.LastError = apperrors.UserMessage(o.lastErr)
	}
	o.mu.Unlock()

	if adapter != nil {
		s.Connected = adapter.IsConnected()
		s.Pairing = adapter.Store().Get()
	}
	s.DisplayAddress = o.DisplayAddress()
	return s
}

// Disconnect ends the pairing session
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	adapter, err := o.readyAdapter()
	if err != nil {
		return err
	}
	return adapter.Disconnect(ctx)
}

// SignMessage signs message with a paired account
func (o *Orchestrator) SignMessage(ctx context.Context, accountID string, message []byte) ([]byte, error) {
	adapter, err := o.readyAdapter()
	if err != nil {
		return nil, err
	}
	return adapter.SignMessage(ctx, accountID, message)
}

// Close unsubscribes from the adapter and stops timers. Callbacks that
// arrive afterwards are ignored.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.stopRepromptLocked()
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	o.cancel()
	o.wg.Wait()
}
