// Package wallettest provides a scriptable wallet connector for tests.
package wallettest

import (
	"context"
	"sync"
	"time"

	"github.com/student-mobility/session-agent/internal/types"
	"github.com/student-mobility/session-agent/internal/wallet"
)

// Connector is a wallet.Connector driven by the test
type Connector struct {
	// InitErr makes Init fail
	InitErr error
	// InitDelay holds Init before it returns
	InitDelay time.Duration
	// Resume is reported as the pairing right after Init
	Resume *wallet.Pairing

	mu        sync.Mutex
	emit      func(wallet.Event)
	pairing   *wallet.Pairing
	opens     int
	signed    [][]byte
	initCalls int
}

// Init implements wallet.Connector
func (c *Connector) Init(ctx context.Context, emit func(wallet.Event)) error {
	c.mu.Lock()
	c.initCalls++
	c.mu.Unlock()

	if c.InitDelay > 0 {
		select {
		case <-time.After(c.InitDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.InitErr != nil {
		return c.InitErr
	}

	c.mu.Lock()
	c.emit = emit
	if c.Resume != nil {
		c.pairing = c.Resume.Clone()
	}
	c.mu.Unlock()
	return nil
}

// OpenPairingModal implements wallet.Connector
func (c *Connector) OpenPairingModal() error {
	c.mu.Lock()
	c.opens++
	c.mu.Unlock()
	c.send(wallet.Event{Kind: wallet.EventStatus, Status: types.PairingConnecting})
	return nil
}

// Disconnect implements wallet.Connector
func (c *Connector) Disconnect(ctx context.Context) error {
	c.Drop()
	return nil
}

// Pairing implements wallet.Connector
func (c *Connector) Pairing() *wallet.Pairing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairing.Clone()
}

// SignTransaction implements wallet.Connector
func (c *Connector) SignTransaction(ctx context.Context, accountID string, tx []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signed = append(c.signed, tx)
	return append([]byte("sig:"), tx...), nil
}

// SignMessage implements wallet.Connector
func (c *Connector) SignMessage(ctx context.Context, accountID string, message []byte) ([]byte, error) {
	return c.SignTransaction(ctx, accountID, message)
}

// ExecuteContractCall implements wallet.Connector
func (c *Connector) ExecuteContractCall(ctx context.Context, accountID string, call wallet.ContractCall) (*wallet.Receipt, error) {
	return &wallet.Receipt{TransactionID: wallet.TransactionID(accountID, time.Unix(0, 0)), Status: "SUCCESS"}, nil
}

// Pair simulates the user approving a pairing for accountID.
// An empty publicKey leaves it out of the metadata.
func (c *Connector) Pair(accountID, publicKey string) {
	p := &wallet.Pairing{
		Topic:      "topic-" + accountID,
		AccountIDs: []string{accountID},
		Network:    "testnet",
		PublicKey:  publicKey,
		PairedAt:   time.Now(),
	}
	c.mu.Lock()
	c.pairing = p
	c.mu.Unlock()
	c.send(wallet.Event{Kind: wallet.EventPaired, AccountIDs: p.AccountIDs, Pairing: p.Clone()})
}

// Drop simulates the wallet ending the session
func (c *Connector) Drop() {
	c.mu.Lock()
	c.pairing = nil
	c.mu.Unlock()
	c.send(wallet.Event{Kind: wallet.EventDisconnected})
}

// Opens counts OpenPairingModal calls
func (c *Connector) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// InitCalls counts Init calls
func (c *Connector) InitCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initCalls
}

// Signed returns every payload signed so far
func (c *Connector) Signed() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.signed...)
}

func (c *Connector) send(ev wallet.Event) {
	c.mu.Lock()
	emit := c.emit
	c.mu.Unlock()
	if emit != nil {
		emit(ev)
	}
}
