// Package wallet wraps the ledger wallet pairing SDK behind a process-wide adapter.
package wallet

import (
	"context"
	"time"

	"github.com/student-mobility/session-agent/internal/types"
)

// EventKind identifies a pairing event
type EventKind string

const (
	// EventPaired fires when one or more accounts are paired
	EventPaired EventKind = "paired"
	// EventDisconnected fires when the pairing session is torn down
	EventDisconnected EventKind = "disconnected"
	// EventStatus fires on every connector status change
	EventStatus EventKind = "status"
)

// Event is delivered by a Connector on its own schedule
type Event struct {
	Kind       EventKind
	AccountIDs []string
	Status     types.PairingStatus
	Pairing    *Pairing
}

// Pairing is the metadata of an established pairing session
type Pairing struct {
	Topic      string    `json:"topic"`
	AccountIDs []string  `json:"accountIds"`
	Network    string    `json:"network"`
	PublicKey  string    `json:"publicKey,omitempty"`
	WalletName string    `json:"walletName,omitempty"`
	PairedAt   time.Time `json:"pairedAt"`
}

// Clone returns a deep copy of the pairing
func (p *Pairing) Clone() *Pairing {
	if p == nil {
		return nil
	}
	c := *p
	c.AccountIDs = append([]string(nil), p.AccountIDs...)
	return &c
}

// ContractCall describes a smart contract function invocation
type ContractCall struct {
	ContractID string        `json:"contractId"`
	ABI        string        `json:"abi"`
	Function   string        `json:"function"`
	Args       []interface{} `json:"args,omitempty"`
	Gas        uint64        `json:"gas,omitempty"`
}

// Receipt is the result of a submitted transaction or contract call
type Receipt struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	CallData      string `json:"callData,omitempty"`
	Signature     string `json:"signature,omitempty"`
}

// Connector is the boundary to the wallet pairing SDK
type Connector interface {
	// Init prepares the connector and starts delivering events to emit.
	// It may resume a previously paired session.
	Init(ctx context.Context, emit func(Event)) error

	// OpenPairingModal starts the interactive pairing flow and returns
	// without waiting for the user
	OpenPairingModal() error

	// Disconnect tears down the current pairing session
	Disconnect(ctx context.Context) error

	// Pairing returns the current pairing metadata, or nil when unpaired
	Pairing() *Pairing

	// SignTransaction signs serialized transaction bytes with the account key
	SignTransaction(ctx context.Context, accountID string, tx []byte) ([]byte, error)

	// SignMessage signs an arbitrary message with the account key
	SignMessage(ctx context.Context, accountID string, message []byte) ([]byte, error)

	// ExecuteContractCall encodes, signs and submits a contract call
	ExecuteContractCall(ctx context.Context, accountID string, call ContractCall) (*Receipt, error)
}
