package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	apperrors "github.com/student-mobility/session-agent/internal/errors"
	"github.com/student-mobility/session-agent/internal/logging"
	"github.com/student-mobility/session-agent/internal/types"
)

// derSecp256k1Prefix is the SubjectPublicKeyInfo header Hedera uses for
// compressed ECDSA(secp256k1) public keys
const derSecp256k1Prefix = "302d300706052b8104000a032200"

// LocalConnectorConfig configures a LocalConnector
type LocalConnectorConfig struct {
	AccountID string
	// PrivateKeyHex is a hex secp256k1 key; empty generates a throwaway key
	PrivateKeyHex string
	Network       string
	// ManualApproval leaves pairing requests pending until Approve is called
	ManualApproval bool
	Logger         *logging.Logger
	now            func() time.Time
}

// LocalConnector is a software wallet holding one secp256k1 key.
// It stands in for the pairing SDK in development and tests.
type LocalConnector struct {
	key            *ecdsa.PrivateKey
	accountID      string
	network        string
	manualApproval bool
	logger         *logging.Logger
	now            func() time.Time

	mu      sync.Mutex
	emit    func(Event)
	pairing *Pairing
	pending bool
}

// NewLocalConnector creates a software wallet connector
func NewLocalConnector(cfg LocalConnectorConfig) (*LocalConnector, error) {
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("account id is required")
	}

	var key *ecdsa.PrivateKey
	var err error
	if cfg.PrivateKeyHex == "" {
		key, err = crypto.GenerateKey()
	} else {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	}
	if err != nil {
		return nil, fmt.Errorf("invalid wallet key: %w", err)
	}

	network := cfg.Network
	if network == "" {
		network = "testnet"
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}

	return &LocalConnector{
		key:            key,
		accountID:      cfg.AccountID,
		network:        network,
		manualApproval: cfg.ManualApproval,
		logger:         logging.OrGlobal(cfg.Logger).Named("local_wallet"),
		now:            now,
	}, nil
}

// PublicKey returns the DER encoded public key
func (c *LocalConnector) PublicKey() string {
	return DERPublicKey(&c.key.PublicKey)
}

// Init implements Connector
func (c *LocalConnector) Init(ctx context.Context, emit func(Event)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.emit = emit
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"accountId": c.accountID,
		"network":   c.network,
	}).Info("Local wallet ready")
	c.send(Event{Kind: EventStatus, Status: types.PairingReady})
	return nil
}

// OpenPairingModal implements Connector
func (c *LocalConnector) OpenPairingModal() error {
	c.mu.Lock()
	if c.emit == nil {
		c.mu.Unlock()
		return fmt.Errorf("connector not initialised")
	}
	c.pending = true
	c.mu.Unlock()

	c.send(Event{Kind: EventStatus, Status: types.PairingConnecting})
	if !c.manualApproval {
		go c.Approve()
	}
	return nil
}

// Approve completes a pending pairing request as if the user accepted it
func (c *LocalConnector) Approve() bool {
	c.mu.Lock()
	if !c.pending {
		c.mu.Unlock()
		return false
	}
	c.pending = false
	c.pairing = &Pairing{
		Topic:      uuid.NewString(),
		AccountIDs: []string{c.accountID},
		Network:    c.network,
		PublicKey:  c.PublicKey(),
		WalletName: "local",
		PairedAt:   c.now(),
	}
	p := c.pairing.Clone()
	c.mu.Unlock()

	c.send(Event{Kind: EventPaired, AccountIDs: p.AccountIDs, Pairing: p})
	return true
}

// Disconnect implements Connector
func (c *LocalConnector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	wasPaired := c.pairing != nil
	c.pairing = nil
	c.pending = false
	c.mu.Unlock()

	if wasPaired {
		c.send(Event{Kind: EventDisconnected})
	}
	return nil
}

// Pairing implements Connector
func (c *LocalConnector) Pairing() *Pairing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairing.Clone()
}

func (c *LocalConnector) send(ev Event) {
	c.mu.Lock()
	emit := c.emit
	c.mu.Unlock()
	if emit != nil {
		emit(ev)
	}
}

func (c *LocalConnector) checkAccount(accountID string) error {
	c.mu.Lock()
	paired := c.pairing != nil
	c.mu.Unlock()
	if !paired || accountID != c.accountID {
		return apperrors.NewAccountNotPairedError(accountID)
	}
	return nil
}

// SignTransaction implements Connector. The signature covers keccak256(tx).
func (c *LocalConnector) SignTransaction(ctx context.Context, accountID string, tx []byte) ([]byte, error) {
	if err := c.checkAccount(accountID); err != nil {
		return nil, err
	}
	return crypto.Sign(crypto.Keccak256(tx), c.key)
}

// SignMessage implements Connector
func (c *LocalConnector) SignMessage(ctx context.Context, accountID string, message []byte) ([]byte, error) {
	if err := c.checkAccount(accountID); err != nil {
		return nil, err
	}
	return crypto.Sign(crypto.Keccak256(message), c.key)
}

// ExecuteContractCall implements Connector. The call is ABI encoded and
// signed locally; nothing is submitted to a network.
func (c *LocalConnector) ExecuteContractCall(ctx context.Context, accountID string, call ContractCall) (*Receipt, error) {
	if err := c.checkAccount(accountID); err != nil {
		return nil, err
	}
	if call.ContractID == "" || call.Function == "" {
		return nil, apperrors.NewInvalidInputError("contract call", "contract id and function are required")
	}

	parsed, err := abi.JSON(strings.NewReader(call.ABI))
	if err != nil {
		return nil, apperrors.NewInvalidInputError("abi", err.Error())
	}
	data, err := parsed.Pack(call.Function, call.Args...)
	if err != nil {
		return nil, apperrors.NewInvalidInputError("args", err.Error())
	}
	sig, err := crypto.Sign(crypto.Keccak256(data), c.key)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to sign contract call", err)
	}

	return &Receipt{
		TransactionID: TransactionID(accountID, c.now()),
		Status:        "SUCCESS",
		CallData:      hexutil.Encode(data),
		Signature:     hexutil.Encode(sig),
	}, nil
}

// TransactionID formats a ledger transaction id: account@seconds.nanos
func TransactionID(accountID string, validStart time.Time) string {
	return fmt.Sprintf("%s@%d.%09d", accountID, validStart.Unix(), validStart.Nanosecond())
}

// DERPublicKey encodes pub the way the ledger expects ECDSA keys
func DERPublicKey(pub *ecdsa.PublicKey) string {
	return derSecp256k1Prefix + hex.EncodeToString(crypto.CompressPubkey(pub))
}

// ParseDERPublicKey decodes a key produced by DERPublicKey
func ParseDERPublicKey(der string) (*ecdsa.PublicKey, error) {
	der = strings.ToLower(strings.TrimPrefix(der, "0x"))
	if !strings.HasPrefix(der, derSecp256k1Prefix) {
		return nil, fmt.Errorf("not a DER secp256k1 public key")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(der, derSecp256k1Prefix))
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	return crypto.DecompressPubkey(raw)
}

// VerifySignature checks a signature produced by SignMessage against a
// DER encoded public key
func VerifySignature(publicKeyDER string, message, signature []byte) bool {
	pub, err := ParseDERPublicKey(publicKeyDER)
	if err != nil || len(signature) < 64 {
		return false
	}
	return crypto.VerifySignature(crypto.CompressPubkey(pub), crypto.Keccak256(message), signature[:64])
}
