package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	apperrors "github.com/student-mobility/session-agent/internal/errors"
	"github.com/student-mobility/session-agent/internal/walletlink"
)

type connectResponse struct {
	Outcome walletlink.Outcome `json:"outcome"`
	Wallet  walletlink.Status  `json:"wallet"`
}

type signRequest struct {
	AccountID string `json:"accountId"`
	// 0x-prefixed hex is signed as raw bytes, anything else as UTF-8 text
	Message string `json:"message"`
}

type signResponse struct {
	AccountID string `json:"accountId"`
	Signature string `json:"signature"`
}

// handleWalletStatus handles GET /api/wallet
func (s *Server) handleWalletStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.wallet.Status())
}

// handleConnect handles POST /api/wallet/connect. A pending outcome means
// the pairing UI opened and linking continues in the background.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.wallet.Connect(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	status := http.StatusOK
	if outcome == walletlink.OutcomePending {
		status = http.StatusAccepted
	}
	respondJSON(w, status, connectResponse{Outcome: outcome, Wallet: s.wallet.Status()})
}

// handleDisconnect handles POST /api/wallet/disconnect
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.Disconnect(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.wallet.Status())
}

// handleSign handles POST /api/wallet/sign
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondCode(w, http.StatusBadRequest, ErrCodeInvalidBody, "Invalid request body")
		return
	}
	if req.AccountID == "" {
		respondError(w, apperrors.NewInvalidInputError("accountId", "required"))
		return
	}

	payload := []byte(req.Message)
	if strings.HasPrefix(req.Message, "0x") {
		decoded, err := hexutil.Decode(req.Message)
		if err != nil {
			respondError(w, apperrors.NewInvalidInputError("message", err.Error()))
			return
		}
		payload = decoded
	}
	if len(payload) == 0 {
		respondError(w, apperrors.NewInvalidInputError("message", "required"))
		return
	}

	sig, err := s.wallet.SignMessage(r.Context(), req.AccountID, payload)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, signResponse{AccountID: req.AccountID, Signature: hexutil.Encode(sig)})
}

// handleWalletEvents handles GET /api/wallet/events as a server-sent event
// stream of hub notices. The stream ends when the client leaves or the
// server shuts down.
func (s *Server) handleWalletEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondCode(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming is not supported")
		return
	}

	notices, cancel := s.wallet.Hub().Subscribe(16)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.streams.Done():
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
