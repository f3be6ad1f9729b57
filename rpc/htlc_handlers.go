package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"htlcbridge/core"
	"htlcbridge/core/types"
	"htlcbridge/crypto"
	"htlcbridge/journal"
	"htlcbridge/native/htlc"
)

const (
	codeHTLCNotFound      = -32051
	codeHTLCForbidden     = -32052
	codeHTLCConflict      = -32053
	codeHTLCInvalidParams = -32054
	codeHTLCInternal      = -32055
)

// htlcCallParams is the signed call context shared by the mutating methods.
type htlcCallParams struct {
	Caller    string `json:"caller"`
	Value     string `json:"value,omitempty"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

type htlcAnnounceParams struct {
	htlcCallParams
	SecretDigest         string `json:"secretDigest"`
	Amount               string `json:"amount,omitempty"`
	MinCounterpartAmount string `json:"minCounterpartAmount,omitempty"`
	Expiry               uint64 `json:"expiry,omitempty"`
}

type htlcClaimParams struct {
	htlcCallParams
	ID     json.RawMessage `json:"id"`
	Secret string          `json:"secret"`
}

type htlcCancelParams struct {
	htlcCallParams
	ID json.RawMessage `json:"id"`
}

type htlcIDParams struct {
	ID json.RawMessage `json:"id"`
}

type htlcAddressParams struct {
	Address string `json:"address"`
}

type htlcEventsParams struct {
	After   int64           `json:"after"`
	Limit   int             `json:"limit"`
	OrderID json.RawMessage `json:"orderId,omitempty"`
}

type orderJSON struct {
	ID                   uint64 `json:"id"`
	Maker                string `json:"maker"`
	Amount               string `json:"amount"`
	SecretDigest         string `json:"secretDigest"`
	MinCounterpartAmount string `json:"minCounterpartAmount"`
	CreatedAt            int64  `json:"createdAt"`
	Expiry               uint64 `json:"expiry,omitempty"`
	Claimed              bool   `json:"claimed"`
}

type receiptJSON struct {
	CallID     string                 `json:"callId"`
	Entrypoint string                 `json:"entrypoint"`
	Height     uint64                 `json:"height"`
	Root       string                 `json:"root"`
	Order      *orderJSON             `json:"order,omitempty"`
	Events     []types.CommittedEvent `json:"events"`
}

type hasOrderResult struct {
	ID     uint64 `json:"id"`
	Exists bool   `json:"exists"`
}

type counterResult struct {
	NextID uint64 `json:"nextId"`
}

type ownerResult struct {
	Owner string `json:"owner,omitempty"`
	Set   bool   `json:"set"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type nonceResult struct {
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"`
}

type solvencyResult struct {
	Vault   string `json:"vault"`
	Locked  string `json:"locked"`
	Held    string `json:"held"`
	Solvent bool   `json:"solvent"`
}

func (s *Server) handleHTLCAnnounce(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params htlcAnnounceParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	digest, err := parseDigest(params.SecretDigest)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeHTLCInvalidParams, "invalid_params", err.Error())
		return
	}
	announce := htlc.AnnounceParams{SecretDigest: digest, ExpiryDuration: params.Expiry}
	if strings.TrimSpace(params.Amount) != "" {
		if announce.Amount, err = parseAmount("amount", params.Amount); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeHTLCInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	if strings.TrimSpace(params.MinCounterpartAmount) != "" {
		if announce.MinCounterpartAmount, err = parseAmount("minCounterpartAmount", params.MinCounterpartAmount); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeHTLCInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	signed := &types.SignedCall{
		Entrypoint:           core.EntrypointAnnounce,
		SecretDigest:         digest,
		Amount:               announce.Amount,
		MinCounterpartAmount: announce.MinCounterpartAmount,
		Expiry:               announce.ExpiryDuration,
	}
	s.executeSigned(w, req, params.htlcCallParams, signed, func(call core.Call) (*core.Receipt, error) {
		return s.backend.Announce(r.Context(), call, announce)
	})
}

func (s *Server) handleHTLCClaim(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params htlcClaimParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	id, err := parseOrderID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeHTLCInvalidParams, "invalid_params", err.Error())
		return
	}
	secret, err := parseHexBytes(params.Secret)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeHTLCInvalidParams, "invalid_params", fmt.Sprintf("secret: %v", err))
		return
	}
	signed := &types.SignedCall{Entrypoint: core.EntrypointClaim, OrderID: id, Secret: secret}
	s.executeSigned(w, req, params.htlcCallParams, signed, func(call core.Call) (*core.Receipt, error) {
		return s.backend.Claim(r.Context(), call, id, secret)
	})
}

func (s *Server) handleHTLCCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params htlcCancelParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	id, err := parseOrderID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeHTLCInvalidParams, "invalid_params", err.Error())
		return
	}
	signed := &types.SignedCall{Entrypoint: core.EntrypointCancel, OrderID: id}
	s.executeSigned(w, req, params.htlcCallParams, signed, func(call core.Call) (*core.Receipt, error) {
		return s.backend.Cancel(r.Context(), call, id)
	})
}

// executeSigned authenticates the caller of a mutating call, replays a cached
// result for a call that already committed and otherwise runs it.
func (s *Server) executeSigned(w http.ResponseWriter, req *RPCRequest, params htlcCallParams, signed *types.SignedCall, run func(core.Call) (*core.Receipt, error)) {
	call, err := parseSignedCall(params, signed)
	if err != nil {
		writeCallError(w, req.ID, err)
		return
	}
	key := ""
	if s.results != nil {
		if hash, hashErr := signed.Hash(); hashErr == nil {
			key = fmt.Sprintf("%x:%x", call.Caller, hash)
		}
	}
	if key != "" {
		record, ok, lookupErr := s.results.Get(key)
		if lookupErr != nil {
			s.logger.Warn("result cache lookup failed", "error", lookupErr)
		} else if ok {
			writeResult(w, req.ID, record.Body)
			return
		}
	}
	receipt, err := run(call)
	if err != nil {
		writeHTLCError(w, req.ID, err)
		return
	}
	result := formatReceipt(receipt)
	if key != "" {
		body, marshalErr := json.Marshal(result)
		if marshalErr == nil {
			marshalErr = s.results.Put(key, http.StatusOK, body)
		}
		if marshalErr != nil {
			s.logger.Warn("result cache write failed", "error", marshalErr, "call_id", receipt.CallID)
		}
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleHTLCGetNonce(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params htlcAddressParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, err := crypto.ParseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeHTLCInvalidParams, "invalid_params", err.Error())
		return
	}
	nonce, err := s.backend.Nonce(addr)
	if err != nil {
		writeHTLCError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, nonceResult{Address: addr.String(), Nonce: nonce})
}

func (s *Server) handleHTLCGetOrder(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params htlcIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	id, err := parseOrderID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeHTLCInvalidParams, "invalid_params", err.Error())
		return
	}
	order, err := s.backend.Order(id)
	if err != nil {
		writeHTLCError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatOrder(order))
}

func (s *Server) handleHTLCHasOrder(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params htlcIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	id, err := parseOrderID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeHTLCInvalidParams, "invalid_params", err.Error())
		return
	}
	exists, err := s.backend.HasOrder(id)
	if err != nil {
		writeHTLCError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, hasOrderResult{ID: id, Exists: exists})
}

func (s *Server) handleHTLCOrderCounter(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	next, err := s.backend.OrderCounter()
	if err != nil {
		writeHTLCError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, counterResult{NextID: next})
}

func (s *Server) handleHTLCOwner(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	owner, ok, err := s.backend.Owner()
	if err != nil {
		writeHTLCError(w, req.ID, err)
		return
	}
	result := ownerResult{Set: ok}
	if ok {
		result.Owner = crypto.Address(owner).String()
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleHTLCGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params htlcAddressParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, err := crypto.ParseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeHTLCInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.backend.Balance(addr)
	if err != nil {
		writeHTLCError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceResult{Address: addr.String(), Balance: balance.String()})
}

func (s *Server) handleHTLCSolvency(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	locked, held, err := s.backend.Solvency()
	if err != nil {
		writeHTLCError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, solvencyResult{
		Vault:   crypto.Address(s.backend.VaultAddress()).String(),
		Locked:  locked.String(),
		Held:    held.String(),
		Solvent: locked.Cmp(held) <= 0,
	})
}

func (s *Server) handleHTLCEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.events == nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeHTLCInternal, "internal_error", "event journal disabled")
		return
	}
	var params htlcEventsParams
	if len(req.Params) > 0 {
		if !decodeSingleParam(w, req, &params) {
			return
		}
	}
	if params.After < 0 || params.Limit < 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeHTLCInvalidParams, "invalid_params", "after and limit must not be negative")
		return
	}
	var (
		entries []journal.Entry
		err     error
	)
	if len(params.OrderID) > 0 {
		id, parseErr := parseOrderID(params.OrderID)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeHTLCInvalidParams, "invalid_params", parseErr.Error())
			return
		}
		entries, err = s.events.ListByOrder(r.Context(), id)
	} else {
		entries, err = s.events.List(r.Context(), params.After, params.Limit)
	}
	if err != nil {
		writeHTLCError(w, req.ID, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeResult(w, req.ID, entries)
}

func decodeSingleParam(w http.ResponseWriter, req *RPCRequest, dst interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeHTLCInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], dst); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeHTLCInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

// parseSignedCall completes signed with the call context from params and
// checks that the declared caller produced the signature.
func parseSignedCall(params htlcCallParams, signed *types.SignedCall) (core.Call, error) {
	caller, err := crypto.ParseAddress(params.Caller)
	if err != nil {
		return core.Call{}, fmt.Errorf("caller: %w", err)
	}
	value := big.NewInt(0)
	if strings.TrimSpace(params.Value) != "" {
		if value, err = parseAmount("value", params.Value); err != nil {
			return core.Call{}, err
		}
	}
	sig, err := parseHexBytes(params.Signature)
	if err != nil {
		return core.Call{}, fmt.Errorf("%w: %v", types.ErrInvalidSignature, err)
	}
	if len(sig) == 0 {
		return core.Call{}, fmt.Errorf("%w: signature required", types.ErrInvalidSignature)
	}
	signed.Nonce = params.Nonce
	signed.Value = value
	signed.Signature = sig
	if err := signed.VerifyCaller(caller); err != nil {
		return core.Call{}, err
	}
	return core.Call{Caller: caller, Value: value, Nonce: params.Nonce}, nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("%s must be a base-10 integer", field)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%s must not be negative", field)
	}
	return amount, nil
}

// parseOrderID accepts a JSON number or a decimal string.
func parseOrderID(raw json.RawMessage) (uint64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("id required")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		text = string(raw)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(text), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id must be an unsigned 64-bit integer")
	}
	return id, nil
}

func parseDigest(value string) ([32]byte, error) {
	var out [32]byte
	decoded, err := parseHexBytes(value)
	if err != nil {
		return out, fmt.Errorf("secretDigest: %w", err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("secretDigest must be %d bytes", len(out))
	}
	copy(out[:], decoded)
	return out, nil
}

func parseHexBytes(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if cleaned == "" {
		return []byte{}, nil
	}
	return hex.DecodeString(cleaned)
}

func formatOrder(order *htlc.Order) *orderJSON {
	if order == nil {
		return nil
	}
	out := &orderJSON{
		ID:                   order.ID,
		Maker:                crypto.Address(order.Maker).String(),
		Amount:               "0",
		SecretDigest:         "0x" + hex.EncodeToString(order.SecretDigest[:]),
		MinCounterpartAmount: "0",
		CreatedAt:            order.CreatedAt,
		Expiry:               order.Expiry,
		Claimed:              order.Claimed,
	}
	if order.Amount != nil {
		out.Amount = order.Amount.String()
	}
	if order.MinCounterpartAmount != nil {
		out.MinCounterpartAmount = order.MinCounterpartAmount.String()
	}
	return out
}

func formatReceipt(receipt *core.Receipt) receiptJSON {
	events := receipt.Events
	if events == nil {
		events = []types.CommittedEvent{}
	}
	return receiptJSON{
		CallID:     receipt.CallID,
		Entrypoint: receipt.Entrypoint,
		Height:     receipt.Height,
		Root:       receipt.Root.Hex(),
		Order:      formatOrder(receipt.Order),
		Events:     events,
	}
}

func writeCallError(w http.ResponseWriter, id interface{}, err error) {
	if errors.Is(err, types.ErrSignerMismatch) {
		writeError(w, http.StatusForbidden, id, codeHTLCForbidden, "forbidden", err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, id, codeHTLCInvalidParams, "invalid_params", err.Error())
}

func writeHTLCError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeHTLCInternal
	message := "internal_error"
	data := err.Error()
	switch {
	case errors.Is(err, htlc.ErrNotFound):
		status = http.StatusNotFound
		code = codeHTLCNotFound
		message = "not_found"
	case errors.Is(err, htlc.ErrUnauthorized) || errors.Is(err, types.ErrSignerMismatch):
		status = http.StatusForbidden
		code = codeHTLCForbidden
		message = "forbidden"
	case errors.Is(err, htlc.ErrInvalidParameter) || errors.Is(err, htlc.ErrUnexpectedDeposit) ||
		errors.Is(err, types.ErrInvalidSignature):
		status = http.StatusBadRequest
		code = codeHTLCInvalidParams
		message = "invalid_params"
	case errors.Is(err, htlc.ErrAlreadyClaimed) || errors.Is(err, htlc.ErrInvalidSecret) ||
		errors.Is(err, htlc.ErrExpired) || errors.Is(err, htlc.ErrNotExpired) ||
		errors.Is(err, htlc.ErrInsufficientFunds) || errors.Is(err, core.ErrNonceMismatch):
		status = http.StatusConflict
		code = codeHTLCConflict
		message = "conflict"
	}
	writeError(w, status, id, code, message, data)
}
