package ledger

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hyperledger/firefly-common/pkg/fftypes"
	"github.com/hyperledger/firefly-signer/pkg/rpcbackend"

	"harvestline/internal/domain"
	"harvestline/internal/log"
)

// RPCHandler serves a Gateway over the same JSON-RPC contract RPCGateway
// speaks. Signed blobs are verified before the intent is submitted.
type RPCHandler struct {
	Gateway Gateway
}

func (h RPCHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/", h.serveRPC)
	return r
}

func (h RPCHandler) serveRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcbackend.RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, http.StatusOK, rpcbackend.RPCErrorResponse(err, nil, rpcbackend.RPCCodeParseError))
		return
	}
	ctx := r.Context()
	var (
		out Outcome
		err error
	)
	switch req.Method {
	case MethodSubmit:
		var p SubmitParams
		if len(req.Params) != 1 || json.Unmarshal(req.Params[0].Bytes(), &p) != nil || p.Token == "" {
			writeRPC(w, http.StatusOK, rpcbackend.RPCErrorResponse(errors.New("expected one submit object with a token"), req.ID, RPCCodeInvalidParams))
			return
		}
		payload, perr := SigningPayload(p.Intent, p.Token)
		if perr == nil {
			perr = VerifySignedTx(ctx, payload, p.Signed)
		}
		if perr != nil {
			writeRPC(w, http.StatusOK, rpcbackend.RPCErrorResponse(errors.New("bad signature: "+perr.Error()), req.ID, RPCCodeInvalidParams))
			return
		}
		out, err = h.Gateway.Submit(ctx, p.Intent, p.Token)
	case MethodQueryByToken:
		var token string
		if len(req.Params) != 1 || json.Unmarshal(req.Params[0].Bytes(), &token) != nil || token == "" {
			writeRPC(w, http.StatusOK, rpcbackend.RPCErrorResponse(errors.New("expected one token string"), req.ID, RPCCodeInvalidParams))
			return
		}
		out, err = h.Gateway.QueryByToken(ctx, token)
	default:
		writeRPC(w, http.StatusOK, rpcbackend.RPCErrorResponse(errors.New("method not found: "+req.Method), req.ID, RPCCodeMethodNotFound))
		return
	}
	if err != nil {
		log.L(ctx).Warnf("%s failed: %v", req.Method, err)
		if errors.Is(err, domain.ErrLedgerUnavailable) {
			writeRPC(w, http.StatusServiceUnavailable, rpcbackend.RPCErrorResponse(err, req.ID, RPCCodeServerBusy))
			return
		}
		writeRPC(w, http.StatusOK, rpcbackend.RPCErrorResponse(err, req.ID, rpcbackend.RPCCodeInternalError))
		return
	}
	b, err := json.Marshal(out)
	if err != nil {
		writeRPC(w, http.StatusOK, rpcbackend.RPCErrorResponse(err, req.ID, rpcbackend.RPCCodeInternalError))
		return
	}
	writeRPC(w, http.StatusOK, &rpcbackend.RPCResponse{JSONRpc: "2.0", ID: req.ID, Result: fftypes.JSONAnyPtrBytes(b)})
}

func writeRPC(w http.ResponseWriter, status int, res *rpcbackend.RPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
