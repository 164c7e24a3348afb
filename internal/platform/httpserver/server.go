package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	escrowvault "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault"
	vaulterrors "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/domain/errors"
	vaulthttp "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/transport/http"
	fundingservice "github.com/eyal42/x402global/contexts/settlement-core/funding-service"
	fundingerrors "github.com/eyal42/x402global/contexts/settlement-core/funding-service/domain/errors"
	fundingports "github.com/eyal42/x402global/contexts/settlement-core/funding-service/ports"

	httpSwagger "github.com/swaggo/http-swagger"
	_ "github.com/eyal42/x402global/internal/platform/httpserver/docs"
)

// Pricing is the intake surface's quote policy: every asset unit costs
// PricePerUnit of settlement currency, and the payment cap adds
// MaxPaymentBufferBps of headroom over the required amount.
type Pricing struct {
	AssetToken          string
	PaymentToken        string
	SettlementToken     string
	SellerAccount       string
	VaultAccount        string
	PricePerUnit        int64
	MaxPaymentBufferBps int64
	MaxTimeoutSeconds   int64
}

type Server struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	addr       string
	vault      escrowvault.Module
	funding    fundingservice.Module
	pricing    Pricing
	credential string
}

func New(
	vault escrowvault.Module,
	funding fundingservice.Module,
	pricing Pricing,
	orchestratorCredential string,
	logger *slog.Logger,
	addr string,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}

	s := &Server{
		mux:        http.NewServeMux(),
		logger:     logger,
		addr:       addr,
		vault:      vault,
		funding:    funding,
		pricing:    pricing,
		credential: orchestratorCredential,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Start() error {
	s.logger.Info("http server starting",
		"event", "http_server_starting",
		"module", "internal/platform/httpserver",
		"layer", "platform",
		"addr", s.addr,
	)
	return http.ListenAndServe(s.addr, s.mux)
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.Handle("/swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	s.mux.HandleFunc("GET /buy-asset", s.handleBuyAsset)
	s.mux.HandleFunc("POST /buy-asset", s.handleBuyAsset)

	s.mux.HandleFunc("POST /settlements", s.handleCreateSettlement)
	s.mux.HandleFunc("GET /settlements", s.handleListSettlements)
	s.mux.HandleFunc("GET /settlements/{settlement_id}", s.handleGetSettlement)
	s.mux.HandleFunc("POST /settlements/{settlement_id}/cancel", s.handleCancelSettlement)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// handleBuyAsset is the x402 intake. Without an X-PAYMENT header the request
// is answered 402 with the payment requirement; with one, the settlement is
// registered and funds are pulled under the supplied grants.
func (s *Server) handleBuyAsset(w http.ResponseWriter, r *http.Request) {
	assetAmount := int64(1)
	if raw := r.URL.Query().Get("amount"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			writeVaultError(w, http.StatusBadRequest, "invalid_amount", "amount must be a positive integer")
			return
		}
		assetAmount = parsed
	}

	if s.pricing.PricePerUnit > 0 && assetAmount > math.MaxInt64/s.pricing.PricePerUnit {
		writeVaultError(w, http.StatusBadRequest, "invalid_amount", "amount is too large to price")
		return
	}
	required := assetAmount * s.pricing.PricePerUnit
	if s.pricing.MaxPaymentBufferBps > 0 && required > math.MaxInt64/s.pricing.MaxPaymentBufferBps {
		writeVaultError(w, http.StatusBadRequest, "invalid_amount", "amount is too large to price")
		return
	}
	maxPayment := required + required*s.pricing.MaxPaymentBufferBps/10000
	requirement := PaymentRequirement{
		Scheme:                   "exact",
		Asset:                    s.pricing.PaymentToken,
		PayTo:                    s.pricing.VaultAccount,
		MaxAmountRequired:        maxPayment,
		SettlementAsset:          s.pricing.SettlementToken,
		RequiredSettlementAmount: required,
		AssetRef:                 s.pricing.AssetToken,
		AssetAmount:              assetAmount,
		Seller:                   s.pricing.SellerAccount,
		Resource:                 r.URL.Path,
		MaxTimeoutSeconds:        s.pricing.MaxTimeoutSeconds,
	}

	header := strings.TrimSpace(r.Header.Get("X-PAYMENT"))
	if header == "" {
		writePaymentRequired(w, requirement, "")
		return
	}

	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		writePaymentRequired(w, requirement, "X-PAYMENT header is not valid base64")
		return
	}
	var proof PaymentProof
	if err := json.Unmarshal(raw, &proof); err != nil {
		writePaymentRequired(w, requirement, "X-PAYMENT payload is not valid JSON")
		return
	}
	if proof.Scheme != "exact" {
		writePaymentRequired(w, requirement, "unsupported payment scheme")
		return
	}
	client := strings.TrimSpace(proof.Payload.Client)
	if client == "" || strings.TrimSpace(proof.Payload.ClientGrant) == "" {
		writePaymentRequired(w, requirement, "payment payload must carry client and client_grant")
		return
	}

	created, err := s.vault.Handler.CreateSettlementHandler(r.Context(), vaulthttp.CreateSettlementRequest{
		Client:                   client,
		Seller:                   s.pricing.SellerAccount,
		AssetRef:                 s.pricing.AssetToken,
		AssetAmount:              assetAmount,
		RequiredSettlementAmount: required,
		MaxPaymentAmount:         maxPayment,
	})
	if err != nil {
		writeVaultDomainError(w, err)
		return
	}
	settlementID := created.Item.SettlementID

	if strings.TrimSpace(proof.Payload.SellerGrant) != "" {
		err = s.funding.Service.PullFundsWithAuthorizations(r.Context(), s.credential, fundingports.PullFundsInput{
			SettlementID:  settlementID,
			Client:        client,
			Seller:        s.pricing.SellerAccount,
			AssetRef:      s.pricing.AssetToken,
			AssetAmount:   assetAmount,
			PaymentAmount: maxPayment,
			ClientGrant:   proof.Payload.ClientGrant,
			SellerGrant:   proof.Payload.SellerGrant,
		})
	} else {
		err = s.funding.Service.PullClientFundsOnly(r.Context(), s.credential, fundingports.PullClientFundsInput{
			SettlementID:  settlementID,
			Client:        client,
			AssetAmount:   assetAmount,
			PaymentAmount: maxPayment,
			ClientGrant:   proof.Payload.ClientGrant,
		})
	}
	if err != nil {
		s.logger.Warn("funds pull rejected",
			"event", "http_buy_asset_pull_rejected",
			"module", "internal/platform/httpserver",
			"layer", "platform",
			"settlement_id", settlementID,
			"error", err.Error(),
		)
		if cancelErr := s.vault.Service.CancelSettlement(r.Context(), s.credential, settlementID, "funds pull rejected"); cancelErr != nil {
			s.logger.Error("settlement cleanup cancel failed",
				"event", "http_buy_asset_cleanup_failed",
				"module", "internal/platform/httpserver",
				"layer", "platform",
				"settlement_id", settlementID,
				"error", cancelErr.Error(),
			)
		}
		if errors.Is(err, fundingerrors.ErrAuthorization) || errors.Is(err, vaulterrors.ErrTransfer) {
			writePaymentRequired(w, requirement, err.Error())
			return
		}
		writeVaultDomainError(w, err)
		return
	}

	receipt, _ := json.Marshal(PaymentReceipt{SettlementID: settlementID})
	w.Header().Set("X-PAYMENT-RESPONSE", base64.StdEncoding.EncodeToString(receipt))
	writeJSON(w, http.StatusOK, BuyAssetResponse{
		SettlementID:  settlementID,
		State:         created.Item.State,
		AssetRef:      s.pricing.AssetToken,
		AssetAmount:   assetAmount,
		PaymentPulled: maxPayment,
	})
}

func (s *Server) handleCreateSettlement(w http.ResponseWriter, r *http.Request) {
	var req vaulthttp.CreateSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeVaultError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	resp, err := s.vault.Handler.CreateSettlementHandler(r.Context(), req)
	if err != nil {
		writeVaultDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	settlementID := r.PathValue("settlement_id")
	resp, err := s.vault.Handler.GetSettlementHandler(r.Context(), settlementID)
	if err != nil {
		writeVaultDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelSettlement(w http.ResponseWriter, r *http.Request) {
	settlementID := r.PathValue("settlement_id")

	var req vaulthttp.CancelSettlementRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeVaultError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
			return
		}
	}

	resp, err := s.vault.Handler.CancelSettlementHandler(r.Context(), settlementID, req)
	if err != nil {
		writeVaultDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := query.Get("state")
	if strings.TrimSpace(state) == "" {
		writeVaultError(w, http.StatusBadRequest, "missing_state", "state query parameter is required")
		return
	}

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeVaultError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
			return
		}
		limit = parsed
	}

	resp, err := s.vault.Handler.ListSettlementsHandler(r.Context(), state, limit)
	if err != nil {
		writeVaultDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeVaultDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vaulterrors.ErrArgument):
		writeVaultError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, vaulterrors.ErrUnauthorized):
		writeVaultError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, vaulterrors.ErrNotFound):
		writeVaultError(w, http.StatusNotFound, "settlement_not_found", err.Error())
	case errors.Is(err, vaulterrors.ErrDuplicateSettlement):
		writeVaultError(w, http.StatusConflict, "duplicate_settlement", err.Error())
	case errors.Is(err, vaulterrors.ErrState):
		writeVaultError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, vaulterrors.ErrInsufficientOutput):
		writeVaultError(w, http.StatusConflict, "insufficient_output", err.Error())
	case errors.Is(err, vaulterrors.ErrTransfer):
		writeVaultError(w, http.StatusBadGateway, "transfer_failed", err.Error())
	case errors.Is(err, fundingerrors.ErrAuthorization):
		writeVaultError(w, http.StatusPaymentRequired, "authorization_rejected", err.Error())
	default:
		writeVaultError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writePaymentRequired(w http.ResponseWriter, requirement PaymentRequirement, reason string) {
	writeJSON(w, http.StatusPaymentRequired, PaymentRequiredResponse{
		X402Version: 1,
		Error:       reason,
		Accepts:     []PaymentRequirement{requirement},
	})
}

func writeVaultError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, vaulthttp.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
