package httpadapter

import (
	"context"
	"log/slog"

	application "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/application"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/domain/entities"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/ports"
	httptransport "github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/transport/http"
)

type Handler struct {
	Service application.Service
	// Credential is the orchestrator capability the HTTP surface presents on
	// vault mutations it performs on behalf of callers.
	Credential string
	Logger     *slog.Logger
}

// CreateSettlementHandler godoc
// @Summary Create a settlement
// @Description Registers a new escrow settlement in pending state.
// @Tags escrow-vault
// @Accept json
// @Produce json
// @Success 200 {object} httptransport.CreateSettlementResponse
// @Failure 400 {object} httptransport.ErrorResponse
// @Failure 409 {object} httptransport.ErrorResponse
// @Failure 500 {object} httptransport.ErrorResponse
// @Router /settlements [post]
func (h Handler) CreateSettlementHandler(
	ctx context.Context,
	req httptransport.CreateSettlementRequest,
) (httptransport.CreateSettlementResponse, error) {
	logger := application.ResolveLogger(h.Logger)
	logger.Info("create settlement request received",
		"event", "http_create_settlement_received",
		"module", "settlement-core/escrow-vault",
		"layer", "transport",
	)

	settlement, err := h.Service.CreateSettlement(ctx, h.Credential, ports.CreateSettlementInput{
		Client:                   req.Client,
		Seller:                   req.Seller,
		AssetRef:                 req.AssetRef,
		AssetAmount:              req.AssetAmount,
		RequiredSettlementAmount: req.RequiredSettlementAmount,
		MaxPaymentAmount:         req.MaxPaymentAmount,
	})
	if err != nil {
		logger.Error("create settlement request failed",
			"event", "http_create_settlement_failed",
			"module", "settlement-core/escrow-vault",
			"layer", "transport",
			"error", err.Error(),
		)
		return httptransport.CreateSettlementResponse{}, err
	}
	return httptransport.CreateSettlementResponse{Item: mapSettlement(settlement)}, nil
}

// GetSettlementHandler godoc
// @Summary Get settlement details
// @Description Returns one settlement by id.
// @Tags escrow-vault
// @Produce json
// @Param settlement_id path string true "Settlement id"
// @Success 200 {object} httptransport.GetSettlementResponse
// @Failure 404 {object} httptransport.ErrorResponse
// @Failure 500 {object} httptransport.ErrorResponse
// @Router /settlements/{settlement_id} [get]
func (h Handler) GetSettlementHandler(
	ctx context.Context,
	settlementID string,
) (httptransport.GetSettlementResponse, error) {
	settlement, err := h.Service.GetSettlement(ctx, settlementID)
	if err != nil {
		return httptransport.GetSettlementResponse{}, err
	}
	return httptransport.GetSettlementResponse{Item: mapSettlement(settlement)}, nil
}

// CancelSettlementHandler godoc
// @Summary Cancel a settlement
// @Description Cancels a non-terminal settlement and refunds escrowed funds.
// @Tags escrow-vault
// @Accept json
// @Produce json
// @Param settlement_id path string true "Settlement id"
// @Success 200 {object} httptransport.CancelSettlementResponse
// @Failure 404 {object} httptransport.ErrorResponse
// @Failure 409 {object} httptransport.ErrorResponse
// @Failure 500 {object} httptransport.ErrorResponse
// @Router /settlements/{settlement_id}/cancel [post]
func (h Handler) CancelSettlementHandler(
	ctx context.Context,
	settlementID string,
	req httptransport.CancelSettlementRequest,
) (httptransport.CancelSettlementResponse, error) {
	logger := application.ResolveLogger(h.Logger)

	reason := req.Reason
	if reason == "" {
		reason = "cancelled by caller"
	}
	if err := h.Service.CancelSettlement(ctx, h.Credential, settlementID, reason); err != nil {
		logger.Error("cancel settlement request failed",
			"event", "http_cancel_settlement_failed",
			"module", "settlement-core/escrow-vault",
			"layer", "transport",
			"settlement_id", settlementID,
			"error", err.Error(),
		)
		return httptransport.CancelSettlementResponse{}, err
	}
	settlement, err := h.Service.GetSettlement(ctx, settlementID)
	if err != nil {
		return httptransport.CancelSettlementResponse{}, err
	}
	return httptransport.CancelSettlementResponse{Item: mapSettlement(settlement)}, nil
}

// ListSettlementsHandler godoc
// @Summary List settlements by state
// @Description Returns settlements in the requested state, oldest first.
// @Tags escrow-vault
// @Produce json
// @Param state query string true "Settlement state"
// @Param limit query int false "Page size (max 100)"
// @Success 200 {object} httptransport.ListSettlementsResponse
// @Failure 400 {object} httptransport.ErrorResponse
// @Failure 500 {object} httptransport.ErrorResponse
// @Router /settlements [get]
func (h Handler) ListSettlementsHandler(
	ctx context.Context,
	state string,
	limit int,
) (httptransport.ListSettlementsResponse, error) {
	settlements, err := h.Service.ListSettlementsByState(ctx, entities.SettlementState(state), limit)
	if err != nil {
		return httptransport.ListSettlementsResponse{}, err
	}
	items := make([]httptransport.SettlementView, 0, len(settlements))
	for _, settlement := range settlements {
		items = append(items, mapSettlement(settlement))
	}
	return httptransport.ListSettlementsResponse{Items: items}, nil
}

func mapSettlement(settlement entities.Settlement) httptransport.SettlementView {
	return httptransport.SettlementView{
		SettlementID:             settlement.ID,
		Client:                   settlement.Client,
		Seller:                   settlement.Seller,
		AssetRef:                 settlement.AssetRef,
		AssetAmount:              settlement.AssetAmount,
		RequiredSettlementAmount: settlement.RequiredSettlementAmount,
		MaxPaymentAmount:         settlement.MaxPaymentAmount,
		ActualPulled:             settlement.ActualPulled,
		ActualReceived:           settlement.ActualReceived,
		Residual:                 settlement.Residual,
		State:                    string(settlement.State),
		CancelReason:             settlement.CancelReason,
		CreatedAt:                settlement.CreatedAt,
		UpdatedAt:                settlement.UpdatedAt,
	}
}
