package httptransport

import "time"

type CreateSettlementRequest struct {
	Client                   string `json:"client"`
	Seller                   string `json:"seller"`
	AssetRef                 string `json:"asset_ref"`
	AssetAmount              int64  `json:"asset_amount"`
	RequiredSettlementAmount int64  `json:"required_settlement_amount"`
	MaxPaymentAmount         int64  `json:"max_payment_amount"`
}

type SettlementView struct {
	SettlementID             string    `json:"settlement_id"`
	Client                   string    `json:"client"`
	Seller                   string    `json:"seller"`
	AssetRef                 string    `json:"asset_ref"`
	AssetAmount              int64     `json:"asset_amount"`
	RequiredSettlementAmount int64     `json:"required_settlement_amount"`
	MaxPaymentAmount         int64     `json:"max_payment_amount"`
	ActualPulled             int64     `json:"actual_pulled"`
	ActualReceived           int64     `json:"actual_received"`
	Residual                 int64     `json:"residual"`
	State                    string    `json:"state"`
	CancelReason             string    `json:"cancel_reason,omitempty"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

type CreateSettlementResponse struct {
	Item SettlementView `json:"item"`
}

type GetSettlementResponse struct {
	Item SettlementView `json:"item"`
}

type CancelSettlementRequest struct {
	Reason string `json:"reason"`
}

type CancelSettlementResponse struct {
	Item SettlementView `json:"item"`
}

type ListSettlementsResponse struct {
	Items []SettlementView `json:"items"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
