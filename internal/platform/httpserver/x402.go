package httpserver

// x402 wire types for the payment-required intake surface. A 402 response
// advertises what the resource costs and how to pay; the retry carries a
// base64-encoded PaymentProof in the X-PAYMENT header.

type PaymentRequirement struct {
	Scheme                   string `json:"scheme"`
	Asset                    string `json:"asset"`
	PayTo                    string `json:"pay_to"`
	MaxAmountRequired        int64  `json:"max_amount_required"`
	SettlementAsset          string `json:"settlement_asset"`
	RequiredSettlementAmount int64  `json:"required_settlement_amount"`
	AssetRef                 string `json:"asset_ref"`
	AssetAmount              int64  `json:"asset_amount"`
	Seller                   string `json:"seller"`
	Resource                 string `json:"resource"`
	MaxTimeoutSeconds        int64  `json:"max_timeout_seconds"`
}

type PaymentRequiredResponse struct {
	X402Version int                  `json:"x402_version"`
	Error       string               `json:"error,omitempty"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

type PaymentProof struct {
	X402Version int            `json:"x402_version"`
	Scheme      string         `json:"scheme"`
	Payload     PaymentPayload `json:"payload"`
}

// PaymentPayload carries the signed authorization grants the funding service
// consumes. ClientGrant authorizes pulling the payment currency; SellerGrant
// authorizes pulling the asset into escrow.
type PaymentPayload struct {
	Client      string `json:"client"`
	ClientGrant string `json:"client_grant"`
	SellerGrant string `json:"seller_grant,omitempty"`
}

type BuyAssetResponse struct {
	SettlementID  string `json:"settlement_id"`
	State         string `json:"state"`
	AssetRef      string `json:"asset_ref"`
	AssetAmount   int64  `json:"asset_amount"`
	PaymentPulled int64  `json:"payment_pulled"`
}

type PaymentReceipt struct {
	SettlementID string `json:"settlement_id"`
}
