package tradovate

import "time"

// AccessTokenRequest is the credential payload for POST /auth/accesstokenrequest.
type AccessTokenRequest struct {
	Name       string `json:"name"`
	Password   string `json:"password"`
	AppID      string `json:"appId,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
	CID        string `json:"cid,omitempty"`
	Sec        string `json:"sec,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
}

// AccessTokenResponse is the broker's token grant.
type AccessTokenResponse struct {
	AccessToken    string    `json:"accessToken"`
	ExpirationTime time.Time `json:"expirationTime"`
	UserID         int64     `json:"userId"`
	// ErrorText is set instead of a token when credentials are refused with
	// an HTTP 200 (the broker does this for captcha/lockout flows).
	ErrorText string `json:"errorText,omitempty"`
}

// BrokerAccount is one entry of GET /account/list.
type BrokerAccount struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Archived bool   `json:"archived"`
	Active   bool   `json:"active"`
}

// wireOrder is the broker's order representation from GET /order/list.
type wireOrder struct {
	ID            int64     `json:"id"`
	AccountID     int64     `json:"accountId"`
	ContractID    int64     `json:"contractId"`
	Symbol        string    `json:"symbol"`
	Action        string    `json:"action"` // "Buy" / "Sell"
	OrdStatus     string    `json:"ordStatus"`
	OrderQty      int       `json:"orderQty"`
	CumQty        int       `json:"cumQty"` // filled quantity
	Price         float64   `json:"price"`
	OrderType     string    `json:"orderType"`
	ClOrdID       string    `json:"clOrdId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// wirePosition is the broker's position representation from GET /position/list.
type wirePosition struct {
	ID        int64   `json:"id"`
	AccountID int64   `json:"accountId"`
	Symbol    string  `json:"symbol"`
	NetPos    int     `json:"netPos"`
	NetPrice  float64 `json:"netPrice"`
}

// PlaceOrderRequest is the payload for POST /order/placeorder. The ClOrdID
// carries the task idempotency key so a replayed submission is deduplicated
// broker-side.
type PlaceOrderRequest struct {
	AccountID   int64   `json:"accountId"`
	Action      string  `json:"action"`
	Symbol      string  `json:"symbol"`
	OrderQty    int     `json:"orderQty"`
	OrderType   string  `json:"orderType"`
	Price       float64 `json:"price,omitempty"`
	ClOrdID     string  `json:"clOrdId,omitempty"`
	IsAutomated bool    `json:"isAutomated"`
}

// PlaceOrderResponse is the broker's acknowledgement of a placement.
type PlaceOrderResponse struct {
	OrderID       int64  `json:"orderId"`
	FailureReason string `json:"failureReason,omitempty"`
	FailureText   string `json:"failureText,omitempty"`
}

// ModifyOrderRequest is the payload for POST /order/modifyorder.
type ModifyOrderRequest struct {
	OrderID   int64   `json:"orderId"`
	OrderQty  int     `json:"orderQty"`
	OrderType string  `json:"orderType"`
	Price     float64 `json:"price,omitempty"`
}

// errorResponse is the broker's generic error body.
type errorResponse struct {
	ErrorText string `json:"errorText"`
	ErrorCode string `json:"errorCode"`
}
