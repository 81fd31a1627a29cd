// Package openpayments implements the client side of the Open Payments
// protocol: resource types, the grant client, and the signed HTTP
// client used for remote calls.
package openpayments

import (
	"encoding/json"
	"time"
)

// Amount is the wire form of a monetary amount.
type Amount struct {
	Value      string `json:"value"`
	AssetCode  string `json:"assetCode"`
	AssetScale uint8  `json:"assetScale"`
}

// WalletAddress is the public descriptor served at a payment pointer
// URL.
type WalletAddress struct {
	ID         string `json:"id"`
	PublicName string `json:"publicName,omitempty"`
	AssetCode  string `json:"assetCode"`
	AssetScale uint8  `json:"assetScale"`
	AuthServer string `json:"authServer"`
	ResourceServer string `json:"resourceServer"`
}

// PaymentMethod carries the ILP credentials of an incoming payment.
type PaymentMethod struct {
	Type         string `json:"type"`
	ILPAddress   string `json:"ilpAddress"`
	SharedSecret string `json:"sharedSecret"`
}

// IncomingPayment is the incoming payment resource.
type IncomingPayment struct {
	ID             string          `json:"id"`
	WalletAddress  string          `json:"walletAddress"`
	IncomingAmount *Amount         `json:"incomingAmount,omitempty"`
	ReceivedAmount Amount          `json:"receivedAmount"`
	Completed      bool            `json:"completed"`
	ExpiresAt      *time.Time      `json:"expiresAt,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Methods        []PaymentMethod `json:"methods,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Connection is the connection resource: live STREAM credentials for a
// non-terminal incoming payment.
type Connection struct {
	ID           string `json:"id"`
	ILPAddress   string `json:"ilpAddress"`
	SharedSecret string `json:"sharedSecret"`
	AssetCode    string `json:"assetCode"`
	AssetScale   uint8  `json:"assetScale"`
}
