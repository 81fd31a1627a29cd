package receiver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/asset"
	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/ilp/stream"
	"github.com/halcyonpay/ilpd/internal/openpayments"
	"github.com/halcyonpay/ilpd/internal/payment/incoming"
	"github.com/halcyonpay/ilpd/internal/walletaddress"
)

const incomingPaymentsSegment = "/incoming-payments/"

// readAccess is what the resolver needs from a remote resource server.
var readAccess = openpayments.Access{
	Type:    "incoming-payment",
	Actions: []string{"read-all"},
}

// createAccess additionally permits creating incoming payments.
var createAccess = openpayments.Access{
	Type:    "incoming-payment",
	Actions: []string{"create", "read-all"},
}

// Resolver materializes receivers from URLs.
type Resolver struct {
	incoming  *incoming.Service
	addresses walletaddress.Store
	assets    asset.Store
	stream    *stream.Server
	client    *openpayments.Client
	grants    *GrantCache
	clock     clock.Clock
	log       *zap.Logger

	// openPaymentsURL is the engine's own connection-resource base;
	// connection URLs under it resolve locally.
	openPaymentsURL string
}

func NewResolver(incomingSvc *incoming.Service, addresses walletaddress.Store, assets asset.Store, streamServer *stream.Server, client *openpayments.Client, grants *GrantCache, c clock.Clock, openPaymentsURL string, log *zap.Logger) *Resolver {
	return &Resolver{
		incoming:        incomingSvc,
		addresses:       addresses,
		assets:          assets,
		stream:          streamServer,
		client:          client,
		grants:          grants,
		clock:           c,
		log:             log,
		openPaymentsURL: strings.TrimSuffix(openPaymentsURL, "/"),
	}
}

// Resolve turns a receiver URL into STREAM credentials. Remote
// failures return ErrInvalidReceiver; the caller cannot distinguish a
// missing receiver from an unreachable one, by contract.
func (r *Resolver) Resolve(ctx context.Context, url string) (*Receiver, error) {
	if id, ok := r.localConnectionID(url); ok {
		return r.resolveLocalConnection(ctx, url, id)
	}
	if paymentID, walletURL, ok := r.localIncomingPayment(ctx, url); ok {
		return r.resolveLocalPayment(ctx, url, paymentID, walletURL)
	}
	if strings.Contains(url, "/connections/") {
		return r.resolveRemoteConnection(ctx, url)
	}
	return r.resolveRemotePayment(ctx, url)
}

func (r *Resolver) localConnectionID(url string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(url, r.openPaymentsURL+"/connections/")
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// localIncomingPayment reports whether the URL denotes an incoming
// payment on a wallet address this engine serves.
func (r *Resolver) localIncomingPayment(ctx context.Context, url string) (uuid.UUID, string, bool) {
	idx := strings.LastIndex(url, incomingPaymentsSegment)
	if idx < 0 {
		return uuid.Nil, "", false
	}
	walletURL := url[:idx]
	id, err := uuid.Parse(url[idx+len(incomingPaymentsSegment):])
	if err != nil {
		return uuid.Nil, "", false
	}
	if _, err := r.addresses.GetByURL(ctx, walletURL); err != nil {
		return uuid.Nil, "", false
	}
	return id, walletURL, true
}

func (r *Resolver) resolveLocalConnection(ctx context.Context, url string, connectionID uuid.UUID) (*Receiver, error) {
	p, err := r.incoming.GetByConnectionID(ctx, connectionID)
	if err != nil {
		return nil, ErrInvalidReceiver
	}
	return r.fromLocalPayment(ctx, url, p)
}

func (r *Resolver) resolveLocalPayment(ctx context.Context, url string, paymentID uuid.UUID, _ string) (*Receiver, error) {
	p, err := r.incoming.Get(ctx, paymentID)
	if err != nil {
		return nil, ErrInvalidReceiver
	}
	return r.fromLocalPayment(ctx, url, p)
}

func (r *Resolver) fromLocalPayment(ctx context.Context, url string, p incoming.Payment) (*Receiver, error) {
	if p.State.Terminal() {
		return nil, ErrInvalidReceiver
	}
	a, err := r.assets.Get(ctx, p.AssetID)
	if err != nil {
		return nil, err
	}
	address, secret, err := r.stream.Credentials(stream.Tag{Kind: stream.TagIncomingPayment, ID: p.ID})
	if err != nil {
		return nil, err
	}
	expiresAt := p.ExpiresAt
	return &Receiver{
		URL:            url,
		AssetCode:      a.Code,
		AssetScale:     a.Scale,
		ILPAddress:     address,
		SharedSecret:   secret,
		IncomingAmount: p.IncomingAmount,
		ReceivedAmount: p.ReceivedAmount,
		ExpiresAt:      &expiresAt,
	}, nil
}

func (r *Resolver) resolveRemoteConnection(ctx context.Context, url string) (*Receiver, error) {
	var conn openpayments.Connection
	if _, err := r.client.Do(ctx, http.MethodGet, url, "", nil, &conn); err != nil {
		r.log.Debug("remote connection fetch failed", zap.String("url", url), zap.Error(err))
		return nil, ErrInvalidReceiver
	}
	secret, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(conn.SharedSecret, "="))
	if err != nil {
		return nil, ErrInvalidReceiver
	}
	return &Receiver{
		URL:          url,
		AssetCode:    conn.AssetCode,
		AssetScale:   conn.AssetScale,
		ILPAddress:   conn.ILPAddress,
		SharedSecret: secret,
	}, nil
}

func (r *Resolver) resolveRemotePayment(ctx context.Context, url string) (*Receiver, error) {
	idx := strings.LastIndex(url, incomingPaymentsSegment)
	if idx < 0 {
		return nil, ErrInvalidReceiver
	}
	walletURL := url[:idx]

	wa, err := r.client.GetWalletAddress(ctx, walletURL)
	if err != nil {
		r.log.Debug("remote wallet address fetch failed", zap.String("url", walletURL), zap.Error(err))
		return nil, ErrInvalidReceiver
	}
	token, err := r.grants.Token(ctx, wa.AuthServer, readAccess)
	if err != nil {
		r.log.Debug("grant acquisition failed", zap.String("auth_server", wa.AuthServer), zap.Error(err))
		return nil, ErrInvalidReceiver
	}
	p, err := r.client.GetIncomingPayment(ctx, url, token)
	if err != nil {
		r.log.Debug("remote incoming payment fetch failed", zap.String("url", url), zap.Error(err))
		return nil, ErrInvalidReceiver
	}
	return fromRemotePayment(url, p)
}

func fromRemotePayment(url string, p *openpayments.IncomingPayment) (*Receiver, error) {
	recv := &Receiver{
		URL:        url,
		AssetCode:  p.ReceivedAmount.AssetCode,
		AssetScale: p.ReceivedAmount.AssetScale,
		ExpiresAt:  p.ExpiresAt,
		Completed:  p.Completed,
	}
	received, err := strconv.ParseUint(p.ReceivedAmount.Value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad receivedAmount", ErrInvalidReceiver)
	}
	recv.ReceivedAmount = received
	if p.IncomingAmount != nil {
		v, err := strconv.ParseUint(p.IncomingAmount.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad incomingAmount", ErrInvalidReceiver)
		}
		recv.IncomingAmount = &v
	}
	for _, m := range p.Methods {
		if m.Type == "ilp" {
			recv.ILPAddress = m.ILPAddress
			secret, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(m.SharedSecret, "="))
			if err != nil {
				return nil, fmt.Errorf("%w: bad sharedSecret", ErrInvalidReceiver)
			}
			recv.SharedSecret = secret
		}
	}
	if recv.ILPAddress == "" {
		return nil, fmt.Errorf("%w: no ilp method", ErrInvalidReceiver)
	}
	return recv, nil
}

// CreateParams carries the fields for creating a receiver.
type CreateParams struct {
	WalletAddressURL string
	IncomingAmount   *uint64
	ExpiresAt        *time.Time
	Metadata         json.RawMessage
}

// Create provisions an incoming payment on a wallet address, locally
// when this engine serves it, otherwise on the remote resource server,
// and resolves it.
func (r *Resolver) Create(ctx context.Context, params CreateParams) (*Receiver, error) {
	if addr, err := r.addresses.GetByURL(ctx, params.WalletAddressURL); err == nil {
		p, err := r.incoming.Create(ctx, incoming.CreateParams{
			WalletAddressID: addr.ID,
			IncomingAmount:  params.IncomingAmount,
			ExpiresAt:       params.ExpiresAt,
			Metadata:        params.Metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReceiverError, err)
		}
		url := params.WalletAddressURL + incomingPaymentsSegment + p.ID.String()
		return r.fromLocalPayment(ctx, url, p)
	}

	wa, err := r.client.GetWalletAddress(ctx, params.WalletAddressURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReceiverError, err)
	}
	token, err := r.grants.Token(ctx, wa.AuthServer, createAccess)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReceiverError, err)
	}
	body := map[string]any{"walletAddress": params.WalletAddressURL}
	if params.IncomingAmount != nil {
		body["incomingAmount"] = map[string]any{"value": strconv.FormatUint(*params.IncomingAmount, 10)}
	}
	if params.ExpiresAt != nil {
		body["expiresAt"] = params.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if params.Metadata != nil {
		body["metadata"] = params.Metadata
	}
	created, err := r.client.CreateIncomingPayment(ctx, wa.ResourceServer, token, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReceiverError, err)
	}
	return fromRemotePayment(created.ID, created)
}
