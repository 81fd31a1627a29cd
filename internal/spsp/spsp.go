// Package spsp serves the Simple Payment Setup Protocol: a GET on a
// wallet-address URL hands the client stream credentials for paying
// that address directly.
package spsp

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/asset"
	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/event"
	"github.com/halcyonpay/ilpd/internal/ilp/stream"
	"github.com/halcyonpay/ilpd/internal/walletaddress"
)

// ContentType is the SPSP v4 media type.
const ContentType = "application/spsp4+json"

// Handler answers SPSP queries for locally served wallet addresses.
type Handler struct {
	addresses *walletaddress.Service
	assets    asset.Store
	stream    *stream.Server
	events    event.Sink
	clock     clock.Clock
	log       *zap.Logger

	// baseURL is the wallet address URL prefix this server answers for.
	baseURL string
}

func NewHandler(addresses *walletaddress.Service, assets asset.Store, streamServer *stream.Server, events event.Sink, c clock.Clock, baseURL string, log *zap.Logger) *Handler {
	return &Handler{
		addresses: addresses,
		assets:    assets,
		stream:    streamServer,
		events:    events,
		clock:     c,
		log:       log,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
	}
}

// Mount registers the SPSP catch-all on a router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/*", h.handle)
}

type response struct {
	DestinationAccount string `json:"destination_account"`
	SharedSecret       string `json:"shared_secret"`
	Asset              struct {
		Code  string `json:"code"`
		Scale uint8  `json:"scale"`
	} `json:"asset"`
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	if !acceptsSPSP(r.Header.Get("Accept")) {
		http.Error(w, "unsupported media type", http.StatusNotAcceptable)
		return
	}
	url := h.baseURL + r.URL.Path
	addr, err := h.addresses.GetByURL(r.Context(), url)
	if err != nil {
		h.notFound(w, r, url)
		return
	}
	if !addr.Active(h.clock.Now()) {
		h.notFound(w, r, url)
		return
	}

	a, err := h.assets.Get(r.Context(), addr.AssetID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	destination, secret, err := h.stream.Credentials(stream.Tag{Kind: stream.TagWalletAddress, ID: addr.ID})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var resp response
	resp.DestinationAccount = destination
	resp.SharedSecret = base64.RawURLEncoding.EncodeToString(secret)
	resp.Asset.Code = a.Code
	resp.Asset.Scale = a.Scale

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Debug("spsp response write failed", zap.Error(err))
	}
}

// notFound answers 404 and reports the miss so the account servicing
// entity can provision the address.
func (h *Handler) notFound(w http.ResponseWriter, r *http.Request, url string) {
	data, err := json.Marshal(map[string]string{"walletAddressUrl": url})
	if err == nil {
		ev := event.Event{ID: uuid.New(), Type: event.TypeWalletAddressNotFound, Data: data}
		if err := h.events.Enqueue(r.Context(), ev); err != nil {
			h.log.Warn("wallet address miss event", zap.Error(err))
		}
	}
	http.Error(w, "wallet address not found", http.StatusNotFound)
}

func acceptsSPSP(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch mediaType {
		case ContentType, "application/json", "*/*":
			return true
		}
	}
	return false
}
