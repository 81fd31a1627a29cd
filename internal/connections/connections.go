// Package connections serves the Open Payments connection resource:
// stream credentials for an open incoming payment, addressed by its
// connection id.
package connections

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/asset"
	"github.com/halcyonpay/ilpd/internal/ilp/stream"
	"github.com/halcyonpay/ilpd/internal/openpayments"
	"github.com/halcyonpay/ilpd/internal/payment/incoming"
)

// Handler answers connection lookups.
type Handler struct {
	incoming *incoming.Service
	assets   asset.Store
	stream   *stream.Server
	log      *zap.Logger
}

func NewHandler(incomingSvc *incoming.Service, assets asset.Store, streamServer *stream.Server, log *zap.Logger) *Handler {
	return &Handler{incoming: incomingSvc, assets: assets, stream: streamServer, log: log}
}

// Mount registers the connection route on a router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/connections/{id}", h.handle)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	connectionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	p, err := h.incoming.GetByConnectionID(r.Context(), connectionID)
	if err != nil || p.State.Terminal() {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	a, err := h.assets.Get(r.Context(), p.AssetID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	destination, secret, err := h.stream.Credentials(stream.Tag{Kind: stream.TagIncomingPayment, ID: p.ID})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := openpayments.Connection{
		ID:           connectionID.String(),
		ILPAddress:   destination,
		SharedSecret: base64.RawURLEncoding.EncodeToString(secret),
		AssetCode:    a.Code,
		AssetScale:   a.Scale,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Debug("connection response write failed", zap.Error(err))
	}
}
