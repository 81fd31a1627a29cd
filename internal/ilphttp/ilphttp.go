// Package ilphttp moves ILP packets between peers over HTTP: a handler
// that receives prepares from authenticated peers, and a client that
// forwards prepares to a peer's endpoint.
package ilphttp

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/ilp/packet"
	"github.com/halcyonpay/ilpd/internal/ilp/pipeline"
	"github.com/halcyonpay/ilpd/internal/peer"
)

// ContentType is the ILP-over-HTTP media type.
const ContentType = "application/octet-stream"

// maxPacketBytes bounds an incoming request body. ILP packets are
// small; anything larger is not a packet.
const maxPacketBytes = 1 << 16

// PacketHandler processes a prepare on behalf of a source peer.
type PacketHandler interface {
	Handle(ctx context.Context, src pipeline.Source, prepare *packet.Prepare) (*packet.Fulfill, *packet.Reject, error)
}

// Handler is the inbound peer endpoint.
type Handler struct {
	peers    *peer.Service
	pipeline PacketHandler
	log      *zap.Logger
}

func NewHandler(peers *peer.Service, p PacketHandler, log *zap.Logger) *Handler {
	return &Handler{peers: peers, pipeline: p, log: log}
}

// Mount registers the packet endpoint on a router.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/ilp", h.handle)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	p, err := h.peers.GetByIncomingToken(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPacketBytes))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	prepare, err := packet.DecodePrepare(raw)
	if err != nil {
		http.Error(w, "malformed packet", http.StatusBadRequest)
		return
	}

	src := pipeline.Source{AccountID: p.ID, AssetID: p.AssetID, Peer: &p}
	fulfill, reject, err := h.pipeline.Handle(r.Context(), src, prepare)
	if err != nil {
		h.log.Error("packet handling failure",
			zap.String("peer", p.ID.String()),
			zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var reply []byte
	if fulfill != nil {
		reply = packet.EncodeFulfill(fulfill)
	} else {
		reply = packet.EncodeReject(reject)
	}
	w.Header().Set("Content-Type", ContentType)
	if _, err := w.Write(reply); err != nil {
		h.log.Debug("packet reply write failed", zap.Error(err))
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
