package ilphttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/ilp/packet"
	"github.com/halcyonpay/ilpd/internal/peer"
)

// Client forwards prepares to peers over their configured HTTP
// endpoints. It implements the pipeline's Forwarder.
type Client struct {
	http *http.Client
	log  *zap.Logger
}

func NewClient(timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

func (c *Client) SendToPeer(ctx context.Context, p peer.Peer, prepare *packet.Prepare) (*packet.Fulfill, *packet.Reject, error) {
	if p.HTTP.OutgoingURL == "" {
		return nil, nil, fmt.Errorf("peer %s has no outgoing endpoint", p.ID)
	}

	body := bytes.NewReader(packet.EncodePrepare(prepare))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.HTTP.OutgoingURL, body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", ContentType)
	if p.HTTP.OutgoingToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.HTTP.OutgoingToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("peer %s answered %d", p.ID, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPacketBytes))
	if err != nil {
		return nil, nil, err
	}
	fulfill, reject, err := packet.DecodeReply(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("peer %s reply: %w", p.ID, err)
	}
	return fulfill, reject, nil
}
