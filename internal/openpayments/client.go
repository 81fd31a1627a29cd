package openpayments

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client performs Open Payments HTTP calls, signing each request with
// the engine's Ed25519 key so resource servers can verify the caller.
type Client struct {
	http       *http.Client
	keyID      string
	privateKey ed25519.PrivateKey
}

// NewClient creates a signed client. An http.Client may be supplied
// for tests.
func NewClient(httpClient *http.Client, keyID string, privateKey ed25519.PrivateKey) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{http: httpClient, keyID: keyID, privateKey: privateKey}
}

// Do sends a JSON request. A non-nil body is marshalled; a non-nil out
// receives the decoded 2xx response. token, when set, is attached as a
// GNAP access token.
func (c *Client) Do(ctx context.Context, method, url string, token string, body, out any) (int, error) {
	var reader io.Reader
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "GNAP "+token)
	}
	c.sign(req, payload)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", url, err)
		}
	}
	return resp.StatusCode, nil
}

// sign attaches a detached Ed25519 signature over the request line,
// date, and body digest.
func (c *Client) sign(req *http.Request, payload []byte) {
	if c.privateKey == nil {
		return
	}
	created := fmt.Sprintf("%d", time.Now().Unix())
	digest := sha256.Sum256(payload)
	base := fmt.Sprintf("%s %s\ncreated: %s\ncontent-digest: sha-256=%s",
		req.Method, req.URL.RequestURI(), created,
		base64.StdEncoding.EncodeToString(digest[:]))
	sig := ed25519.Sign(c.privateKey, []byte(base))

	req.Header.Set("Signature-Input",
		fmt.Sprintf(`sig1=("@method" "@target-uri" "content-digest");created=%s;keyid=%q;alg="ed25519"`,
			created, c.keyID))
	req.Header.Set("Signature", "sig1=:"+base64.StdEncoding.EncodeToString(sig)+":")
	req.Header.Set("Content-Digest", "sha-256=:"+base64.StdEncoding.EncodeToString(digest[:])+":")
}

// GetWalletAddress fetches a remote payment pointer descriptor.
func (c *Client) GetWalletAddress(ctx context.Context, url string) (*WalletAddress, error) {
	var wa WalletAddress
	if _, err := c.Do(ctx, http.MethodGet, url, "", nil, &wa); err != nil {
		return nil, err
	}
	return &wa, nil
}

// GetIncomingPayment fetches a remote incoming payment resource using
// a grant-issued token.
func (c *Client) GetIncomingPayment(ctx context.Context, url, token string) (*IncomingPayment, error) {
	var p IncomingPayment
	if _, err := c.Do(ctx, http.MethodGet, url, token, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateIncomingPayment creates an incoming payment on a remote
// resource server.
func (c *Client) CreateIncomingPayment(ctx context.Context, resourceServer, token string, body any) (*IncomingPayment, error) {
	var p IncomingPayment
	url := resourceServer + "/incoming-payments"
	if _, err := c.Do(ctx, http.MethodPost, url, token, body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
