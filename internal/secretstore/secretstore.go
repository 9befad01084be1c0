// Package secretstore talks to the encryption service that turns a plaintext
// location list into an opaque ciphertext and back.
package secretstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"datagate/internal/crypto"
)

var (
	// ErrEncryptionFailed covers empty or garbled gateway output. Publishing
	// must not record a broken asset on this error.
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Client encrypts and decrypts documents keyed by asset id. Decrypt is gated
// by the caller's ability to prove control of an authorized key.
type Client interface {
	Encrypt(ctx context.Context, docID, plaintext string, signer *crypto.Account) (string, error)
	Decrypt(ctx context.Context, docID, ciphertext string, caller *crypto.Account) (string, error)
}

// HTTPClient calls a remote secret store over JSON.
type HTTPClient struct {
	BaseURL    string
	HTTPDoer   *http.Client
	AuthTokens interface {
		Issue(acct *crypto.Account) (string, error)
	}
}

type cryptRequest struct {
	DocumentID string `json:"documentId"`
	Payload    string `json:"payload"`
	Address    string `json:"address"`
	Token      string `json:"token,omitempty"`
}

type cryptResponse struct {
	Payload string `json:"payload"`
}

func (c *HTTPClient) doer() *http.Client {
	if c.HTTPDoer != nil {
		return c.HTTPDoer
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *HTTPClient) post(ctx context.Context, endpoint string, req cryptRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(c.BaseURL, "/") + endpoint
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	res, err := c.doer().Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("secret store: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("secret store status %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out cryptResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Payload, nil
}

func (c *HTTPClient) Encrypt(ctx context.Context, docID, plaintext string, signer *crypto.Account) (string, error) {
	if signer == nil || !signer.CanSign() {
		return "", ErrEncryptionFailed
	}
	req := cryptRequest{DocumentID: docID, Payload: plaintext, Address: string(signer.Address)}
	if c.AuthTokens != nil {
		token, err := c.AuthTokens.Issue(signer)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
		}
		req.Token = token
	}
	cipher, err := c.post(ctx, "/encrypt", req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if cipher == "" || !strings.HasPrefix(cipher, "0x") {
		return "", ErrEncryptionFailed
	}
	return cipher, nil
}

func (c *HTTPClient) Decrypt(ctx context.Context, docID, ciphertext string, caller *crypto.Account) (string, error) {
	if caller == nil || !caller.CanSign() {
		return "", ErrDecryptionFailed
	}
	req := cryptRequest{DocumentID: docID, Payload: ciphertext, Address: string(caller.Address)}
	if c.AuthTokens != nil {
		token, err := c.AuthTokens.Issue(caller)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		req.Token = token
	}
	plain, err := c.post(ctx, "/decrypt", req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if plain == "" {
		return "", ErrDecryptionFailed
	}
	return plain, nil
}
