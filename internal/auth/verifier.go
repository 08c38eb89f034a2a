// Package auth resolves a connection credential to a tenant identity.
package auth

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

	"github.com/ent0n29/voicegw/internal/reliability"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
)

// Identity is the verified owner of a connection.
type Identity struct {
	TenantID string `json:"tenant_id"`
	Subject  string `json:"subject,omitempty"`
}

// Verifier checks a bearer credential.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// StaticVerifier maps fixed tokens to tenants. It is meant for local
// development and tests.
type StaticVerifier struct {
	tokens map[string]string
}

func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticVerifier{tokens: cp}
}

func (v *StaticVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}
	tenant, ok := v.tokens[credential]
	if !ok {
		return Identity{}, ErrInvalidCredential
	}
	return Identity{TenantID: tenant}, nil
}

// HTTPVerifier posts the credential to an introspection endpoint, which must
// answer 200 with {"tenant_id": "..."} for a valid token and 401 or 403
// otherwise.
type HTTPVerifier struct {
	url    string
	client *http.Client
}

func NewHTTPVerifier(url string, client *http.Client) *HTTPVerifier {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPVerifier{url: url, client: client}
}

func (v *HTTPVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}

	var id Identity
	err := reliability.Retry(ctx, 3, 100*time.Millisecond, time.Second, func(int) error {
		var err error
		id, err = v.verifyOnce(ctx, credential)
		return err
	})
	if err != nil {
		return Identity{}, err
	}
	return id, nil
}

func (v *HTTPVerifier) verifyOnce(ctx context.Context, credential string) (Identity, error) {
	body, _ := json.Marshal(map[string]string{"token": credential})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return Identity{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Identity{}, ErrInvalidCredential
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Identity{}, &reliability.StatusError{Service: "auth", Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var id Identity
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("decode verify response: %w", err)
	}
	id.TenantID = strings.TrimSpace(id.TenantID)
	if id.TenantID == "" {
		return Identity{}, ErrInvalidCredential
	}
	return id, nil
}
