package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HMACSigner signs requests the way the reference venue expects:
// base64(hmac_sha256(timestamp + method + path + body, secret)), carried
// in the X-LADDER-* headers alongside the account ID.
type HMACSigner struct {
	accountID string
	secret    []byte
}

// NewHMACSigner decodes a hex-encoded private key and binds it to an
// account ID for request signing.
func NewHMACSigner(accountID, privateKeyHex string) (*HMACSigner, error) {
	secret, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode private_key_hex: %w", err)
	}
	return &HMACSigner{accountID: accountID, secret: secret}, nil
}

// SignRequest signs req in place. It reads and restores the request body
// since the body must be part of the signed message.
func (s *HMACSigner) SignRequest(req *http.Request) error {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("read request body for signing: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	message := timestamp + req.Method + path + string(body)

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(message))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-LADDER-ACCOUNT", s.accountID)
	req.Header.Set("X-LADDER-SIGN", signature)
	req.Header.Set("X-LADDER-TIMESTAMP", timestamp)

	return nil
}
