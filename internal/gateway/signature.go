package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/url"
)

// Sign computes the venue's private-endpoint signature: the base64 HMAC-SHA512
// of the request path concatenated with SHA256(nonce + encoded body), keyed by
// the base64-decoded API secret. The body must already contain the nonce field.
func Sign(secret, path, nonce string, body url.Values) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	digest := sha256.Sum256([]byte(nonce + body.Encode()))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
