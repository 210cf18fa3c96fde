// Package signing implements the HMAC helper used to sign direct-upload
// parameters handed to browsers.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// DeliveryAuthenticated is the delivery type and access mode of every upload:
// objects are private and only reachable through signed URLs.
const DeliveryAuthenticated = "authenticated"

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// UploadParams returns the parameter set an upload signature covers.
func UploadParams(timestamp int64, folder string) map[string]string {
	return map[string]string{
		"timestamp":   strconv.FormatInt(timestamp, 10),
		"folder":      folder,
		"type":        DeliveryAuthenticated,
		"access_mode": DeliveryAuthenticated,
	}
}

// SignParams returns the hex signature over the canonical form of params:
// keys sorted, joined as k=v with '&'. Empty values are skipped.
func (s *Signer) SignParams(params map[string]string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonical(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

func canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}
