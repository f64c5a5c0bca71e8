package credentials

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"harbor/pkg/apperr"
)

// signedPayload is what an access key signature covers.
type signedPayload struct {
	Path     string `json:"path_of_url"`
	Deadline int64  `json:"deadline"`
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// Sign builds an access key credential for path valid until deadline, in the
// form access_key:signature:payload.
func Sign(accessKey, secret, path string, deadline time.Time) (string, error) {
	raw, err := json.Marshal(signedPayload{Path: path, Deadline: deadline.Unix()})
	if err != nil {
		return "", err
	}
	payload := base64.URLEncoding.EncodeToString(raw)
	return accessKey + ":" + sign(secret, payload) + ":" + payload, nil
}

// VerifySignature checks a credential made by Sign against the request path
// and returns the key owner.
func (s *Service) VerifySignature(ctx context.Context, credential, path string) (string, error) {
	parts := strings.SplitN(credential, ":", 3)
	if len(parts) != 3 {
		return "", apperr.Wrap(apperr.ErrUnauthorized, "malformed access key credential")
	}
	accessKey, signature, payload := parts[0], parts[1], parts[2]

	key, err := s.meta.GetAccessKey(ctx, accessKey)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", apperr.Wrap(apperr.ErrUnauthorized, "unknown access key")
	}
	if err != nil {
		return "", err
	}
	if !key.Active {
		return "", apperr.Wrap(apperr.ErrUnauthorized, "access key is disabled")
	}
	if !hmac.Equal([]byte(signature), []byte(sign(key.SecretKey, payload))) {
		return "", apperr.Wrap(apperr.ErrUnauthorized, "signature mismatch")
	}

	raw, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrUnauthorized, "malformed payload")
	}
	var signed signedPayload
	if err := json.Unmarshal(raw, &signed); err != nil {
		return "", apperr.Wrap(apperr.ErrUnauthorized, "malformed payload")
	}
	if signed.Path != path {
		return "", apperr.Wrap(apperr.ErrUnauthorized, "credential was signed for %q", signed.Path)
	}
	deadline := time.Unix(signed.Deadline, 0).Add(s.opts.SignatureMaxSkew)
	if s.meta.Now().After(deadline) {
		return "", apperr.Wrap(apperr.ErrUnauthorized, "credential expired")
	}
	return key.UserID, nil
}
