package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/blendguard/safety-vault/internal/model"
)

// ErrBadSignature is returned when a deeplink signature does not match.
var ErrBadSignature = errors.New("auth: deeplink signature mismatch")

// Deeplinks signs and verifies protection deeplinks. A deeplink binds a
// position ID to the user who owns it, so a one-tap alert link can act for
// that user without a bearer token.
type Deeplinks struct {
	secret []byte
}

func NewDeeplinks(secret string) *Deeplinks {
	return &Deeplinks{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 of "positionID:userID".
func (d *Deeplinks) Sign(positionID, userID string) (string, error) {
	if len(d.secret) == 0 {
		return "", ErrNotConfigured
	}
	return hex.EncodeToString(d.mac(positionID, userID)), nil
}

// Verify checks sig for the pair and returns a deeplink principal for userID.
func (d *Deeplinks) Verify(positionID, userID, sig string) (model.Principal, error) {
	if len(d.secret) == 0 {
		return model.Principal{}, ErrNotConfigured
	}
	if positionID == "" || userID == "" || sig == "" {
		return model.Principal{}, ErrMissingCredentials
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return model.Principal{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !hmac.Equal(got, d.mac(positionID, userID)) {
		return model.Principal{}, ErrBadSignature
	}
	return model.Principal{Subject: userID, Method: MethodDeeplink}, nil
}

func (d *Deeplinks) mac(positionID, userID string) []byte {
	h := hmac.New(sha256.New, d.secret)
	h.Write([]byte(positionID + ":" + userID))
	return h.Sum(nil)
}
