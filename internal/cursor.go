package internal

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/google/uuid"
	"github.com/kapetan-io/errors"
)

const (
	nonceSize = 12
	tagSize   = 16
	// boundSize is the decoded length of a cursor which carries a session id
	boundSize = nonceSize + 16 + tagSize
	// MaxInteractionIDLength is the longest interaction id the server will accept
	MaxInteractionIDLength = 128
)

var encoding = base64.RawURLEncoding

// Cursors issues the opaque interaction ids returned in Pull-Next.
//
// Every id contains a fresh random nonce. When a session participates in the stream the id
// also carries the session id and an HMAC tag over the ISPB, nonce and session id. Only ids
// minted by this server with the same secret verify; anything else is treated as an opaque
// id which is not bound to any session.
type Cursors struct {
	secret []byte
}

// NewCursors returns a cursor issuer which signs with secret. If secret is empty a random
// secret is generated, which means cursors do not verify across restarts or servers.
func NewCursors(secret []byte) (*Cursors, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, errors.Errorf("during rand.Read(): %w", err)
		}
	}
	return &Cursors{secret: secret}, nil
}

// Issue returns a new interaction id. If sessionID is not empty, the id is bound to the session.
func (c *Cursors) Issue(ispb, sessionID string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Errorf("during rand.Read(): %w", err)
	}

	if sessionID == "" {
		return encoding.EncodeToString(nonce), nil
	}

	id, err := uuid.Parse(sessionID)
	if err != nil {
		return "", errors.Errorf("invalid session id '%s': %w", sessionID, err)
	}

	buf := make([]byte, 0, boundSize)
	buf = append(buf, nonce...)
	buf = append(buf, id[:]...)
	buf = append(buf, c.sign(ispb, buf)...)
	return encoding.EncodeToString(buf), nil
}

// Verify returns the session id bound to the interaction id. Returns false if the id
// carries no session or was not issued by this server for the ISPB.
func (c *Cursors) Verify(ispb, interactionID string) (string, bool) {
	buf, err := encoding.DecodeString(interactionID)
	if err != nil || len(buf) != boundSize {
		return "", false
	}

	payload := buf[:nonceSize+16]
	if !hmac.Equal(c.sign(ispb, payload), buf[nonceSize+16:]) {
		return "", false
	}

	id, err := uuid.FromBytes(payload[nonceSize:])
	if err != nil {
		return "", false
	}
	return id.String(), true
}

func (c *Cursors) sign(ispb string, payload []byte) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(ispb))
	mac.Write([]byte{0})
	mac.Write(payload)
	return mac.Sum(nil)[:tagSize]
}
