package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrBadCredentials = errors.New("invalid operator credentials")

// Credentials checks operator secrets against bcrypt hashes.
type Credentials struct {
	hashes map[string][]byte
	decoy  []byte
}

func NewCredentials(hashes map[string]string) *Credentials {
	c := &Credentials{hashes: make(map[string][]byte, len(hashes))}
	for id, h := range hashes {
		id, h = strings.TrimSpace(id), strings.TrimSpace(h)
		if id == "" || h == "" {
			continue
		}
		c.hashes[id] = []byte(h)
	}
	// Unknown ids still pay for one comparison.
	c.decoy, _ = bcrypt.GenerateFromPassword([]byte("paydesk-decoy"), bcrypt.MinCost)
	return c
}

func (c *Credentials) Verify(operatorID, secret string) error {
	hash, ok := c.hashes[operatorID]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(c.decoy, []byte(secret))
		return ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(secret)) != nil {
		return ErrBadCredentials
	}
	return nil
}

func (c *Credentials) Len() int { return len(c.hashes) }

func HashSecret(secret string, cost int) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("secret is empty")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
