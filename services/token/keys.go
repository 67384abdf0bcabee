package token

import (
	"errors"
	"fmt"
)

// Key is a named HMAC signing secret
type Key struct {
	ID     string
	Secret []byte
}

// Keyring holds the signing key and, during a rotation window, the key it
// replaced. New tokens are always signed with Current; verification accepts
// either. A Keyring is never mutated after construction.
type Keyring struct {
	current  Key
	previous *Key
}

// NewKeyring builds a keyring. previous may be nil.
func NewKeyring(current Key, previous *Key) (*Keyring, error) {
	if current.ID == "" || len(current.Secret) == 0 {
		return nil, errors.New("current signing key requires an id and a secret")
	}
	kr := &Keyring{current: copyKey(current)}
	if previous != nil {
		if previous.ID == "" || len(previous.Secret) == 0 {
			return nil, errors.New("previous signing key requires an id and a secret")
		}
		if previous.ID == current.ID {
			return nil, fmt.Errorf("previous key id %q collides with current key id", previous.ID)
		}
		p := copyKey(*previous)
		kr.previous = &p
	}
	return kr, nil
}

// CurrentID returns the id of the signing key
func (k *Keyring) CurrentID() string {
	return k.current.ID
}

// secretFor returns the secret for a key id
func (k *Keyring) secretFor(kid string) ([]byte, bool) {
	switch {
	case kid == k.current.ID:
		return k.current.Secret, true
	case k.previous != nil && kid == k.previous.ID:
		return k.previous.Secret, true
	}
	return nil, false
}

func copyKey(k Key) Key {
	return Key{ID: k.ID, Secret: append([]byte(nil), k.Secret...)}
}
