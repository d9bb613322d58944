package nostrd

import (
	"fmt"
	"sync"

	"github.com/nostrband/walletd/nwc"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

// PrivateKeySigner signs and encrypts with an in-process nostr private key.
// Conversation keys are derived once per peer and cached.
type PrivateKeySigner struct {
	sk     string
	pubkey string

	mtx     sync.Mutex
	secrets map[string][]byte
}

// A compile time check to ensure PrivateKeySigner backs the protocol server.
var _ nwc.Signer = (*PrivateKeySigner)(nil)

// NewPrivateKeySigner creates a signer from a hex encoded private key.
func NewPrivateKeySigner(privKey string) (*PrivateKeySigner, error) {
	pubkey, err := nostr.GetPublicKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &PrivateKeySigner{
		sk:      privKey,
		pubkey:  pubkey,
		secrets: make(map[string][]byte),
	}, nil
}

// Pubkey returns the service pubkey.
func (s *PrivateKeySigner) Pubkey() string {
	return s.pubkey
}

// Sign fills in the event's pubkey, id and signature.
func (s *PrivateKeySigner) Sign(ev *nostr.Event) error {
	return ev.Sign(s.sk)
}

// Encrypt encrypts plaintext for the given peer.
func (s *PrivateKeySigner) Encrypt(peerPubkey, plaintext string) (string,
	error) {

	secret, err := s.sharedSecret(peerPubkey)
	if err != nil {
		return "", err
	}

	return nip04.Encrypt(plaintext, secret)
}

// Decrypt decrypts ciphertext from the given peer.
func (s *PrivateKeySigner) Decrypt(peerPubkey, ciphertext string) (string,
	error) {

	secret, err := s.sharedSecret(peerPubkey)
	if err != nil {
		return "", err
	}

	return nip04.Decrypt(ciphertext, secret)
}

func (s *PrivateKeySigner) sharedSecret(peerPubkey string) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if secret, ok := s.secrets[peerPubkey]; ok {
		return secret, nil
	}

	secret, err := nip04.ComputeSharedSecret(peerPubkey, s.sk)
	if err != nil {
		return nil, fmt.Errorf("unable to derive shared secret "+
			"with %s: %w", peerPubkey, err)
	}

	s.secrets[peerPubkey] = secret

	return secret, nil
}
