// Package hpke is the report encryption layer: RFC 9180 hybrid public key
// encryption in base mode, pinned to the suite X25519-HKDF-SHA256 /
// HKDF-SHA256 / AES-128-GCM. Each aggregator holds a keyring of private
// configs; clients seal one input share to each aggregator's advertised
// config.
package hpke

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"

	circl "github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"

	"TwinTally/internal/protocol"
)

// ErrUnknownConfig reports a ciphertext addressed to a config ID the keyring
// does not hold.
var ErrUnknownConfig = errors.New("unknown hpke config id")

func pinnedSuite() circl.Suite {
	return circl.NewSuite(circl.KEM_X25519_HKDF_SHA256, circl.KDF_HKDF_SHA256, circl.AEAD_AES128GCM)
}

// CheckConfig rejects configs outside the pinned suite.
func CheckConfig(c *protocol.HpkeConfig) error {
	if c.KemID != protocol.KemX25519HkdfSha256 {
		return fmt.Errorf("unsupported kem: 0x%04x", c.KemID)
	}
	if c.KdfID != protocol.KdfHkdfSha256 {
		return fmt.Errorf("unsupported kdf: 0x%04x", c.KdfID)
	}
	if c.AeadID != protocol.AeadAes128Gcm {
		return fmt.Errorf("unsupported aead: 0x%04x", c.AeadID)
	}

	return nil
}

// Keypair is one decryption config: the public half travels in task
// configuration documents, the private half stays in the local keyring.
type Keypair struct {
	Config protocol.HpkeConfig // Config is the advertised public configuration
	priv   kem.PrivateKey
}

// GenerateKeypair creates a fresh keypair under the given config ID.
func GenerateKeypair(id uint8) (*Keypair, error) {
	scheme := circl.KEM_X25519_HKDF_SHA256.Scheme()

	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate kem keypair: %w", err)
	}

	return assemble(id, pub, priv)
}

// KeypairFromSeed derives a keypair deterministically from a seed of the
// KEM's seed size.
func KeypairFromSeed(id uint8, seed []byte) (*Keypair, error) {
	scheme := circl.KEM_X25519_HKDF_SHA256.Scheme()

	if len(seed) != scheme.SeedSize() {
		return nil, fmt.Errorf("seed length %d, want %d", len(seed), scheme.SeedSize())
	}

	pub, priv := scheme.DeriveKeyPair(seed)

	return assemble(id, pub, priv)
}

// LoadKeypair reassembles a keypair from a stored private key.
func LoadKeypair(id uint8, privBytes []byte) (*Keypair, error) {
	scheme := circl.KEM_X25519_HKDF_SHA256.Scheme()

	priv, err := scheme.UnmarshalBinaryPrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshal private key: %w", err)
	}

	return assemble(id, priv.Public(), priv)
}

func assemble(id uint8, pub kem.PublicKey, priv kem.PrivateKey) (*Keypair, error) {
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	return &Keypair{
		Config: protocol.HpkeConfig{
			ID:        id,
			KemID:     protocol.KemX25519HkdfSha256,
			KdfID:     protocol.KdfHkdfSha256,
			AeadID:    protocol.AeadAes128Gcm,
			PublicKey: pubBytes,
		},
		priv: priv,
	}, nil
}

// PrivateBytes returns the serialized private half for persistence.
func (p *Keypair) PrivateBytes() ([]byte, error) {
	return p.priv.MarshalBinary()
}

// Keyring holds the process's decryption configs, loaded at startup and
// read-only afterwards. Rotation adds a new config ID while tasks that
// reference the old one drain.
type Keyring struct {
	keys map[uint8]*Keypair
}

// NewKeyring builds a keyring. Config IDs must be distinct.
func NewKeyring(pairs ...*Keypair) (*Keyring, error) {
	k := &Keyring{keys: make(map[uint8]*Keypair, len(pairs))}

	for _, p := range pairs {
		if _, dup := k.keys[p.Config.ID]; dup {
			return nil, fmt.Errorf("duplicate config id %d", p.Config.ID)
		}
		k.keys[p.Config.ID] = p
	}

	return k, nil
}

// Configs returns the public configs ordered by config ID.
func (k *Keyring) Configs() []protocol.HpkeConfig {
	out := make([]protocol.HpkeConfig, 0, len(k.keys))
	for _, p := range k.keys {
		out = append(out, p.Config)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Holds reports whether the keyring can open ciphertexts under the config ID.
func (k *Keyring) Holds(id uint8) bool {
	_, ok := k.keys[id]

	return ok
}

// Open decrypts one report share addressed to this keyring.
func (k *Keyring) Open(ct *protocol.HpkeCiphertext, info, aad []byte) ([]byte, error) {
	pair, ok := k.keys[ct.ConfigID]
	if !ok {
		return nil, fmt.Errorf("config %d: %w", ct.ConfigID, ErrUnknownConfig)
	}

	receiver, err := pinnedSuite().NewReceiver(pair.priv, info)
	if err != nil {
		return nil, fmt.Errorf("hpke receiver: %w", err)
	}

	opener, err := receiver.Setup(ct.Enc)
	if err != nil {
		return nil, fmt.Errorf("hpke setup: %w", err)
	}

	pt, err := opener.Open(ct.Payload, aad)
	if err != nil {
		return nil, fmt.Errorf("hpke open: %w", err)
	}

	return pt, nil
}

// Seal encrypts a report share to one advertised config.
func Seal(cfg *protocol.HpkeConfig, info, aad, plaintext []byte) (*protocol.HpkeCiphertext, error) {
	if err := CheckConfig(cfg); err != nil {
		return nil, err
	}

	pub, err := circl.KEM_X25519_HKDF_SHA256.Scheme().UnmarshalBinaryPublicKey(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("unmarshal public key: %w", err)
	}

	sender, err := pinnedSuite().NewSender(pub, info)
	if err != nil {
		return nil, fmt.Errorf("hpke sender: %w", err)
	}

	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("hpke setup: %w", err)
	}

	payload, err := sealer.Seal(plaintext, aad)
	if err != nil {
		return nil, fmt.Errorf("hpke seal: %w", err)
	}

	return &protocol.HpkeCiphertext{ConfigID: cfg.ID, Enc: enc, Payload: payload}, nil
}
