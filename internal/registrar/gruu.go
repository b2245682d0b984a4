package registrar

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// gruuIV is a fixed 16-byte IV. Retained for wire compatibility of
// temp-GRUUs minted by earlier versions of the codec — changing it
// invalidates every outstanding temp-GRUU, so it must never be "fixed"
// silently (spec §9 design notes).
var gruuIV = [aes.BlockSize]byte{
	0x53, 0x49, 0x50, 0x43, 0x4f, 0x52, 0x45, 0x47,
	0x52, 0x55, 0x55, 0x49, 0x56, 0x00, 0x00, 0x01,
}

// GRUUCodec implements the symmetric-encryption envelope for temporary
// GRUU user parts (component C6). key is the AES-128 key derived from
// the process-wide global id installed at startup — an immutable
// handle passed in, not ambient state.
type GRUUCodec struct {
	key [16]byte
}

// NewGRUUCodec derives a codec from a process-wide global id, taking
// its first 16 bytes as the AES-128 key (zero-padded if shorter).
func NewGRUUCodec(globalID []byte) *GRUUCodec {
	var key [16]byte
	copy(key[:], globalID)
	return &GRUUCodec{key: key}
}

// Term is the (AOR, instance_id, pos) tuple minted into a temp-GRUU,
// spec §4.4 step i.
type Term struct {
	AOR        AOR
	InstanceID string
	Pos        uint64
}

func (t Term) marshal() []byte {
	return []byte(strings.Join([]string{
		t.AOR.Scheme, t.AOR.User, t.AOR.Domain, t.InstanceID, strconv.FormatUint(t.Pos, 10),
	}, "\x1f"))
}

func unmarshalTerm(b []byte) (Term, error) {
	parts := strings.Split(string(b), "\x1f")
	if len(parts) != 5 {
		return Term{}, errors.New("malformed gruu term")
	}
	pos, err := strconv.ParseUint(parts[4], 10, 64)
	if err != nil {
		return Term{}, fmt.Errorf("malformed gruu position: %w", err)
	}
	return Term{
		AOR:        AOR{Scheme: parts[0], User: parts[1], Domain: parts[2]},
		InstanceID: parts[3],
		Pos:        pos,
	}, nil
}

// Encrypt produces the base64 ciphertext embedded in a temp-GRUU user part.
func (c *GRUUCodec) Encrypt(t Term) (string, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", err
	}
	plaintext := t.marshal()
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCFBEncrypter(block, gruuIV[:]).XORKeyStream(ciphertext, plaintext)
	return base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

// Decrypt inverts Encrypt. Round-trips for any Term (spec §8 invariant 5).
func (c *GRUUCodec) Decrypt(encoded string) (Term, error) {
	ciphertext, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Term{}, err
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return Term{}, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCFBDecrypter(block, gruuIV[:]).XORKeyStream(plaintext, ciphertext)
	return unmarshalTerm(plaintext)
}
