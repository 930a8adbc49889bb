package cryptoadapter

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// The SAS key agreement is a plain ephemeral X25519 exchange followed by
// HKDF-SHA256 derivations (curve25519-hkdf-sha256); it is implemented
// directly on x/crypto here, the way mautrix's verification helper does,
// since the wrapped Olm library does not expose a SAS object.
type curve25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

func generateCurve25519KeyPair() (curve25519KeyPair, error) {
	var kp curve25519KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, fmt.Errorf("generate curve25519 key: %w", err)
	}
	// Clamp per RFC 7748 so every random scalar is a valid X25519 private key.
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("derive curve25519 pubkey: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

func dh(priv, pub [32]byte) ([32]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("x25519: %w", err)
	}
	var out [32]byte
	copy(out[:], shared)
	return out, nil
}

func decodeCurve25519(b64 string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.RawStdEncoding.DecodeString(b64)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(b64)
	}
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("decode curve25519 key: invalid encoding")
	}
	copy(out[:], raw)
	return out, nil
}

// Emoji is one entry of the 64-entry SAS emoji table.
type Emoji struct {
	Value string
	Name  string
}

// emojiTable is the verbatim 64-entry Matrix SAS emoji table,
// variation-selector glyphs included.
var emojiTable = [64]Emoji{
	{"🐶", "Dog"}, {"🐱", "Cat"}, {"🦁", "Lion"}, {"🐎", "Horse"},
	{"🦄", "Unicorn"}, {"🐷", "Pig"}, {"🐘", "Elephant"}, {"🐰", "Rabbit"},
	{"🐼", "Panda"}, {"🐓", "Rooster"}, {"🐧", "Penguin"}, {"🐢", "Turtle"},
	{"🐟", "Fish"}, {"🐙", "Octopus"}, {"🦋", "Butterfly"}, {"🌷", "Flower"},
	{"🌳", "Tree"}, {"🌵", "Cactus"}, {"🍄", "Mushroom"}, {"🌏", "Globe"},
	{"🌙", "Moon"}, {"☁️", "Cloud"}, {"🔥", "Fire"}, {"🍌", "Banana"},
	{"🍎", "Apple"}, {"🍓", "Strawberry"}, {"🌽", "Corn"}, {"🍕", "Pizza"},
	{"🎂", "Cake"}, {"❤️", "Heart"}, {"😀", "Smiley"}, {"🤖", "Robot"},
	{"🎩", "Hat"}, {"👓", "Glasses"}, {"🔧", "Spanner"}, {"🎅", "Santa"},
	{"👍", "Thumbs up"}, {"☂️", "Umbrella"}, {"⌛", "Hourglass"}, {"⏰", "Clock"},
	{"🎁", "Gift"}, {"💡", "Light bulb"}, {"📕", "Book"}, {"✏️", "Pencil"},
	{"📎", "Paperclip"}, {"✂️", "Scissors"}, {"🔒", "Lock"}, {"🔑", "Key"},
	{"🔨", "Hammer"}, {"☎️", "Telephone"}, {"🏁", "Flag"}, {"🚂", "Train"},
	{"🚲", "Bicycle"}, {"✈️", "Airplane"}, {"🚀", "Rocket"}, {"🏆", "Trophy"},
	{"⚽", "Ball"}, {"🎸", "Guitar"}, {"🎺", "Trumpet"}, {"🔔", "Bell"},
	{"⚓", "Anchor"}, {"🎧", "Headphones"}, {"📁", "Folder"}, {"📌", "Pin"},
}

// SasIDs names the four identities a SAS flow's info strings are built
// from.
type SasIDs struct {
	AccountUserID     string
	AccountDeviceID   string
	OtherUserID       string
	OtherDeviceID     string
}

// SAS holds one device verification flow's ephemeral Curve25519 keypair and,
// once the peer's public key is known, the shared secret everything else
// (commitment, emoji, decimal, MACs) is derived from.
type SAS struct {
	keyPair      curve25519KeyPair
	theirPubKey  [32]byte
	haveTheirKey bool
	shared       [32]byte
}

// NewSAS generates a fresh ephemeral keypair for one verification flow.
func NewSAS() (*SAS, error) {
	kp, err := generateCurve25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("new sas: %w", err)
	}
	return &SAS{keyPair: kp}, nil
}

// PublicKeyBase64 returns our ephemeral public key to send to the peer.
func (s *SAS) PublicKeyBase64() string {
	return base64.RawStdEncoding.EncodeToString(s.keyPair.Public[:])
}

// SetTheirPublicKey records the peer's ephemeral public key and derives the
// shared secret. Must be called before GenerateBytes/CalculateMAC.
func (s *SAS) SetTheirPublicKey(pubKeyB64 string) error {
	pub, err := decodeCurve25519(pubKeyB64)
	if err != nil {
		return fmt.Errorf("sas: their public key: %w", err)
	}
	shared, err := dh(s.keyPair.Private, pub)
	if err != nil {
		return fmt.Errorf("sas: %w", err)
	}
	s.theirPubKey = pub
	s.shared = shared
	s.haveTheirKey = true
	return nil
}

// Commitment returns base64(SHA256(pubkey || canonical_json(startContent))).
// The accepting party computes it over its own public key and sends it in
// `m.key.verification.accept` before either key is revealed; the starting
// party recomputes it once the accepting party's key arrives.
func Commitment(pubKeyB64 string, startContent any) (string, error) {
	canon, err := Canonical(startContent)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(pubKeyB64))
	h.Write(canon)
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil)), nil
}

// GenerateBytes derives length pseudorandom bytes from the shared secret
// under the given info string, the single primitive every SAS output
// (emoji, decimal, MACs) is built from.
func (s *SAS) GenerateBytes(info string, length int) ([]byte, error) {
	if !s.haveTheirKey {
		return nil, fmt.Errorf("sas: shared secret not established")
	}
	r := hkdf.New(sha256.New, s.shared[:], nil, []byte(info))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("sas: generate bytes: %w", err)
	}
	return out, nil
}

// EmojiIndices returns the 7 emoji-table indices for the given info string.
func (s *SAS) EmojiIndices(info string) ([7]int, error) {
	var out [7]int
	b, err := s.GenerateBytes(info, 6)
	if err != nil {
		return out, err
	}
	return bytesToEmojiIndices([6]byte(b)), nil
}

// Emoji returns the 7 emoji (with names) for the given info string.
func (s *SAS) Emoji(info string) ([7]Emoji, error) {
	var out [7]Emoji
	indices, err := s.EmojiIndices(info)
	if err != nil {
		return out, err
	}
	for i, idx := range indices {
		out[i] = emojiTable[idx]
	}
	return out, nil
}

// Decimal returns the 3 decimal numbers (each in [1000, 9191]) for the given
// info string.
func (s *SAS) Decimal(info string) ([3]int, error) {
	var out [3]int
	b, err := s.GenerateBytes(info, 5)
	if err != nil {
		return out, err
	}
	return bytesToDecimal([5]byte(b)), nil
}

// CalculateMAC computes base64(HMAC-SHA256(GenerateBytes(info, 32), input)).
func (s *SAS) CalculateMAC(input []byte, info string) (string, error) {
	key, err := s.GenerateBytes(info, 32)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(input)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func bytesToEmojiIndices(b [6]byte) [7]int {
	num := uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
	var out [7]int
	shifts := [7]uint{42, 36, 30, 24, 18, 12, 6}
	for i, sh := range shifts {
		out[i] = int((num >> sh) & 0x3F)
	}
	return out
}

func bytesToDecimal(b [5]byte) [3]int {
	first := (uint32(b[0]) << 5) | (uint32(b[1]) >> 3)
	second := (uint32(b[1]&0x7) << 10) | (uint32(b[2]) << 2) | (uint32(b[3]) >> 6)
	third := (uint32(b[3]&0x3F) << 7) | (uint32(b[4]) >> 1)
	return [3]int{int(first) + 1000, int(second) + 1000, int(third) + 1000}
}

// ExtraInfoSAS builds the `generate_bytes` info string for emoji/decimal
// derivation: every field pipe-delimited, each side contributing
// user id, device id and ephemeral public key, the starting party first.
// Both sides therefore derive the same string regardless of local role.
func ExtraInfoSAS(ids SasIDs, ourPubKey, theirPubKey, flowID string, weStarted bool) string {
	ourInfo := fmt.Sprintf("%s|%s|%s", ids.AccountUserID, ids.AccountDeviceID, ourPubKey)
	theirInfo := fmt.Sprintf("%s|%s|%s", ids.OtherUserID, ids.OtherDeviceID, theirPubKey)
	first, second := ourInfo, theirInfo
	if !weStarted {
		first, second = second, first
	}
	return fmt.Sprintf("MATRIX_KEY_VERIFICATION_SAS|%s|%s|%s", first, second, flowID)
}

// ExtraMacInfoSend builds the MAC info string used when we are the one
// generating a MAC to send — (account, other_device) order.
func ExtraMacInfoSend(ids SasIDs, flowID string) string {
	return fmt.Sprintf("MATRIX_KEY_VERIFICATION_MAC%s%s%s%s%s",
		ids.AccountUserID, ids.AccountDeviceID, ids.OtherUserID, ids.OtherDeviceID, flowID)
}

// ExtraMacInfoReceive builds the MAC info string used when verifying a MAC
// we received — (other_device, account) order, the mirror of
// ExtraMacInfoSend on the peer's side.
func ExtraMacInfoReceive(ids SasIDs, flowID string) string {
	return fmt.Sprintf("MATRIX_KEY_VERIFICATION_MAC%s%s%s%s%s",
		ids.OtherUserID, ids.OtherDeviceID, ids.AccountUserID, ids.AccountDeviceID, flowID)
}
