package types

import (
	"encoding/hex"
	"encoding/json"
	"time"
)

// HexBytes is a byte slice that marshals to a hex string, matching the wire
// representation of binary fields in the catalogue and container formats.
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*h = b
	return nil
}

// EncryptionEnvelope bundles a ciphertext with everything needed to decrypt
// it. Envelopes are created on encrypt, consumed on decrypt, never mutated.
type EncryptionEnvelope struct {
	Ciphertext  HexBytes  `json:"ciphertext"`
	KeyId       string    `json:"keyId"`
	Algorithm   string    `json:"algorithm"`
	IV          HexBytes  `json:"iv"`
	Tag         HexBytes  `json:"tag"`
	EncryptedAt time.Time `json:"encryptedAt"`
}

// EncryptedRecord pairs a record identifier with its stored envelope; it is
// the unit the external record locator yields during re-encryption.
type EncryptedRecord struct {
	RecordId string
	Envelope *EncryptionEnvelope
}
