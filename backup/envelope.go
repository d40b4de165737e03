package backup

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrMalformedBundle indicates bytes that do not parse as a bundle envelope.
var ErrMalformedBundle = errors.New("backup: malformed bundle")

var envelopeMagic = []byte("PLKB")

// maxPayloadSize bounds decoding of hostile input.
const maxPayloadSize = 16 << 20

// header is the authenticated prefix: magic | version | salt | timestamp.
func (b *Bundle) header() []byte {
	out := make([]byte, 0, len(envelopeMagic)+2+len(b.Salt)+8)
	out = append(out, envelopeMagic...)
	out = binary.BigEndian.AppendUint16(out, b.Version)
	out = append(out, b.Salt...)
	return binary.BigEndian.AppendUint64(out, uint64(b.Timestamp))
}

// MarshalBinary encodes header | payload length | payload.
func (b *Bundle) MarshalBinary() ([]byte, error) {
	if len(b.Salt) != SaltSize {
		return nil, fmt.Errorf("%w: salt must be %d bytes", ErrMalformedBundle, SaltSize)
	}
	out := b.header()
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.EncryptedPayload)))
	return append(out, b.EncryptedPayload...), nil
}

// UnmarshalBinary decodes an envelope produced by MarshalBinary.
func (b *Bundle) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	magic := make([]byte, len(envelopeMagic))
	if _, err := r.Read(magic); err != nil || !bytes.Equal(magic, envelopeMagic) {
		return fmt.Errorf("%w: bad magic", ErrMalformedBundle)
	}

	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return fmt.Errorf("%w: read version: %v", ErrMalformedBundle, err)
	}
	salt := make([]byte, SaltSize)
	if n, _ := r.Read(salt); n != SaltSize {
		return fmt.Errorf("%w: short salt", ErrMalformedBundle)
	}
	var timestamp uint64
	if err := binary.Read(r, binary.BigEndian, &timestamp); err != nil {
		return fmt.Errorf("%w: read timestamp: %v", ErrMalformedBundle, err)
	}
	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return fmt.Errorf("%w: read payload length: %v", ErrMalformedBundle, err)
	}
	if payloadLen > maxPayloadSize || int(payloadLen) != r.Len() {
		return fmt.Errorf("%w: payload length %d does not match %d remaining bytes", ErrMalformedBundle, payloadLen, r.Len())
	}
	payload := make([]byte, payloadLen)
	if _, err := r.Read(payload); err != nil && payloadLen > 0 {
		return fmt.Errorf("%w: read payload: %v", ErrMalformedBundle, err)
	}

	*b = Bundle{
		Version:          version,
		Salt:             salt,
		EncryptedPayload: payload,
		Timestamp:        int64(timestamp),
	}
	return nil
}

// ExportBase64 renders a bundle as text for out-of-band transfer.
func ExportBase64(bundle *Bundle) (string, error) {
	raw, err := bundle.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ImportBase64 parses text produced by ExportBase64. Surrounding whitespace is ignored.
func ImportBase64(text string) (*Bundle, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	var bundle Bundle
	if err := bundle.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// WriteFile stores the base64 form of bundle at path with 0600 permissions.
func WriteFile(path string, bundle *Bundle) error {
	text, err := ExportBase64(bundle)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(text+"\n"), 0o600); err != nil {
		return fmt.Errorf("write backup file: %w", err)
	}
	return nil
}

// ReadFile loads a bundle written by WriteFile.
func ReadFile(path string) (*Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backup file: %w", err)
	}
	return ImportBase64(string(raw))
}
