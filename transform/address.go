package transform

import (
	"crypto/sha3"
	"encoding/hex"
	"fmt"
	"strings"
)

// objectDerivedScope is the domain separator for user derived object
// addresses.
const objectDerivedScope = 0xFC

// StandardizeAddress lower-cases an account address and left-pads it to 64
// hex digits.
func StandardizeAddress(addr string) string {
	trimmed := strings.TrimPrefix(strings.ToLower(addr), "0x")
	if len(trimmed) >= 64 {
		return "0x" + trimmed
	}
	return "0x" + strings.Repeat("0", 64-len(trimmed)) + trimmed
}

func addressBytes(addr string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(StandardizeAddress(addr), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return b, nil
}

// PrimaryStoreAddress derives the primary fungible store of owner for the
// asset at metadata.
func PrimaryStoreAddress(owner, metadata string) (string, error) {
	ownerBytes, err := addressBytes(owner)
	if err != nil {
		return "", err
	}
	metadataBytes, err := addressBytes(metadata)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 0, len(ownerBytes)+len(metadataBytes)+1)
	buf = append(buf, ownerBytes...)
	buf = append(buf, metadataBytes...)
	buf = append(buf, objectDerivedScope)
	sum := sha3.Sum256(buf)
	return "0x" + hex.EncodeToString(sum[:]), nil
}

// decodeMoveName turns a hex encoded Move identifier into text.
func decodeMoveName(s string) (string, error) {
	if !strings.HasPrefix(s, "0x") {
		return s, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid move name %q: %w", s, err)
	}
	return string(b), nil
}
