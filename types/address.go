package types

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

// Alias addresses are base58check with a human-readable prefix, so a pasted
// public address and a shielded alias address can never be confused.
const (
	aliasAddrPrefix = "sp"
	aliasAddrVer    = 0x01
)

// EncodeAliasAddress encodes an alias public key into its address form.
func EncodeAliasAddress(payload []byte) string {
	return aliasAddrPrefix + base58.CheckEncode(payload, aliasAddrVer)
}

// DecodeAliasAddress decodes an alias address back into the public key
// payload, validating prefix, version and checksum.
func DecodeAliasAddress(addr string) ([]byte, error) {
	if !strings.HasPrefix(addr, aliasAddrPrefix) {
		return nil, fmt.Errorf("wrong prefix: got(%s)", addr[:min(2, len(addr))])
	}
	bz, ver, err := base58.CheckDecode(addr[len(aliasAddrPrefix):])
	if err != nil {
		return nil, err
	}
	if ver != aliasAddrVer {
		return nil, fmt.Errorf("wrong version: expected(%d), got(%d)", aliasAddrVer, ver)
	}
	return bz, nil
}
