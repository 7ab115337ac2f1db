package wgconf

import (
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wiregate/wiregate/internal/model"
)

// KeyPair is a base64 private/public key pair.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

func GenerateKeyPair() (KeyPair, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate wireguard keypair: %w", err)
	}
	return KeyPair{PrivateKey: priv.String(), PublicKey: priv.PublicKey().String()}, nil
}

func GeneratePresharedKey() (string, error) {
	psk, err := wgtypes.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate wireguard psk: %w", err)
	}
	return psk.String(), nil
}

// PublicKeyOf derives the public key of a base64 private key.
func PublicKeyOf(privateKey string) (string, error) {
	k, err := wgtypes.ParseKey(privateKey)
	if err != nil {
		return "", model.Invalid("derive public key", "malformed private key")
	}
	return k.PublicKey().String(), nil
}

// ValidKey reports whether s is a 32-byte base64 key.
func ValidKey(s string) bool {
	_, err := wgtypes.ParseKey(s)
	return err == nil
}
