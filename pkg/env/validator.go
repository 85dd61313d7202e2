package env

import (
	"net/url"
	"regexp"
)

var (
	ethAddressPattern = regexp.MustCompile("^0x[0-9a-fA-F]{40}$")
	privateKeyPattern = regexp.MustCompile("^(0x)?[0-9a-fA-F]{64}$")
)

func IsEmpty(value string) bool {
	return value == ""
}

// Ethereum Address
func IsValidEthAddress(address string) bool {
	return ethAddressPattern.MatchString(address)
}

// ECDSA Private Key, with or without 0x
func IsValidPrivateKey(privateKey string) bool {
	return privateKeyPattern.MatchString(privateKey)
}

// IsValidURL accepts http(s) endpoints
func IsValidURL(raw string) bool {
	return hasScheme(raw, "http", "https")
}

// IsValidWSURL accepts ws(s) endpoints
func IsValidWSURL(raw string) bool {
	return hasScheme(raw, "ws", "wss")
}

func hasScheme(raw string, schemes ...string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}
