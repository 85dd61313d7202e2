package config

import (
	"crypto/ecdsa"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/term"
)

// PasswordPrompt asks for the password of one keystore file
type PasswordPrompt func(path string) (string, error)

// KeyLoader decrypts worker keystores. One password is asked for once and
// reused for every keystore it opens.
type KeyLoader struct {
	password string
	prompt   PasswordPrompt
	cache    map[string]*ecdsa.PrivateKey
}

// NewKeyLoader uses password when set, otherwise prompt. A nil prompt
// reads from the terminal.
func NewKeyLoader(password string, prompt PasswordPrompt) *KeyLoader {
	if prompt == nil {
		prompt = TerminalPrompt(os.Stdin, os.Stderr)
	}
	return &KeyLoader{password: password, prompt: prompt, cache: make(map[string]*ecdsa.PrivateKey)}
}

func (l *KeyLoader) Load(path string) (*ecdsa.PrivateKey, error) {
	if key, ok := l.cache[path]; ok {
		return key, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore %s: %w", path, err)
	}
	if l.password == "" {
		if l.password, err = l.prompt(path); err != nil {
			return nil, err
		}
	}
	key, err := keystore.DecryptKey(data, l.password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt keystore %s: %w", path, err)
	}
	l.cache[path] = key.PrivateKey
	return key.PrivateKey, nil
}

// TerminalPrompt reads a password without echo. It fails when in is not
// a terminal so a daemonized keeper never blocks on input.
func TerminalPrompt(in *os.File, out io.Writer) PasswordPrompt {
	return func(path string) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("keystore %s needs a password: set KEEPER_KEYSTORE_PASSWORD", path)
		}
		fmt.Fprintf(out, "Password for %s: ", path)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
}

// GenerateKeystore writes a fresh worker key to path encrypted with
// password. Light scrypt parameters are for tests only.
func GenerateKeystore(path, password string, light bool) (common.Address, error) {
	if password == "" {
		return common.Address{}, fmt.Errorf("keystore password is required")
	}
	if _, err := os.Stat(path); err == nil {
		return common.Address{}, fmt.Errorf("keystore %s already exists", path)
	}
	pk, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	key := &keystore.Key{Id: uuid.New(), Address: crypto.PubkeyToAddress(pk.PublicKey), PrivateKey: pk}
	scryptN, scryptP := keystore.StandardScryptN, keystore.StandardScryptP
	if light {
		scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
	}
	data, err := keystore.EncryptKey(key, password, scryptN, scryptP)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to encrypt keystore: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return common.Address{}, fmt.Errorf("failed to write keystore %s: %w", path, err)
	}
	return key.Address, nil
}
