package main

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"syscall"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/term"
)

// Encrypted keyfile format: salt(32) | memory(4) | iterations(4) |
// parallelism(1) | nonce(24) | ciphertext. Lets a private key live on disk
// without sitting in shell history or a process's argument list the way
// --privkey does.
const (
	saltSize   = 32
	headerSize = saltSize + 4 + 4 + 1
)

type keyfileParams struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
}

func defaultKeyfileParams() keyfileParams {
	return keyfileParams{memory: 64 * 1024, iterations: 3, parallelism: 4}
}

func deriveKeyfileKey(passphrase, salt []byte, p keyfileParams) []byte {
	return argon2.IDKey(passphrase, salt, p.iterations, p.memory, p.parallelism, chacha20poly1305.KeySize)
}

// encryptKeyfile encrypts a private key's raw bytes with passphrase using
// Argon2id key derivation and XChaCha20-Poly1305 AEAD.
func encryptKeyfile(keyBytes, passphrase []byte) ([]byte, error) {
	params := defaultKeyfileParams()

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key := deriveKeyfileKey(passphrase, salt, params)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, keyBytes, nil)

	out := make([]byte, 0, headerSize+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = binary.LittleEndian.AppendUint32(out, params.memory)
	out = binary.LittleEndian.AppendUint32(out, params.iterations)
	out = append(out, params.parallelism)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// decryptKeyfile reverses encryptKeyfile.
func decryptKeyfile(encrypted, passphrase []byte) ([]byte, error) {
	nonceSize := chacha20poly1305.NonceSizeX
	minSize := headerSize + nonceSize + chacha20poly1305.Overhead
	if len(encrypted) < minSize {
		return nil, fmt.Errorf("keyfile too short: %d bytes, need at least %d", len(encrypted), minSize)
	}

	salt := encrypted[:saltSize]
	params := keyfileParams{
		memory:      binary.LittleEndian.Uint32(encrypted[saltSize:]),
		iterations:  binary.LittleEndian.Uint32(encrypted[saltSize+4:]),
		parallelism: encrypted[saltSize+8],
	}
	nonce := encrypted[headerSize : headerSize+nonceSize]
	ciphertext := encrypted[headerSize+nonceSize:]

	key := deriveKeyfileKey(passphrase, salt, params)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: wrong passphrase or corrupt keyfile")
	}
	return plaintext, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// readPassword prompts on stderr and reads a passphrase from the controlling
// terminal without echoing it.
func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return password, nil
}

// loadKeyFromFile decrypts a keyfile written by cmdGenKey --out, prompting
// for its passphrase.
func loadKeyFromFile(path string) (*crypto.PrivateKey, error) {
	encrypted, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyfile: %w", err)
	}
	passphrase, err := readPassword("Keyfile passphrase: ")
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	defer zeroBytes(passphrase)

	keyBytes, err := decryptKeyfile(encrypted, passphrase)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(keyBytes)

	return crypto.PrivateKeyFromBytes(keyBytes)
}
