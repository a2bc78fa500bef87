package network

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// KeyFromSeed derives a deterministic Ed25519 identity from Keccak-256(seed).
func KeyFromSeed(seed string) (crypto.PrivKey, error) {
	if seed == "" {
		return nil, errors.New("empty seed")
	}
	digest := ethcrypto.Keccak256([]byte(seed))
	key, _, err := crypto.GenerateEd25519Key(bytes.NewReader(digest))
	if err != nil {
		return nil, fmt.Errorf("derive ed25519 key: %w", err)
	}
	return key, nil
}

// LoadIdentity picks the node key: seed first, then key file, then a fresh random key.
func LoadIdentity(seed, keyFile string) (crypto.PrivKey, error) {
	switch {
	case seed != "":
		return KeyFromSeed(seed)
	case keyFile != "":
		return loadOrCreateIdentityKey(keyFile)
	default:
		key, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		return key, nil
	}
}

// PeerIDFromSeed returns the peer id a node started with seed will have.
func PeerIDFromSeed(seed string) (peer.ID, error) {
	key, err := KeyFromSeed(seed)
	if err != nil {
		return "", err
	}
	return peer.IDFromPrivateKey(key)
}

// ParsePeerID extracts the peer id from the trailing /p2p/ component of addr.
func ParsePeerID(addr string) (peer.ID, error) {
	_, raw, err := splitP2PAddr(addr)
	if err != nil {
		return "", err
	}
	id, err := peer.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("decode peer id in %q: %w", addr, err)
	}
	return id, nil
}

// splitP2PAddr splits addr into its transport part and the encoded peer id
// following the last /p2p/.
func splitP2PAddr(addr string) (string, string, error) {
	i := strings.LastIndex(addr, "/p2p/")
	if i < 0 {
		return "", "", fmt.Errorf("no /p2p/ component in %q", addr)
	}
	id := addr[i+len("/p2p/"):]
	if id == "" {
		return "", "", fmt.Errorf("empty peer id in %q", addr)
	}
	return addr[:i], id, nil
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
