package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Pre-computed keccak256 hashes of the canonical EIP-712 type strings.
var (
	domainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)
	authTypeHash = ethcrypto.Keccak256(
		[]byte("ClobAuth(address address,uint256 timestamp,uint256 nonce)"),
	)
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
	)
)

// OrderPayload carries the signed fields of a CLOB limit order. Addresses and
// uint256 values travel as strings so precision survives JSON round trips.
type OrderPayload struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          int    `json:"side"`          // 0 = BUY, 1 = SELL
	SignatureType int    `json:"signatureType"` // 0 = EOA, 1 = POLY_PROXY, 2 = POLY_GNOSIS_SAFE
}

// Signer produces the EIP-712 signatures the CLOB requires: the ClobAuth
// message during API-key derivation and the Order struct on every
// submission. Signing is deterministic (RFC 6979), so equal inputs always
// yield equal signatures.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID int
	// Domain separator for the ClobAuthDomain, fixed per chain.
	authDomainSep []byte
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key (with
// or without 0x prefix) and the target chain id — 137 for Polygon mainnet,
// 80002 for the Amoy testnet.
func NewSigner(privateKeyHex string, chainID int) (*Signer, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}

	s := &Signer{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}
	s.authDomainSep = domainSeparator("ClobAuthDomain", "1", chainID)
	return s, nil
}

// Address returns the wallet address derived from the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAuthMessage signs the ClobAuth message used to derive an API key.
// The result is a 0x-prefixed 65-byte r||s||v signature in hex.
func (s *Signer) SignAuthMessage(address string, timestamp, nonce int64) (string, error) {
	addr := common.HexToAddress(address)

	structHash := ethcrypto.Keccak256(packWords(
		authTypeHash,
		common.LeftPadBytes(addr.Bytes(), 32),
		uint256Word(big.NewInt(timestamp)),
		uint256Word(big.NewInt(nonce)),
	))
	return s.signDigest(typedDataDigest(s.authDomainSep, structHash))
}

// SignOrder signs an Order struct for submission. Both message kinds share
// the same per-chain signing domain, so the cached separator is reused.
func (s *Signer) SignOrder(order OrderPayload) (string, error) {
	structHash, err := orderStructHash(order)
	if err != nil {
		return "", err
	}
	return s.signDigest(typedDataDigest(s.authDomainSep, structHash))
}

// signDigest signs a 32-byte digest and hex-encodes the result, shifting the
// recovery byte into the {27, 28} range EIP-712 verifiers expect.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign digest: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// domainSeparator hashes the EIP712Domain struct for the given name, version,
// and chain id.
func domainSeparator(name, version string, chainID int) []byte {
	return ethcrypto.Keccak256(packWords(
		domainTypeHash,
		ethcrypto.Keccak256([]byte(name)),
		ethcrypto.Keccak256([]byte(version)),
		uint256Word(big.NewInt(int64(chainID))),
	))
}

// typedDataDigest computes keccak256("\x19\x01" || domainSep || structHash).
func typedDataDigest(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(packWords([]byte{0x19, 0x01}, domainSep, structHash))
}

// orderStructHash encodes an OrderPayload per EIP-712: the type hash followed
// by every field as a 32-byte word, in declaration order.
func orderStructHash(o OrderPayload) ([]byte, error) {
	numeric := []struct {
		field string
		value string
	}{
		{"salt", o.Salt},
		{"tokenId", o.TokenID},
		{"makerAmount", o.MakerAmount},
		{"takerAmount", o.TakerAmount},
		{"expiration", o.Expiration},
		{"nonce", o.Nonce},
		{"feeRateBps", o.FeeRateBps},
	}
	words := make(map[string][]byte, len(numeric))
	for _, n := range numeric {
		v, ok := new(big.Int).SetString(n.value, 10)
		if !ok {
			return nil, fmt.Errorf("crypto: order %s is not a base-10 integer: %q", n.field, n.value)
		}
		words[n.field] = uint256Word(v)
	}

	return ethcrypto.Keccak256(packWords(
		orderTypeHash,
		words["salt"],
		addressWord(o.Maker),
		addressWord(o.Signer),
		addressWord(o.Taker),
		words["tokenId"],
		words["makerAmount"],
		words["takerAmount"],
		words["expiration"],
		words["nonce"],
		words["feeRateBps"],
		uint256Word(big.NewInt(int64(o.Side))),
		uint256Word(big.NewInt(int64(o.SignatureType))),
	)), nil
}

// uint256Word returns n as a 32-byte big-endian word.
func uint256Word(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	word := make([]byte, 32)
	copy(word[32-len(b):], b)
	return word
}

// addressWord returns a hex address left-padded to a 32-byte word.
func addressWord(hexAddr string) []byte {
	return common.LeftPadBytes(common.HexToAddress(hexAddr).Bytes(), 32)
}

func packWords(words ...[]byte) []byte {
	total := 0
	for _, w := range words {
		total += len(w)
	}
	buf := make([]byte, 0, total)
	for _, w := range words {
		buf = append(buf, w...)
	}
	return buf
}
