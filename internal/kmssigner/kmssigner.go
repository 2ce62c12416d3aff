// Package kmssigner provides the two facilitator-key backends: a raw
// hex-encoded local key (the common case, exercised directly in tests) and
// an AWS KMS-backed asymmetric signer for deployments that keep the
// facilitator's key material outside the process entirely. Both satisfy
// the same Signer contract the settlement orchestrator and the splitter
// client depend on.
package kmssigner

import (
	"context"
	"crypto/ecdsa"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// secp256k1N is the order of the secp256k1 curve, needed to normalize KMS's
// DER-encoded signatures into Ethereum's canonical low-S form.
var secp256k1N, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)
var secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)

// Local signs with an in-process ECDSA key, loaded once from a 32-byte hex
// string (the "facilitator private key" environment knob). This is the
// default backend: simplest to operate, and the only one that works
// without network access to a KMS endpoint.
type Local struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocal parses a 0x-prefixed 32-byte hex private key.
func NewLocal(hexKey string) (*Local, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("kmssigner: invalid facilitator private key: %w", err)
	}
	return &Local{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the facilitator's on-chain address, lowercased hex.
func (l *Local) Address() string {
	return strings.ToLower(l.address.Hex())
}

// SignTx signs an unsigned transaction with the London (EIP-1559) signer.
func (l *Local) SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	signed, err := ethtypes.SignTx(tx, ethtypes.NewLondonSigner(chainID), l.key)
	if err != nil {
		return nil, fmt.Errorf("kmssigner: sign transaction: %w", err)
	}
	return signed, nil
}

// KMS signs against an AWS KMS asymmetric key of spec ECC_SECG_P256K1
// (the only curve AWS KMS offers that matches Ethereum's secp256k1). The
// public key and derived address are fetched once at construction and
// cached; KMS signatures are DER-encoded and carry no recovery id, so
// SignTx brute-forces the two candidate recovery ids against the cached
// public key.
type KMS struct {
	client  *kms.Client
	keyID   string
	pubKey  *ecdsa.PublicKey
	address common.Address
}

// NewKMS fetches the public key for keyID and derives the signer's address.
func NewKMS(ctx context.Context, client *kms.Client, keyID string) (*KMS, error) {
	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, fmt.Errorf("kmssigner: fetch public key for %s: %w", keyID, err)
	}
	pubKey, err := unmarshalDERPublicKey(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("kmssigner: decode public key for %s: %w", keyID, err)
	}
	return &KMS{
		client:  client,
		keyID:   keyID,
		pubKey:  pubKey,
		address: crypto.PubkeyToAddress(*pubKey),
	}, nil
}

// Address returns the facilitator's on-chain address, lowercased hex.
func (k *KMS) Address() string {
	return strings.ToLower(k.address.Hex())
}

// SignTx signs tx's hash via the KMS Sign API (MESSAGE_TYPE_DIGEST, ECDSA_SHA_256).
func (k *KMS) SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	signer := ethtypes.NewLondonSigner(chainID)
	hash := signer.Hash(tx)

	out, err := k.client.Sign(context.Background(), &kms.SignInput{
		KeyId:            aws.String(k.keyID),
		Message:          hash[:],
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("kmssigner: kms sign: %w", err)
	}

	r, s, err := decodeDERSignature(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("kmssigner: decode signature: %w", err)
	}
	if s.Cmp(secp256k1HalfN) > 0 {
		s = new(big.Int).Sub(secp256k1N, s)
	}

	sig, err := recoverableSignature(hash[:], r, s, k.pubKey)
	if err != nil {
		return nil, err
	}

	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return nil, fmt.Errorf("kmssigner: attach signature: %w", err)
	}
	return signed, nil
}

// recoverableSignature reassembles a 65-byte r||s||v signature by testing
// both recovery ids against the known public key (KMS's SIGN_VERIFY
// signatures carry no recovery id).
func recoverableSignature(hash []byte, r, s *big.Int, want *ecdsa.PublicKey) ([]byte, error) {
	rBytes, sBytes := make([]byte, 32), make([]byte, 32)
	r.FillBytes(rBytes)
	s.FillBytes(sBytes)

	for recID := byte(0); recID < 2; recID++ {
		sig := append(append(append([]byte{}, rBytes...), sBytes...), recID)
		pub, err := crypto.SigToPub(hash, sig)
		if err != nil {
			continue
		}
		if pub.X.Cmp(want.X) == 0 && pub.Y.Cmp(want.Y) == 0 {
			return sig, nil
		}
	}
	return nil, fmt.Errorf("kmssigner: could not recover matching public key from signature")
}

type ecdsaSignature struct {
	R, S *big.Int
}

func decodeDERSignature(der []byte) (r, s *big.Int, err error) {
	var sig ecdsaSignature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, nil, err
	}
	return sig.R, sig.S, nil
}

// spkiPublicKey mirrors the minimal ASN.1 SubjectPublicKeyInfo shape KMS
// returns for an ECC_SECG_P256K1 key: an algorithm identifier followed by
// the raw uncompressed EC point as a bit string.
type spkiPublicKey struct {
	Algorithm struct {
		Algorithm  asn1.ObjectIdentifier
		Parameters asn1.ObjectIdentifier
	}
	PublicKey asn1.BitString
}

func unmarshalDERPublicKey(der []byte) (*ecdsa.PublicKey, error) {
	var spki spkiPublicKey
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, err
	}
	pub, err := crypto.UnmarshalPubkey(spki.PublicKey.Bytes)
	if err != nil {
		return nil, err
	}
	return pub, nil
}
