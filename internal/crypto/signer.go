package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// ErrBadSignature is returned when a signature is malformed or does not
// recover to the expected address.
var ErrBadSignature = errors.New("crypto: bad signature")

// Signer signs with the operator's secp256k1 key using EIP-191 personal
// messages, so any wallet or ecrecover can verify the output.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner creates a Signer from a hex private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{key: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignMessage returns the 65-byte r||s||v signature of the EIP-191 personal
// digest of msg, with v in {27, 28}.
func (s *Signer) SignMessage(msg []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(PersonalHash(msg), s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignEvent sets ev.Signature over EventDigest(ev).
func (s *Signer) SignEvent(ev *domain.Event) error {
	digest, err := EventDigest(*ev)
	if err != nil {
		return err
	}
	sig, err := s.SignMessage(digest)
	if err != nil {
		return err
	}
	ev.Signature = sig
	return nil
}

// PersonalHash is keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg).
func PersonalHash(msg []byte) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg))
	return ethcrypto.Keccak256([]byte(prefix), msg)
}

// EventDigest is the keccak256 of the event's JSON encoding with the
// signature cleared.
func EventDigest(ev domain.Event) ([]byte, error) {
	ev.Signature = nil
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: encode event %d: %w", ev.Seq, err)
	}
	return ethcrypto.Keccak256(data), nil
}

// RecoverSigner returns the address that produced sig over the personal
// digest of msg.
func RecoverSigner(msg, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	rsv := make([]byte, 65)
	copy(rsv, sig)
	if rsv[64] >= 27 {
		rsv[64] -= 27
	}
	if rsv[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrBadSignature, sig[64])
	}
	pub, err := ethcrypto.SigToPub(PersonalHash(msg), rsv)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyEvent checks that ev carries a signature by want.
func VerifyEvent(ev domain.Event, want common.Address) error {
	if len(ev.Signature) == 0 {
		return fmt.Errorf("%w: event %d is unsigned", ErrBadSignature, ev.Seq)
	}
	digest, err := EventDigest(ev)
	if err != nil {
		return err
	}
	got, err := RecoverSigner(digest, ev.Signature)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: signed by %s", ErrBadSignature, got.Hex())
	}
	return nil
}

// AdminMessage is the text an administrator signs to authorize one request.
func AdminMessage(method, path string, unixTS int64) []byte {
	return []byte(fmt.Sprintf("oraclemarket admin\n%s %s\n%d", strings.ToUpper(method), path, unixTS))
}

// DecodeSignature parses a 0x-prefixed hex signature.
func DecodeSignature(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return b, nil
}
