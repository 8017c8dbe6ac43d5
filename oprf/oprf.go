// Package oprf implements the Oblivious Pseudorandom Function (OPRF)
// protocol at the heart of CLOAKmatch, using ristretto255 and SHA-512.
//
// An OPRF is a two-party protocol between a client and server for
// computing a pseudorandom function (PRF) where the server holds the
// secret key and the client holds the input. The protocol ensures that:
//   - The server learns nothing about the client's IOC
//   - The client learns only the PRF output, not the server's key
//
// # Protocol Flow
//
// The lookup protocol involves four steps:
//
//  1. Client blinds the IOC using Blind():
//     Takes the IOC and generates a random blinding factor r,
//     computes B = HashToGroup(ioc)^r
//
//  2. Server evaluates using Evaluate():
//     Computes E = B^k where k is the server's private key
//
//  3. Client unblinds using Unblind():
//     Computes Q = E^(1/r) to remove the blinding factor
//
//  4. Client finalizes using Finalize():
//     Computes PRF = SHA512(ioc || Q)
//
// The PRF is the opaque identity under which an IOC appears in the
// dataset change log; only a party that ran the OPRF for that exact
// IOC can map the IOC to its PRF.
//
// # Key Derivation
//
// DeriveKey() turns the pair (PRF, Q) into the 32-byte AEAD key
// protecting the entry's metadata. Binding both the PRF and Q into the
// key material means the PRF alone (which is public in the change
// log) is not enough to decrypt: the client must hold Q, which only
// an OPRF execution for the correct IOC yields.
//
// # Cryptographic Details
//
//   - Group: ristretto255 (RFC 9496)
//   - Hash: SHA-512
//   - Hash-to-group: expand_message_xmd with SHA-512 (RFC 9380)
//   - Key derivation: HKDF-SHA512
//
// All scalar operations are constant-time to prevent timing attacks.
//
// # Security Considerations
//
//   - The blinding factor r must be freshly random for each evaluation
//   - The server's private key must be kept secret
//   - Side-channel protections rely on the underlying ristretto255
//     implementation
package oprf

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gtank/ristretto255"
	"golang.org/x/crypto/hkdf"
)

// Sizes of the protocol's fixed-width values.
const (
	// PRFBytes is the output size of the OPRF (64 bytes for SHA-512)
	PRFBytes = 64

	// ScalarBytes is the size of a ristretto255 scalar (32 bytes)
	ScalarBytes = 32

	// ElementBytes is the size of a ristretto255 element (32 bytes)
	ElementBytes = 32

	// KeyBytes is the size of a derived metadata key
	KeyBytes = 32

	// hashBytes is the expansion size used for hash-to-group (64 bytes)
	hashBytes = 64
)

// HashToGroupDST is the domain separation tag for hash-to-group
// operations. Every CLOAKmatch deployment uses the same tag; PRF
// values are only comparable across parties that agree on it.
const HashToGroupDST = "HashToGroup-CLOAKMATCH-ristretto255-SHA512"

// keyInfoPrefix is prepended to the dataset name in the HKDF info
// parameter, separating metadata keys from any future derived material.
const keyInfoPrefix = "meta|"

// ErrInvalidEncoding is returned when a wire value fails to decode as
// a canonical scalar or group element.
var ErrInvalidEncoding = errors.New("oprf: invalid encoding")

// SHA-512 parameters for expand_message_xmd
const (
	sha512OutputBytes = 64  // b_in_bytes: output size of SHA-512
	sha512BlockSize   = 128 // r_in_bytes: input block size of SHA-512
)

// expandMessageXMD implements expand_message_xmd from RFC 9380
// Section 5.3.1 using SHA-512 as the hash function.
func expandMessageXMD(msg, dst []byte, lenInBytes int) ([]byte, error) {
	// ell = ceil(len_in_bytes / b_in_bytes)
	ell := (lenInBytes + sha512OutputBytes - 1) / sha512OutputBytes
	if ell > 255 {
		return nil, errors.New("lenInBytes too large for expand_message_xmd")
	}

	// DST_prime = DST || I2OSP(len(DST), 1)
	dstPrime := make([]byte, len(dst)+1)
	copy(dstPrime, dst)
	dstPrime[len(dst)] = byte(len(dst))

	// Z_pad = I2OSP(0, r_in_bytes)
	zPad := make([]byte, sha512BlockSize)

	// l_i_b_str = I2OSP(len_in_bytes, 2)
	libStr := make([]byte, 2)
	binary.BigEndian.PutUint16(libStr, uint16(lenInBytes))

	// b_0 = H(Z_pad || msg || l_i_b_str || I2OSP(0, 1) || DST_prime)
	h := sha512.New()
	h.Write(zPad)
	h.Write(msg)
	h.Write(libStr)
	h.Write([]byte{0})
	h.Write(dstPrime)
	b0 := h.Sum(nil)

	// b_1 = H(b_0 || I2OSP(1, 1) || DST_prime)
	h.Reset()
	h.Write(b0)
	h.Write([]byte{1})
	h.Write(dstPrime)
	b1 := h.Sum(nil)

	uniformBytes := make([]byte, 0, ell*sha512OutputBytes)
	uniformBytes = append(uniformBytes, b1...)

	bPrev := b1
	for i := 2; i <= ell; i++ {
		// b_i = H(strxor(b_0, b_(i-1)) || I2OSP(i, 1) || DST_prime)
		h.Reset()
		xorResult := make([]byte, sha512OutputBytes)
		for j := 0; j < sha512OutputBytes; j++ {
			xorResult[j] = b0[j] ^ bPrev[j]
		}
		h.Write(xorResult)
		h.Write([]byte{byte(i)})
		h.Write(dstPrime)
		bi := h.Sum(nil)

		uniformBytes = append(uniformBytes, bi...)
		bPrev = bi
	}

	return uniformBytes[:lenInBytes], nil
}

// hashToGroup hashes an arbitrary IOC to a ristretto255 element
// following RFC 9380, under the CLOAKmatch domain separation tag.
func hashToGroup(ioc []byte) (*ristretto255.Element, error) {
	uniformBytes, err := expandMessageXMD(ioc, []byte(HashToGroupDST), hashBytes)
	if err != nil {
		return nil, fmt.Errorf("expand_message_xmd failed: %w", err)
	}

	element := ristretto255.NewElement()
	element.FromUniformBytes(uniformBytes)

	return element, nil
}

// Blind performs the client-side blinding operation.
//
// Parameters:
//   - ioc: the indicator of compromise to be looked up
//   - blind: optional fixed blind value (for testing). If nil, a
//     random blind is generated.
//
// Returns the blinding scalar r (32 bytes, kept secret by the client)
// and the blinded element B (32 bytes, sent to the server).
//
// The blind operation computes:
//  1. P = HashToGroup(ioc)
//  2. B = P * r
func Blind(ioc []byte, blind []byte) (r, blinded []byte, err error) {
	p, err := hashToGroup(ioc)
	if err != nil {
		return nil, nil, fmt.Errorf("hashToGroup failed: %w", err)
	}

	var rScalar *ristretto255.Scalar
	if blind != nil {
		// Use provided blind (for testing)
		if len(blind) != ScalarBytes {
			return nil, nil, fmt.Errorf("blind must be %d bytes, got %d: %w", ScalarBytes, len(blind), ErrInvalidEncoding)
		}
		rScalar = ristretto255.NewScalar()
		if err := rScalar.Decode(blind); err != nil {
			return nil, nil, fmt.Errorf("invalid blind scalar: %w", ErrInvalidEncoding)
		}
		r = make([]byte, ScalarBytes)
		copy(r, blind)
	} else {
		rScalar, err = randomScalar()
		if err != nil {
			return nil, nil, err
		}
		r = rScalar.Encode(nil)
	}

	blindedElement := ristretto255.NewElement()
	blindedElement.ScalarMult(rScalar, p)
	blinded = blindedElement.Encode(nil)

	return r, blinded, nil
}

// Evaluate performs the server-side evaluation: E = B^k.
//
// The server never sees the IOC; it only raises the blinded element to
// its private key. Returns an error wrapping ErrInvalidEncoding if k
// or the blinded element is not canonical.
func Evaluate(k []byte, blinded []byte) (evaluated []byte, err error) {
	if len(k) != ScalarBytes {
		return nil, fmt.Errorf("private key must be %d bytes, got %d: %w", ScalarBytes, len(k), ErrInvalidEncoding)
	}
	if len(blinded) != ElementBytes {
		return nil, fmt.Errorf("blinded element must be %d bytes, got %d: %w", ElementBytes, len(blinded), ErrInvalidEncoding)
	}

	kScalar := ristretto255.NewScalar()
	if err := kScalar.Decode(k); err != nil {
		return nil, fmt.Errorf("invalid private key: %w", ErrInvalidEncoding)
	}

	blindedElement := ristretto255.NewElement()
	if err := blindedElement.Decode(blinded); err != nil {
		return nil, fmt.Errorf("invalid blinded element: %w", ErrInvalidEncoding)
	}

	evaluatedElement := ristretto255.NewElement()
	evaluatedElement.ScalarMult(kScalar, blindedElement)

	return evaluatedElement.Encode(nil), nil
}

// Unblind performs the client-side unblinding operation.
//
// The unblind operation computes:
//  1. r_inv = 1/r (constant-time scalar inversion)
//  2. Q = E^r_inv
//
// Q equals k·HashToGroup(ioc): the element the server would have
// produced had it seen the IOC directly.
func Unblind(r []byte, evaluated []byte) (q []byte, err error) {
	if len(r) != ScalarBytes {
		return nil, fmt.Errorf("blind scalar must be %d bytes, got %d: %w", ScalarBytes, len(r), ErrInvalidEncoding)
	}
	if len(evaluated) != ElementBytes {
		return nil, fmt.Errorf("evaluated element must be %d bytes, got %d: %w", ElementBytes, len(evaluated), ErrInvalidEncoding)
	}

	rScalar := ristretto255.NewScalar()
	if err := rScalar.Decode(r); err != nil {
		return nil, fmt.Errorf("invalid blind scalar: %w", ErrInvalidEncoding)
	}

	// Decoding validates the server's response is a group element.
	evaluatedElement := ristretto255.NewElement()
	if err := evaluatedElement.Decode(evaluated); err != nil {
		return nil, fmt.Errorf("invalid evaluated element: %w", ErrInvalidEncoding)
	}

	rInv := ristretto255.NewScalar()
	rInv.Invert(rScalar)

	qElement := ristretto255.NewElement()
	qElement.ScalarMult(rInv, evaluatedElement)

	return qElement.Encode(nil), nil
}

// Finalize computes the PRF value an IOC appears under in the change
// log:
//
//	PRF = SHA512(ioc || Q)
//
// where Q is the 32-byte unblinded element from Unblind. The output is
// 64 bytes.
func Finalize(ioc []byte, q []byte) ([]byte, error) {
	if len(q) != ElementBytes {
		return nil, fmt.Errorf("q must be %d bytes, got %d: %w", ElementBytes, len(q), ErrInvalidEncoding)
	}

	h := sha512.New()
	h.Write(ioc)
	h.Write(q)

	return h.Sum(nil), nil
}

// DeriveKey derives the 32-byte AEAD key protecting an entry's
// metadata:
//
//	K = HKDF-SHA512(ikm = PRF || Q, salt = nil, info = "meta|" || dataset)
//
// Both the PRF and Q feed the key material, so the PRF published in
// the change log is insufficient to decrypt on its own.
func DeriveKey(prf, q []byte, dataset string) ([]byte, error) {
	if len(prf) != PRFBytes {
		return nil, fmt.Errorf("prf must be %d bytes, got %d: %w", PRFBytes, len(prf), ErrInvalidEncoding)
	}
	if len(q) != ElementBytes {
		return nil, fmt.Errorf("q must be %d bytes, got %d: %w", ElementBytes, len(q), ErrInvalidEncoding)
	}

	ikm := make([]byte, 0, PRFBytes+ElementBytes)
	ikm = append(ikm, prf...)
	ikm = append(ikm, q...)
	info := append([]byte(keyInfoPrefix), dataset...)

	key := make([]byte, KeyBytes)
	kdf := hkdf.New(sha512.New, ikm, nil, info)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("hkdf expand failed: %w", err)
	}

	return key, nil
}

// Eval computes the server-side PRF pipeline directly from an IOC:
// Q = k·HashToGroup(ioc), PRF = Finalize(ioc, Q). The dataset engine
// runs this during index builds, where the server holds the raw IOCs
// itself and no blinding is involved.
func Eval(k []byte, ioc []byte) (prf, q []byte, err error) {
	if len(k) != ScalarBytes {
		return nil, nil, fmt.Errorf("private key must be %d bytes, got %d: %w", ScalarBytes, len(k), ErrInvalidEncoding)
	}

	kScalar := ristretto255.NewScalar()
	if err := kScalar.Decode(k); err != nil {
		return nil, nil, fmt.Errorf("invalid private key: %w", ErrInvalidEncoding)
	}

	p, err := hashToGroup(ioc)
	if err != nil {
		return nil, nil, err
	}

	qElement := ristretto255.NewElement()
	qElement.ScalarMult(kScalar, p)
	q = qElement.Encode(nil)

	prf, err = Finalize(ioc, q)
	if err != nil {
		return nil, nil, err
	}

	return prf, q, nil
}

// KeyGen generates a random OPRF private key: a uniform scalar in the
// ristretto255 scalar field, encoded as 32 bytes.
func KeyGen() ([]byte, error) {
	scalar, err := randomScalar()
	if err != nil {
		return nil, err
	}
	return scalar.Encode(nil), nil
}

// randomScalar samples a uniform scalar from 64 bytes of
// cryptographically secure randomness.
func randomScalar() (*ristretto255.Scalar, error) {
	randomBytes := make([]byte, 64)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}

	scalar := ristretto255.NewScalar()
	scalar.FromUniformBytes(randomBytes)

	return scalar, nil
}
