package oprf

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/gtank/ristretto255"
)

const (
	// Server private key used for deterministic test cases
	testPrivateKey = "5ebcea5ee37023ccb9fc2d2019f9d7737be85591ae8652ffa9ef0f4d37063b0e"

	// Fixed blind used where determinism matters
	testBlind = "64d37aed22a27f5191de1c1d69fadb899d8862b58eb4220029e036ec4c1f6706"
)

// Helper function to decode hex strings
func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("invalid hex in test: " + err.Error())
	}
	return b
}

var testIOCs = [][]byte{
	[]byte("evil.com"),
	[]byte("1.2.3.4"),
	[]byte("https://evil.example/path?a=1,b=2"),
	{0x00},
	bytes.Repeat([]byte{0x5a}, 17),
}

// TestOPRFCorrectness verifies the blinded protocol agrees with the
// server's direct evaluation: for any blind r,
// Finalize(x, Unblind(r, Evaluate(k, Blind(x).B))) == Eval(k, x).PRF
func TestOPRFCorrectness(t *testing.T) {
	k := mustDecodeHex(testPrivateKey)

	for _, ioc := range testIOCs {
		t.Run(hex.EncodeToString(ioc), func(t *testing.T) {
			r, blinded, err := Blind(ioc, nil)
			if err != nil {
				t.Fatalf("Blind failed: %v", err)
			}

			evaluated, err := Evaluate(k, blinded)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}

			q, err := Unblind(r, evaluated)
			if err != nil {
				t.Fatalf("Unblind failed: %v", err)
			}

			prf, err := Finalize(ioc, q)
			if err != nil {
				t.Fatalf("Finalize failed: %v", err)
			}

			wantPRF, wantQ, err := Eval(k, ioc)
			if err != nil {
				t.Fatalf("Eval failed: %v", err)
			}

			if !bytes.Equal(q, wantQ) {
				t.Errorf("Unblinded element mismatch:\ngot:  %x\nwant: %x", q, wantQ)
			}
			if !bytes.Equal(prf, wantPRF) {
				t.Errorf("PRF mismatch:\ngot:  %x\nwant: %x", prf, wantPRF)
			}
			if len(prf) != PRFBytes {
				t.Errorf("PRF has wrong length: got %d, want %d", len(prf), PRFBytes)
			}
		})
	}
}

// TestFinalizeFormat verifies the PRF is exactly SHA512(ioc || Q).
func TestFinalizeFormat(t *testing.T) {
	k := mustDecodeHex(testPrivateKey)
	ioc := []byte("evil.com")

	prf, q, err := Eval(k, ioc)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}

	want := sha512.Sum512(append(append([]byte{}, ioc...), q...))
	if !bytes.Equal(prf, want[:]) {
		t.Errorf("PRF format mismatch:\ngot:  %x\nwant: %x", prf, want)
	}
}

// TestBlindDeterministic tests that a fixed blind reproduces the same
// blinded element, and that the returned blind matches the input.
func TestBlindDeterministic(t *testing.T) {
	blind := mustDecodeHex(testBlind)
	ioc := []byte("evil.com")

	r1, b1, err := Blind(ioc, blind)
	if err != nil {
		t.Fatalf("Blind failed: %v", err)
	}
	r2, b2, err := Blind(ioc, blind)
	if err != nil {
		t.Fatalf("Blind failed: %v", err)
	}

	if !bytes.Equal(r1, blind) {
		t.Errorf("Returned blind mismatch:\ngot:  %x\nwant: %x", r1, blind)
	}
	if !bytes.Equal(r1, r2) || !bytes.Equal(b1, b2) {
		t.Error("Fixed blind did not reproduce identical outputs")
	}
}

// TestBlindHidesInput tests that two random blindings of the same
// input produce distinct blinded elements.
func TestBlindHidesInput(t *testing.T) {
	ioc := []byte("evil.com")

	_, b1, err := Blind(ioc, nil)
	if err != nil {
		t.Fatalf("Blind failed: %v", err)
	}
	_, b2, err := Blind(ioc, nil)
	if err != nil {
		t.Fatalf("Blind failed: %v", err)
	}

	if bytes.Equal(b1, b2) {
		t.Error("Two random blindings produced identical elements")
	}
}

// TestEvaluateRejectsInvalidEncodings tests decode failures surface as
// ErrInvalidEncoding, never as panics.
func TestEvaluateRejectsInvalidEncodings(t *testing.T) {
	k := mustDecodeHex(testPrivateKey)

	cases := []struct {
		name    string
		key     []byte
		blinded []byte
	}{
		{"short blinded element", k, make([]byte, 31)},
		{"long blinded element", k, make([]byte, 33)},
		{"non-canonical element", k, bytes.Repeat([]byte{0xff}, 32)},
		{"short key", make([]byte, 31), make([]byte, 32)},
		{"non-canonical key", bytes.Repeat([]byte{0xff}, 32), make([]byte, 32)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Evaluate(tc.key, tc.blinded)
			if !errors.Is(err, ErrInvalidEncoding) {
				t.Fatalf("Evaluate error = %v, want ErrInvalidEncoding", err)
			}
		})
	}
}

// TestUnblindRejectsInvalidEncodings mirrors the Evaluate checks for
// the client side.
func TestUnblindRejectsInvalidEncodings(t *testing.T) {
	r := mustDecodeHex(testBlind)

	if _, err := Unblind(r, make([]byte, 31)); err == nil {
		t.Error("Unblind accepted a 31-byte element")
	}
	if _, err := Unblind(r, bytes.Repeat([]byte{0xff}, 32)); err == nil {
		t.Error("Unblind accepted a non-canonical element")
	}
	if _, err := Unblind(make([]byte, 5), make([]byte, 32)); err == nil {
		t.Error("Unblind accepted a 5-byte blind")
	}
}

// TestDeriveKeyStability tests that key derivation is deterministic
// and sensitive to each of its inputs.
func TestDeriveKeyStability(t *testing.T) {
	k := mustDecodeHex(testPrivateKey)
	prf, q, err := Eval(k, []byte("evil.com"))
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}

	key1, err := DeriveKey(prf, q, "ds1")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	key2, err := DeriveKey(prf, q, "ds1")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("DeriveKey is not deterministic")
	}
	if len(key1) != KeyBytes {
		t.Errorf("Derived key has wrong length: got %d, want %d", len(key1), KeyBytes)
	}

	// Different dataset name
	keyOther, err := DeriveKey(prf, q, "ds2")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if bytes.Equal(key1, keyOther) {
		t.Error("DeriveKey ignored the dataset name")
	}

	// Different PRF
	prf2, q2, err := Eval(k, []byte("other.com"))
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	keyPRF, err := DeriveKey(prf2, q2, "ds1")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if bytes.Equal(key1, keyPRF) {
		t.Error("DeriveKey ignored the PRF/Q inputs")
	}
}

// TestKeyGen tests generated keys are distinct canonical scalars.
func TestKeyGen(t *testing.T) {
	k1, err := KeyGen()
	if err != nil {
		t.Fatalf("KeyGen failed: %v", err)
	}
	k2, err := KeyGen()
	if err != nil {
		t.Fatalf("KeyGen failed: %v", err)
	}

	if len(k1) != ScalarBytes {
		t.Errorf("Key has wrong length: got %d, want %d", len(k1), ScalarBytes)
	}
	if bytes.Equal(k1, k2) {
		t.Error("KeyGen produced identical keys")
	}

	if err := ristretto255.NewScalar().Decode(k1); err != nil {
		t.Errorf("Generated key is not a canonical scalar: %v", err)
	}
}

// TestDifferentKeysDifferentPRFs tests a rekeyed dataset maps the same
// IOC to an unrelated PRF.
func TestDifferentKeysDifferentPRFs(t *testing.T) {
	ioc := []byte("evil.com")

	k1, err := KeyGen()
	if err != nil {
		t.Fatalf("KeyGen failed: %v", err)
	}
	k2, err := KeyGen()
	if err != nil {
		t.Fatalf("KeyGen failed: %v", err)
	}

	prf1, _, err := Eval(k1, ioc)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	prf2, _, err := Eval(k2, ioc)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}

	if bytes.Equal(prf1, prf2) {
		t.Error("Distinct keys produced the same PRF")
	}
}
