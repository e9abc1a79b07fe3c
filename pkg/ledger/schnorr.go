package ledger

import (
	"crypto/rand"
	"errors"

	"filippo.io/edwards25519"
)

// The block header carries a single Schnorr signature aggregated from
// every flagged validator's share. The challenge scalar binds the
// message only, so shares combine linearly: s = sum(r_i) + c*sum(x_i),
// R = sum(R_i), and the sum verifies against the sum of the flagged
// public keys. Rogue-key grief is prevented by the enrollment
// signature, which proves possession of each staking key.

// PK is a serialized ed25519 public key point.
type PK []byte

// SK is a serialized ed25519 scalar.
type SK []byte

// Sig is a serialized Schnorr signature: R (32 bytes) then s (32 bytes).
type Sig []byte

const sigBytes = 64

// GenerateSK creates a new random secret key.
func GenerateSK() SK {
	var seed [64]byte
	_, err := rand.Read(seed[:])
	if err != nil {
		panic(err)
	}

	s, err := edwards25519.NewScalar().SetUniformBytes(seed[:])
	if err != nil {
		// should not happen
		panic(err)
	}

	return SK(s.Bytes())
}

// SK derives a secret key from the random stream.
func (r Rand) SK() SK {
	wide := SHA512([]byte("sk"), r[:])
	s, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		// should not happen
		panic(err)
	}

	return SK(s.Bytes())
}

func (s SK) scalar() (*edwards25519.Scalar, error) {
	return edwards25519.NewScalar().SetCanonicalBytes(s)
}

func (s SK) mustScalar() *edwards25519.Scalar {
	sc, err := s.scalar()
	if err != nil {
		panic(err)
	}

	return sc
}

// PK returns the public key of the secret key.
func (s SK) PK() (PK, error) {
	sc, err := s.scalar()
	if err != nil {
		return nil, err
	}

	return PK(new(edwards25519.Point).ScalarBaseMult(sc).Bytes()), nil
}

func (s SK) MustPK() PK {
	pk, err := s.PK()
	if err != nil {
		panic(err)
	}

	return pk
}

// Sign produces a Schnorr signature of the message. The nonce is
// derived deterministically from the key and the message.
func (s SK) Sign(msg []byte) Sig {
	sc := s.mustScalar()
	wide := SHA512(domainSigNonce, s, msg)
	r, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		// should not happen
		panic(err)
	}

	bigR := new(edwards25519.Point).ScalarBaseMult(r)
	c := challenge(msg)
	// s = r + c*x
	sig := edwards25519.NewScalar().MultiplyAdd(c, sc, r)

	out := make([]byte, 0, sigBytes)
	out = append(out, bigR.Bytes()...)
	out = append(out, sig.Bytes()...)
	return Sig(out)
}

// Point reports whether the public key is a valid ed25519 point.
func (p PK) Point() (*edwards25519.Point, error) {
	if len(p) != 32 {
		return nil, errors.New("public key must be 32 bytes")
	}

	return new(edwards25519.Point).SetBytes(p)
}

// Verify checks the signature over the message against the public key.
func (s Sig) Verify(pk PK, msg []byte) bool {
	if len(s) != sigBytes {
		return false
	}

	a, err := pk.Point()
	if err != nil {
		return false
	}

	bigR, err := new(edwards25519.Point).SetBytes(s[:32])
	if err != nil {
		return false
	}

	sc, err := edwards25519.NewScalar().SetCanonicalBytes(s[32:])
	if err != nil {
		return false
	}

	// s*B - c*A == R
	c := challenge(msg)
	negA := new(edwards25519.Point).Negate(a)
	got := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(c, negA, sc)
	return got.Equal(bigR) == 1
}

// R returns the nonce point of the signature. The enrollment record
// uses it as the staker's one-time signature nonce.
func (s Sig) R() []byte {
	if len(s) != sigBytes {
		return nil
	}

	return s[:32]
}

func challenge(msg []byte) *edwards25519.Scalar {
	wide := SHA512(domainChallenge, msg)
	c, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		// should not happen
		panic(err)
	}

	return c
}

// AggregateSigs combines signature shares over the same message into
// one signature.
func AggregateSigs(sigs []Sig) (Sig, error) {
	if len(sigs) == 0 {
		return nil, errors.New("no signatures to aggregate")
	}

	sumR := edwards25519.NewIdentityPoint()
	sumS := edwards25519.NewScalar()
	for _, sig := range sigs {
		if len(sig) != sigBytes {
			return nil, errors.New("malformed signature share")
		}

		r, err := new(edwards25519.Point).SetBytes(sig[:32])
		if err != nil {
			return nil, err
		}

		s, err := edwards25519.NewScalar().SetCanonicalBytes(sig[32:])
		if err != nil {
			return nil, err
		}

		sumR.Add(sumR, r)
		sumS.Add(sumS, s)
	}

	out := make([]byte, 0, sigBytes)
	out = append(out, sumR.Bytes()...)
	out = append(out, sumS.Bytes()...)
	return Sig(out), nil
}

// AggregatePKs combines public keys into the key the aggregated
// signature verifies against.
func AggregatePKs(pks []PK) (PK, error) {
	if len(pks) == 0 {
		return nil, errors.New("no public keys to aggregate")
	}

	sum := edwards25519.NewIdentityPoint()
	for _, pk := range pks {
		p, err := pk.Point()
		if err != nil {
			return nil, err
		}

		sum.Add(sum, p)
	}

	return PK(sum.Bytes()), nil
}
