package acdpcrypto

import (
	"context"
	"testing"
)

func testFactory() *AESFactory {
	f := &AESFactory{}
	copy(f.Key[:], []byte("0123456789abcdef"))
	copy(f.IV[:], []byte("abcdef0123456789"))
	return f
}

func TestSelfTest(t *testing.T) {
	if err := SelfTest(testFactory()); err != nil {
		t.Fatal(err)
	}
}

func TestChallengeRoundTrip(t *testing.T) {
	f := testFactory()
	c, err := Challenge(f)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyChallenge(f, c); err != nil {
		t.Fatalf("challenge should verify against itself: %v", err)
	}
}

func TestChallengeMismatchRejected(t *testing.T) {
	f := testFactory()
	if err := VerifyChallenge(f, "not-the-real-challenge"); err == nil {
		t.Fatal("expected a CreationFailure for a wrong stored challenge")
	}
}

func TestWREncryptCipherShared(t *testing.T) {
	p := NewProvider(testFactory())
	c1, err := p.WREncryptCipher()
	if err != nil {
		t.Fatal(err)
	}
	c2, err := p.WREncryptCipher()
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Error("WR encrypt cipher should be created once and shared")
	}
}

func TestDecryptPoolTakeOutTakeIn(t *testing.T) {
	p := NewProvider(testFactory())
	ctx := context.Background()
	h, err := p.TakeOutDecrypt(ctx)
	if err != nil {
		t.Fatal(err)
	}
	p.TakeInDecrypt(h)
	h2, err := p.TakeOutDecrypt(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h != h2 {
		t.Error("returned cipher should be reused from the pool")
	}
}
