package secrets

import (
	"errors"
	"testing"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// First dev-chain account key, never used outside tests.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := NewCodec("service-secret")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	sealed, err := c.SealHexKey(testKey)
	if err != nil {
		t.Fatalf("SealHexKey: %v", err)
	}
	if sealed == testKey {
		t.Fatal("key stored in the clear")
	}

	key, err := c.OpenKey(sealed)
	if err != nil {
		t.Fatalf("OpenKey: %v", err)
	}
	want, _ := gethcrypto.HexToECDSA(testKey)
	if gethcrypto.PubkeyToAddress(key.PublicKey) != gethcrypto.PubkeyToAddress(want.PublicKey) {
		t.Error("opened key does not match sealed key")
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	c, _ := NewCodec("service-secret")
	a, _ := c.Seal([]byte("material"))
	b, _ := c.Seal([]byte("material"))
	if a == b {
		t.Error("two seals of the same plaintext are identical")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	c, _ := NewCodec("service-secret")
	sealed, _ := c.Seal([]byte("material"))

	tampered := []byte(sealed)
	if tampered[len(tampered)-1] == 'f' {
		tampered[len(tampered)-1] = '0'
	} else {
		tampered[len(tampered)-1] = 'f'
	}
	if _, err := c.Open(string(tampered)); !errors.Is(err, ErrInvalidCipher) {
		t.Errorf("error = %v, want ErrInvalidCipher", err)
	}

	if _, err := c.Open("not-hex"); !errors.Is(err, ErrInvalidCipher) {
		t.Errorf("error = %v, want ErrInvalidCipher", err)
	}
}

func TestOpenRejectsWrongSecret(t *testing.T) {
	a, _ := NewCodec("secret-a")
	b, _ := NewCodec("secret-b")

	sealed, _ := a.SealHexKey(testKey)
	if _, err := b.OpenKey(sealed); !errors.Is(err, ErrInvalidCipher) {
		t.Errorf("error = %v, want ErrInvalidCipher", err)
	}
}

func TestNewCodecRequiresSecret(t *testing.T) {
	if _, err := NewCodec(""); !errors.Is(err, ErrNoSecret) {
		t.Errorf("error = %v, want ErrNoSecret", err)
	}
}

func TestSealHexKeyRejectsGarbage(t *testing.T) {
	c, _ := NewCodec("service-secret")
	if _, err := c.SealHexKey("zz"); err == nil {
		t.Error("garbage key sealed")
	}
}

func TestAddressDerivation(t *testing.T) {
	c, _ := NewCodec("service-secret")
	sealed, _ := c.SealHexKey(testKey)

	addr, err := c.Address(sealed)
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	want, _ := gethcrypto.HexToECDSA(testKey)
	if addr != gethcrypto.PubkeyToAddress(want.PublicKey).Hex() {
		t.Errorf("address = %s", addr)
	}
}
