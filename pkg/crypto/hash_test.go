package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/klingonchain/coreutxo/pkg/types"
)

func hexToHash(t *testing.T, s string) types.Hash {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex: %v", err)
	}
	var h types.Hash
	copy(h[:], b)
	return h
}

func TestHash(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{
			name:  "empty input",
			input: []byte{},
			want:  "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name:  "hello",
			input: []byte("hello"),
			want:  "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		},
		{
			name:  "coreutxo",
			input: []byte("coreutxo"),
			want:  "4ffd15938844f9f3729e713715a9af0d8f83fe09157608d1373bfaac1946490d",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Hash(tt.input)
			want := hexToHash(t, tt.want)
			if got != want {
				t.Errorf("Hash(%q) = %x, want %x", tt.input, got, want)
			}
		})
	}
}

func TestHash_Deterministic(t *testing.T) {
	data := []byte("deterministic test input")
	h1 := Hash(data)
	h2 := Hash(data)
	if h1 != h2 {
		t.Errorf("Hash is not deterministic: %x != %x", h1, h2)
	}
}

func TestHash_DifferentInputs(t *testing.T) {
	h1 := Hash([]byte("input A"))
	h2 := Hash([]byte("input B"))
	if h1 == h2 {
		t.Error("different inputs produced the same hash")
	}
}

func TestDoubleHash(t *testing.T) {
	input := []byte("hello")
	got := DoubleHash(input)
	want := hexToHash(t, "9595c9df90075148eb06860365df33584b75bff782a510c6cd4883a419833d50")

	if got != want {
		t.Errorf("DoubleHash(%q) = %x, want %x", input, got, want)
	}
}

func TestDoubleHash_NotSameAsHash(t *testing.T) {
	data := []byte("test data")
	single := Hash(data)
	double := DoubleHash(data)
	if single == double {
		t.Error("DoubleHash should not equal single Hash")
	}
}

func TestDoubleHash_EqualsHashOfHash(t *testing.T) {
	data := []byte("test data")
	want := Hash(Hash(data)[:])
	got := DoubleHash(data)
	if got != want {
		t.Errorf("DoubleHash must equal Hash(Hash(data))")
	}
}

func TestHashConcat(t *testing.T) {
	a := Hash([]byte("left"))
	b := Hash([]byte("right"))
	result := HashConcat(a, b)

	// Should not be zero
	if result == (types.Hash{}) {
		t.Error("HashConcat returned zero hash")
	}

	// Order matters
	reversed := HashConcat(b, a)
	if result == reversed {
		t.Error("HashConcat(a,b) should differ from HashConcat(b,a)")
	}

	// Deterministic
	again := HashConcat(a, b)
	if result != again {
		t.Error("HashConcat is not deterministic")
	}
}

func TestHashConcat_EqualsManualDoubleHash(t *testing.T) {
	a := Hash([]byte("left"))
	b := Hash([]byte("right"))

	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	want := DoubleHash(buf[:])

	got := HashConcat(a, b)
	if got != want {
		t.Errorf("HashConcat = %x, want %x", got, want)
	}
}

func TestHASH160_Length(t *testing.T) {
	h := HASH160([]byte("some pubkey bytes"))
	if len(h) != 20 {
		t.Fatalf("HASH160 must be 20 bytes, got %d", len(h))
	}
}

func TestAddressFromPubKey_Deterministic(t *testing.T) {
	priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub := priv.PublicKey()
	a1 := AddressFromPubKey(pub)
	a2 := AddressFromPubKey(pub)
	if a1 != a2 {
		t.Error("AddressFromPubKey is not deterministic")
	}
	want := types.Address(HASH160(pub))
	if a1 != want {
		t.Errorf("AddressFromPubKey must equal HASH160(pubkey)")
	}
}
