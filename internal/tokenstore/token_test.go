package tokenstore

import (
	"bytes"
	"strings"
	"testing"
)

func TestMint(t *testing.T) {
	minter := NewMinter("tok")

	token, key, err := minter.Mint()
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	if key != "tok:"+token {
		t.Errorf("key = %s, want tok:%s", key, token)
	}
	// 32 bytes of entropy, URL-safe base64 without padding
	if len(token) != 43 {
		t.Errorf("token length = %d, want 43", len(token))
	}
	if strings.ContainsAny(token, "+/=") {
		t.Errorf("token %q is not URL-safe", token)
	}

	token2, _, err := minter.Mint()
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if token == token2 {
		t.Error("two mints produced the same token")
	}
}

func TestMintDeterministicWithRand(t *testing.T) {
	src := bytes.Repeat([]byte{0xAB}, 64)

	m1 := NewMinterWithRand("tok", bytes.NewReader(src))
	m2 := NewMinterWithRand("tok", bytes.NewReader(src))

	t1, _, err := m1.Mint()
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	t2, _, err := m2.Mint()
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if t1 != t2 {
		t.Errorf("tokens differ with identical randomness: %s vs %s", t1, t2)
	}
}

func TestMinterNamespace(t *testing.T) {
	if got := NewMinter("").Key("abc"); got != "tok:abc" {
		t.Errorf("Key() with empty namespace = %s, want tok:abc", got)
	}
	if got := NewMinter("  ").Key("abc"); got != "tok:abc" {
		t.Errorf("Key() with blank namespace = %s, want tok:abc", got)
	}
	if got := NewMinter("sess").Key("abc"); got != "sess:abc" {
		t.Errorf("Key() = %s, want sess:abc", got)
	}

	// already-namespaced tokens pass through
	if got := NewMinter("tok").Key("tok:abc"); got != "tok:abc" {
		t.Errorf("Key() = %s, want tok:abc unchanged", got)
	}
}

func TestToken(t *testing.T) {
	if got := Token("tok:abc"); got != "abc" {
		t.Errorf("Token() = %s, want abc", got)
	}
	if got := Token("abc"); got != "abc" {
		t.Errorf("Token() = %s, want abc", got)
	}
	if got := Token("tok:a:b"); got != "a:b" {
		t.Errorf("Token() = %s, want a:b", got)
	}
}
