package webhook

import (
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	payload := []byte(`{"event":"priority.created","entityId":"p1"}`)
	secret := "0123456789abcdef0123456789abcdef"

	sig := Sign(payload, secret)
	if sig == "" {
		t.Fatal("empty signature")
	}
	if len(sig) != 64 { // hex encoded SHA-256
		t.Fatalf("signature length = %d, want 64", len(sig))
	}
	if !Verify(payload, secret, sig) {
		t.Fatal("signature must verify against the same payload and secret")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	payload := []byte(`{"event":"priority.created"}`)
	secret := "s3cret"
	sig := Sign(payload, secret)

	tests := []struct {
		name    string
		payload []byte
		secret  string
		sig     string
	}{
		{"tampered payload", []byte(`{"event":"priority.deleted"}`), secret, sig},
		{"wrong secret", payload, "other", sig},
		{"tampered signature", payload, secret, sig[:63] + "0"},
		{"empty signature", payload, secret, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Verify(tt.payload, tt.secret, tt.sig) {
				t.Error("verification must fail")
			}
		})
	}
}

func TestSignDependsOnExactBytes(t *testing.T) {
	secret := "k"
	a := Sign([]byte(`{"a":1,"b":2}`), secret)
	b := Sign([]byte(`{"b":2,"a":1}`), secret) // same JSON value, different bytes
	if a == b {
		t.Fatal("signature must be over the exact byte sequence")
	}
}

func TestGenerateSecret(t *testing.T) {
	s1, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(s1) != 64 { // 32 random bytes hex encoded
		t.Fatalf("secret length = %d, want 64", len(s1))
	}
	s2, _ := GenerateSecret()
	if s1 == s2 {
		t.Fatal("secrets must not repeat")
	}
}
