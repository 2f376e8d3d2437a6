package crypto

import (
	"testing"
)

func TestGenerateSalt(t *testing.T) {
	a, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	b, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	if a == b {
		t.Fatalf("GenerateSalt returned the same salt twice: %q", a)
	}
	if err := ValidateSalt(a); err != nil {
		t.Fatalf("ValidateSalt(%q) = %v", a, err)
	}
}

func TestValidateSalt(t *testing.T) {
	tests := map[string]struct {
		salt    string
		wantErr bool
	}{
		"valid":    {salt: "00112233445566778899aabbccddeeff"},
		"empty":    {salt: "", wantErr: true},
		"short":    {salt: "0011", wantErr: true},
		"not_hex":  {salt: "zz112233445566778899aabbccddeeff", wantErr: true},
		"too_long": {salt: "00112233445566778899aabbccddeeff00", wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := ValidateSalt(tc.salt)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidateSalt(%q) = %v, wantErr %v", tc.salt, err, tc.wantErr)
			}
		})
	}
}

func TestVerifyProof(t *testing.T) {
	salt := "00112233445566778899aabbccddeeff"
	proof := Proof("hunter2", salt)
	stored := HashProof(proof, salt)

	if !VerifyProof(proof, salt, stored) {
		t.Fatalf("VerifyProof rejected the matching proof")
	}
	if VerifyProof(Proof("hunter3", salt), salt, stored) {
		t.Fatalf("VerifyProof accepted a wrong password")
	}
	if VerifyProof(proof, "ffeeddccbbaa99887766554433221100", stored) {
		t.Fatalf("VerifyProof accepted a different salt")
	}
	if VerifyProof(proof, salt, nil) {
		t.Fatalf("VerifyProof accepted an empty stored hash")
	}
}
