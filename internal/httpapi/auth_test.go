package httpapi

import "testing"

func TestBearerTokenParsing(t *testing.T) {
	cases := []struct {
		header  string
		wantOK  bool
		wantTok string
	}{
		{"Bearer abc123", true, "abc123"},
		{"Bearer ", false, ""},
		{"", false, ""},
		{"Basic abc123", false, ""},
	}
	for _, tc := range cases {
		tok, ok := bearerToken(tc.header)
		if ok != tc.wantOK || tok != tc.wantTok {
			t.Errorf("bearerToken(%q) = (%q, %v), want (%q, %v)", tc.header, tok, ok, tc.wantTok, tc.wantOK)
		}
	}
}

func TestHashAdminTokenRoundTrip(t *testing.T) {
	hash, err := HashAdminToken("my-secret-token")
	if err != nil {
		t.Fatalf("HashAdminToken: %v", err)
	}
	auth := NewBearerAuth(hash)
	if auth.hash == nil {
		t.Fatal("expected non-nil hash")
	}
}
