package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSignCoinExDeterministic(t *testing.T) {
	const ts = int64(1709251200000)

	a := SignCoinEx("secret", "get", "/assets/spot/balance", "", ts)
	b := SignCoinEx("secret", "GET", "/assets/spot/balance", "", ts)
	if a != b {
		t.Error("method must be upper-cased before signing")
	}
	if len(a) != 64 || a != strings.ToLower(a) {
		t.Errorf("signature %q is not lowercase hex sha256", a)
	}

	if SignCoinEx("other", "GET", "/assets/spot/balance", "", ts) == a {
		t.Error("different secrets must not collide")
	}
	if SignCoinEx("secret", "GET", "/assets/spot/balance", "", ts+1) == a {
		t.Error("different timestamps must not collide")
	}
	if SignCoinEx("secret", "GET", "/spot/kline?market=BTCUSDT", "", ts) == a {
		t.Error("different paths must not collide")
	}
}

func TestVerifyCoinEx(t *testing.T) {
	const ts = int64(1709251200000)
	sig := SignCoinEx("secret", "GET", "/spot/kline?market=BTCUSDT&period=1hour", "", ts)

	if !VerifyCoinEx("secret", "GET", "/spot/kline?market=BTCUSDT&period=1hour", "", ts, sig) {
		t.Error("valid signature rejected")
	}
	tampered := "0" + sig[1:]
	if tampered == sig {
		tampered = "1" + sig[1:]
	}
	if VerifyCoinEx("secret", "GET", "/spot/kline?market=BTCUSDT&period=1hour", "", ts, tampered) {
		t.Error("tampered signature accepted")
	}
	if VerifyCoinEx("wrong", "GET", "/spot/kline?market=BTCUSDT&period=1hour", "", ts, sig) {
		t.Error("wrong secret accepted")
	}
}

func TestHeadersAt(t *testing.T) {
	auth := &HMACAuth{Key: "access-id", Secret: "secret"}
	h := auth.HeadersAt("GET", "/assets/spot/balance", "", 1709251200000)

	if h["X-COINEX-KEY"] != "access-id" {
		t.Errorf("key header = %q", h["X-COINEX-KEY"])
	}
	if h["X-COINEX-TIMESTAMP"] != "1709251200000" {
		t.Errorf("timestamp header = %q", h["X-COINEX-TIMESTAMP"])
	}
	want := SignCoinEx("secret", "GET", "/assets/spot/balance", "", 1709251200000)
	if h["X-COINEX-SIGN"] != want {
		t.Errorf("sign header = %q, want %q", h["X-COINEX-SIGN"], want)
	}
}

func TestHMACAuthStringRedacts(t *testing.T) {
	auth := &HMACAuth{Key: "access-id-12345", Secret: "super-secret-key"}
	s := auth.String()
	if strings.Contains(s, "12345") || strings.Contains(s, "secret-key") {
		t.Errorf("String() leaks credentials: %s", s)
	}
	if !strings.Contains(s, "acce") {
		t.Errorf("String() should keep a short prefix: %s", s)
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	creds := Credentials{Key: "access-id", Secret: "secret-key"}

	blob, err := EncryptCredentials(creds, "hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if strings.Contains(string(blob), "secret-key") {
		t.Fatal("ciphertext blob contains the plaintext secret")
	}

	got, err := DecryptCredentials(blob, "hunter2")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != creds {
		t.Errorf("round trip = %+v, want %+v", got, creds)
	}

	if _, err := DecryptCredentials(blob, "wrong"); err == nil {
		t.Error("wrong password must fail")
	}
}

func TestEncryptCredentialsRejectsEmpty(t *testing.T) {
	if _, err := EncryptCredentials(Credentials{Key: "k", Secret: "s"}, ""); err == nil {
		t.Error("empty password must fail")
	}
	if _, err := EncryptCredentials(Credentials{Key: "k"}, "pw"); err == nil {
		t.Error("missing secret must fail")
	}
}

func TestLoadCredentials(t *testing.T) {
	direct, err := LoadCredentials(CredentialConfig{Key: "k", Secret: "s"})
	if err != nil || direct.Key != "k" || direct.Secret != "s" {
		t.Errorf("direct load = %+v, %v", direct, err)
	}

	blob, err := EncryptCredentials(Credentials{Key: "k2", Secret: "s2"}, "pw")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	path := filepath.Join(t.TempDir(), "creds.json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatalf("writing blob: %v", err)
	}

	fromFile, err := LoadCredentials(CredentialConfig{EncryptedPath: path, Password: "pw"})
	if err != nil || fromFile.Key != "k2" || fromFile.Secret != "s2" {
		t.Errorf("file load = %+v, %v", fromFile, err)
	}

	if _, err := LoadCredentials(CredentialConfig{}); err == nil {
		t.Error("no source configured must fail")
	}
}
