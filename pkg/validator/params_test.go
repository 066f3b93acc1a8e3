package validator

import (
	"encoding/json"
	"testing"
)

func TestString(t *testing.T) {
	if v, err := String(json.RawMessage(`"credits.aleo"`)); err != nil || v != "credits.aleo" {
		t.Fatalf("String()=%q, %v", v, err)
	}
	if _, err := String(json.RawMessage(`"  "`)); err == nil {
		t.Fatal("expected error for blank string")
	}
	if _, err := String(json.RawMessage(`12`)); err == nil {
		t.Fatal("expected error for number")
	}
}

func TestUint64(t *testing.T) {
	cases := map[string]uint64{
		`0`:                    0,
		`1500000`:              1500000,
		`"42"`:                 42,
		`18446744073709551615`: 18446744073709551615,
	}
	for raw, want := range cases {
		got, err := Uint64(json.RawMessage(raw))
		if err != nil || got != want {
			t.Fatalf("Uint64(%s)=%d, %v; want %d", raw, got, err, want)
		}
	}
	for _, raw := range []string{`-1`, `1.5`, `"abc"`, `18446744073709551616`, `true`} {
		if _, err := Uint64(json.RawMessage(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestStringList(t *testing.T) {
	v, err := StringList(json.RawMessage(`["1u64","2u64"]`))
	if err != nil || len(v) != 2 {
		t.Fatalf("StringList()=%v, %v", v, err)
	}
	if _, err := StringList(json.RawMessage(`["ok",""]`)); err == nil {
		t.Fatal("expected error for empty element")
	}
	if _, err := StringList(json.RawMessage(`"single"`)); err == nil {
		t.Fatal("expected error for scalar")
	}
	if NonEmptyList(nil) == nil {
		t.Fatal("expected error for empty list")
	}
}

func TestStringMap(t *testing.T) {
	v, err := StringMap(json.RawMessage(`{"token.aleo":"program token.aleo;"}`))
	if err != nil || v["token.aleo"] == "" {
		t.Fatalf("StringMap()=%v, %v", v, err)
	}
	if _, err := StringMap(json.RawMessage(`["x"]`)); err == nil {
		t.Fatal("expected error for array")
	}
}

func TestOneOfAndPositive(t *testing.T) {
	if err := OneOf("public", "private", "public"); err != nil {
		t.Fatalf("OneOf: %v", err)
	}
	if err := OneOf("burn", "private", "public"); err == nil {
		t.Fatal("expected error for unknown value")
	}
	if Positive(0) == nil || Positive(1) != nil {
		t.Fatal("Positive mismatch")
	}
}

func TestQueryURL(t *testing.T) {
	if err := QueryURL("https://api.explorer.aleo.org/v1"); err != nil {
		t.Fatalf("QueryURL: %v", err)
	}
	for _, bad := range []string{"ftp://node", "node:3030", "https://"} {
		if err := QueryURL(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestDecodeHexAndFingerprint(t *testing.T) {
	fp := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	if err := Fingerprint(fp); err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if err := Fingerprint(fp[:62]); err == nil {
		t.Fatal("expected error for short fingerprint")
	}
	if err := Fingerprint("0123456789ABCDEF0123456789abcdef0123456789abcdef0123456789abcdef"); err == nil {
		t.Fatal("expected error for uppercase fingerprint")
	}
	if _, err := DecodeHex("zz", 0); err == nil {
		t.Fatal("expected error for invalid hex")
	}
	if IsNull(json.RawMessage(" null ")) != true || IsNull(json.RawMessage(`"x"`)) {
		t.Fatal("IsNull mismatch")
	}
}
