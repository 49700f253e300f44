package dbus

import "testing"

func TestParseSignatureRoundtrip(t *testing.T) {
	tests := []string{
		"",
		"y",
		"b",
		"s",
		"as",
		"a{sv}",
		"(sii)",
		"a(oa{sv})",
		"ai",
		"v",
	}
	for _, sig := range tests {
		t.Run(sig, func(t *testing.T) {
			s, err := ParseSignature(sig)
			if err != nil {
				t.Fatalf("ParseSignature(%q): %v", sig, err)
			}
			if got := s.String(); got != sig {
				t.Errorf("ParseSignature(%q).String() = %q, want %q", sig, got, sig)
			}
		})
	}
}

func TestParseSignatureErrors(t *testing.T) {
	tests := []string{
		"(",
		")",
		"{sv}",  // dict entry outside an array
		"a{vs}", // variant is not a valid dict key
	}
	for _, sig := range tests {
		t.Run(sig, func(t *testing.T) {
			if _, err := ParseSignature(sig); err == nil {
				t.Errorf("ParseSignature(%q) succeeded, want error", sig)
			}
		})
	}

	// Two basic types back to back is valid: each top-level parseOne
	// call consumes exactly one, and there's no requirement for a
	// signature string to hold only one.
	s, err := ParseSignature("xy")
	if err != nil {
		t.Fatalf("ParseSignature(%q): %v", "xy", err)
	}
	if len(s.Types) != 2 {
		t.Errorf("ParseSignature(%q) produced %d types, want 2", "xy", len(s.Types))
	}
}

func TestSignatureSingle(t *testing.T) {
	s, err := ParseSignature("s")
	if err != nil {
		t.Fatalf("ParseSignature: %v", err)
	}
	if !s.IsSingle() {
		t.Fatalf("IsSingle() = false for single-type signature")
	}
	if s.Single().Kind != KindString {
		t.Errorf("Single().Kind = %v, want KindString", s.Single().Kind)
	}

	empty := Signature{}
	if !empty.IsZero() {
		t.Errorf("IsZero() = false for zero Signature")
	}
}
