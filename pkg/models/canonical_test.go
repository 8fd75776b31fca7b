package models

import (
	"encoding/json"
	"testing"
)

func TestCanonicalizeJSONSortsAndCompacts(t *testing.T) {
	raw := json.RawMessage(`{ "z": 1, "a": [true, null, {"y": "b", "x": 2.50}] }`)
	got, err := CanonicalizeJSON(raw)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":[true,null,{"x":2.50,"y":"b"}],"z":1}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCanonicalEscapesNonASCII(t *testing.T) {
	got, err := CanonicalString(map[string]any{"name": "café ☃ 😀", "tag": "<b>&"})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	want := `{"name":"caf\u00e9 \u2603 \ud83d\ude00","tag":"<b>&"}`
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCanonicalControlCharacters(t *testing.T) {
	got, err := CanonicalString("a\"b\\c\nd\x01\x7f")
	if err != nil {
		t.Fatal(err)
	}
	want := `"a\"b\\c\nd\u0001\u007f"`
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCanonicalFloatFormatting(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{1, "1.0"},
		{2.5, "2.5"},
		{0.0001, "0.0001"},
		{0.00001, "1e-05"},
		{1e16, "1e+16"},
		{123456789.125, "123456789.125"},
	}
	for _, tt := range tests {
		got, err := CanonicalString(tt.in)
		if err != nil {
			t.Fatalf("format %v: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("format %v: got %s want %s", tt.in, got, tt.want)
		}
	}
}

func TestCanonicalStructRoundTripsThroughTags(t *testing.T) {
	got, err := CanonicalString(RegisteredModel{ModelID: "m1", Tags: []string{"b", "a"}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"metadata":null,"model_id":"m1","name":null,"tags":["b","a"]}`
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCanonicalizeJSONRejectsInvalid(t *testing.T) {
	if _, err := CanonicalizeJSON(json.RawMessage(`{"x":bad}`)); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := CanonicalizeJSON(json.RawMessage(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}
