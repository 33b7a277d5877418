// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package handshake

import "testing"

func TestTypeString(t *testing.T) {
	cases := map[Type]string{
		TypeClientHello: "ClientHello",
		TypeFinished:    "Finished",
	}
	for in, want := range cases {
		if got := in.String(); got != want {
			t.Errorf("Type(%d).String(): got %q, want %q", in, got, want)
		}
	}
	if got := Type(200).String(); got != "Unknown(200)" {
		t.Errorf("Type(200).String(): got %q, want %q", got, "Unknown(200)")
	}
}

func TestFlagsString(t *testing.T) {
	cases := map[Flags]string{
		FlagsUnset:         "Unset",
		FlagsNone:          "None",
		FlagsContributes:   "Contributes",
		FlagsEndsFlight:    "EndsFlight",
		FlagsEndsHandshake: "EndsHandshake",
		Flags(99):          "Invalid",
	}
	for in, want := range cases {
		if got := in.String(); got != want {
			t.Errorf("Flags(%d).String(): got %q, want %q", in, got, want)
		}
	}
}

func TestFlagsUnsetIsZeroValue(t *testing.T) {
	var f Flags
	if f != FlagsUnset {
		t.Errorf("zero value of Flags: got %v, want FlagsUnset", f)
	}
}
