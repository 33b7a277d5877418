// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package handshake carries only the handshake fragment header MPS needs
// to describe a message to the record layer. It deliberately does not
// parse handshake message bodies (ClientHello, ServerHello, Finished,
// ...); that is explicitly out of scope per spec.md §1.
package handshake

import "fmt"

// Type identifies a handshake message's role. MPS treats this as an
// opaque tag supplied by the handshake logic layer; it never branches on
// a specific value.
type Type uint8

// Handshake message types MPS needs to be able to tag and log.
const (
	TypeHelloRequest       Type = 0
	TypeClientHello        Type = 1
	TypeServerHello        Type = 2
	TypeHelloVerifyRequest Type = 3
	TypeCertificate        Type = 11
	TypeServerKeyExchange  Type = 12
	TypeCertificateRequest Type = 13
	TypeServerHelloDone    Type = 14
	TypeCertificateVerify  Type = 15
	TypeClientKeyExchange  Type = 16
	TypeFinished           Type = 20
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case TypeHelloRequest:
		return "HelloRequest"
	case TypeClientHello:
		return "ClientHello"
	case TypeServerHello:
		return "ServerHello"
	case TypeHelloVerifyRequest:
		return "HelloVerifyRequest"
	case TypeCertificate:
		return "Certificate"
	case TypeServerKeyExchange:
		return "ServerKeyExchange"
	case TypeCertificateRequest:
		return "CertificateRequest"
	case TypeServerHelloDone:
		return "ServerHelloDone"
	case TypeCertificateVerify:
		return "CertificateVerify"
	case TypeClientKeyExchange:
		return "ClientKeyExchange"
	case TypeFinished:
		return "Finished"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Header describes a single handshake fragment as the core hands it to
// the record layer (spec.md §6: "the core merely describes handshake
// fragment headers to the record layer").
type Header struct {
	Type            Type
	Length          uint32 // total length of the reassembled handshake message
	MessageSequence uint16
	FragmentOffset  uint32
	FragmentLength  uint32
}

// Flags annotates a message's contribution to the current flight and
// handshake (spec.md §4.8 read_set_flags/write_set_flags), restoring
// mps.h's 2-bit field plus an explicit "unset" state (SPEC_FULL.md §12.1):
// unlike mps.h's top validity bit, FlagsUnset is a value in-band so the
// zero value of Flags is distinguishable from "classified, contributes
// nothing".
type Flags uint8

// Flag values. FlagsUnset is the zero value: flags have not been set yet.
const (
	FlagsUnset       Flags = iota
	FlagsNone              // message does not contribute to the flight
	FlagsContributes       // message contributes to the current flight
	FlagsEndsFlight        // message ends the current flight
	FlagsEndsHandshake     // message ends the handshake entirely
)

// String implements fmt.Stringer.
func (f Flags) String() string {
	switch f {
	case FlagsUnset:
		return "Unset"
	case FlagsNone:
		return "None"
	case FlagsContributes:
		return "Contributes"
	case FlagsEndsFlight:
		return "EndsFlight"
	case FlagsEndsHandshake:
		return "EndsHandshake"
	default:
		return "Invalid"
	}
}
