// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package protocol carries the small set of (D)TLS wire-level data types
// the Message Processing Stack needs to describe records to the out-of-scope
// record layer: content types, protocol version, and the content-less
// ChangeCipherSpec marker. It does not implement record framing or
// encryption; those belong to the record layer named in pkg/recordlayer.
package protocol

// ContentType identifies the kind of content carried by a record.
type ContentType uint8

// Content types defined by (D)TLS that the MPS core distinguishes between.
const (
	ContentTypeChangeCipherSpec ContentType = 20
	ContentTypeAlert            ContentType = 21
	ContentTypeHandshake        ContentType = 22
	ContentTypeApplicationData  ContentType = 23
)

// String implements fmt.Stringer.
func (c ContentType) String() string {
	switch c {
	case ContentTypeChangeCipherSpec:
		return "ChangeCipherSpec"
	case ContentTypeAlert:
		return "Alert"
	case ContentTypeHandshake:
		return "Handshake"
	case ContentTypeApplicationData:
		return "ApplicationData"
	default:
		return "Unknown"
	}
}

// Version is the record-layer protocol version field.
type Version struct {
	Major, Minor uint8
}

// Version1_2 is the record version used for DTLS 1.2.
var Version1_2 = Version{Major: 0xfe, Minor: 0xfd}

// ChangeCipherSpec is the content-less message that signals a key change.
// It carries no payload; its only observable effect is the epoch bump
// the record layer performs upon seeing it.
type ChangeCipherSpec struct{}

// ContentType reports ContentTypeChangeCipherSpec.
func (c *ChangeCipherSpec) ContentType() ContentType { return ContentTypeChangeCipherSpec }

// ApplicationData wraps an opaque application payload.
type ApplicationData struct {
	Data []byte
}

// ContentType reports ContentTypeApplicationData.
func (a *ApplicationData) ContentType() ContentType { return ContentTypeApplicationData }

// Kind is the MPS-level tagged alternative distinguishing the four message
// kinds the public API can hand back from Read (spec.md §3 "Message kind").
type Kind uint8

// Message kinds returned by Mps.Read.
const (
	KindHandshake Kind = iota
	KindApplicationData
	KindAlert
	KindChangeCipherSpec
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "Handshake"
	case KindApplicationData:
		return "ApplicationData"
	case KindAlert:
		return "Alert"
	case KindChangeCipherSpec:
		return "ChangeCipherSpec"
	default:
		return "Unknown"
	}
}
