// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package recordlayer defines the port between the Message Processing
// Stack and "Layer 3": the already-framed-record delivery/consumption
// layer that performs AEAD and replay-window enforcement. Per spec.md §1
// this is an external collaborator named by interface only — no wire
// format, encryption or replay logic is implemented here. Concrete
// implementations (e.g. a real DTLS record layer built on
// github.com/pion/transport/v3/replaydetector and /netctx) live outside
// this repository.
package recordlayer

import (
	"errors"

	"github.com/censys-oss/mps/pkg/protocol"
	"github.com/censys-oss/mps/pkg/protocol/alert"
	"github.com/censys-oss/mps/pkg/protocol/handshake"
	"github.com/censys-oss/mps/pkg/reader"
	"github.com/censys-oss/mps/pkg/writer"
)

// ErrNeedsMore is returned by RecordLayer methods that cannot make
// progress without the transport producing or accepting more data; the
// accompanying Deps bitmask says which.
var ErrNeedsMore = errors.New("recordlayer: needs more")

// Deps is a bitmask of external dependencies blocking progress, handed
// back alongside a NeedsMore result (spec.md §4.8, §6).
type Deps uint8

// Dependency bits.
const (
	BlockRead Deps = 1 << iota
	BlockWrite
)

// Has reports whether the given bit is set.
func (d Deps) Has(bit Deps) bool { return d&bit != 0 }

// IncomingRecord is a single already-framed, already-decrypted record
// delivered by the record layer.
type IncomingRecord struct {
	Type    protocol.ContentType
	Epoch   uint16
	SeqNr   [8]byte
	Reader  *reader.Extended // only populated for ContentTypeHandshake; nil otherwise
	Alert   *alert.Alert     // only populated for ContentTypeAlert
	AppData []byte           // only populated for ContentTypeApplicationData

	// HandshakeHeader carries the fragment header for ContentTypeHandshake
	// records, mirroring what the record layer parsed off the wire.
	HandshakeHeader handshake.Header
}

// WriteHandshakeRequest is the metadata the core supplies when opening an
// outgoing handshake fragment (spec.md §6).
type WriteHandshakeRequest struct {
	Type           handshake.Type
	Epoch          uint16
	SeqNr          uint16
	Length         uint32
	FragmentOffset uint32
	FragmentLength uint32
}

// RecordLayer is the abstract port MPS consumes. Every method returns
// promptly; a method that cannot make progress returns ErrNeedsMore
// together with a Deps bitmask describing what must happen before a
// retry can succeed, per the cooperative scheduling model of spec.md §5.
type RecordLayer interface {
	// ReadNext opens the next incoming record of any content type at the
	// record layer's current notion of remote epoch.
	ReadNext() (*IncomingRecord, Deps, error)

	// ReadConsume commits the record layer's position past the record
	// most recently returned by ReadNext.
	ReadConsume() error

	// WriteHandshake opens an extended writer for a handshake fragment
	// described by req.
	WriteHandshake(req WriteHandshakeRequest) (*writer.Extended, error)

	// WriteApplication opens a writer for application data at epoch.
	WriteApplication(epoch uint16) (*writer.Writer, error)

	// WriteAlert queues an alert for the given epoch.
	WriteAlert(epoch uint16, a alert.Alert) error

	// WriteCCS queues a ChangeCipherSpec for the given epoch.
	WriteCCS(epoch uint16) error

	// Dispatch finalizes the current outgoing record.
	Dispatch() error

	// Flush pushes any dispatched records to the transport.
	Flush() (Deps, error)

	// ForceNextRecordSeq overrides the record sequence number the next
	// outgoing record will use. This exists solely to let the handshake
	// logic satisfy the DTLS HelloVerifyRequest requirement that a reply
	// reuse the request's record sequence number (spec.md §4.8); it
	// breaks the record layer's usual sequencing by design.
	ForceNextRecordSeq(seq [8]byte) error

	// GetCurrentRecordSeq returns the sequence number of the record
	// currently being read, for ForceNextRecordSeq's counterpart use.
	GetCurrentRecordSeq() [8]byte
}
