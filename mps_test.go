// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package mps

import (
	"bytes"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/censys-oss/mps/pkg/flight"
	"github.com/censys-oss/mps/pkg/outgoing"
	"github.com/censys-oss/mps/pkg/protocol"
	"github.com/censys-oss/mps/pkg/protocol/alert"
	"github.com/censys-oss/mps/pkg/protocol/handshake"
	"github.com/censys-oss/mps/pkg/reader"
	"github.com/censys-oss/mps/pkg/recordlayer"
	"github.com/censys-oss/mps/pkg/retransmit"
	"github.com/censys-oss/mps/pkg/writer"
)

// fakeTimer is a manually-driven flight.Timer, the same shape
// pkg/flight's own tests use.
type fakeTimer struct {
	next          flight.TimerState
	setTimerCalls int
}

func (f *fakeTimer) SetTimer(intermediateMS, finalMS int) { f.setTimerCalls++ }
func (f *fakeTimer) GetTimer() flight.TimerState           { return f.next }

// fakeTransform is a no-op epoch.Transform, sufficient to exercise the
// registry's bookkeeping without a real AEAD implementation.
type fakeTransform struct{ closed bool }

func (f *fakeTransform) Close() error { f.closed = true; return nil }

// fakeRecordLayer is a minimal in-memory recordlayer.RecordLayer: a
// caller-seeded queue of incoming records plus dispatched-bytes capture
// for outgoing records, mirroring pkg/flight and pkg/outgoing's own test
// doubles rather than introducing a new stubbing style.
type fakeRecordLayer struct {
	recordCap int

	incoming []*recordlayer.IncomingRecord
	readPos  int

	dispatched [][]byte
	ccsWrites  int
	alertsSent []alert.Alert

	cur    *writer.Extended
	curBuf []byte
}

func newFakeRecordLayer(recordCap int) *fakeRecordLayer {
	return &fakeRecordLayer{recordCap: recordCap}
}

func (f *fakeRecordLayer) ReadNext() (*recordlayer.IncomingRecord, recordlayer.Deps, error) {
	if f.readPos >= len(f.incoming) {
		return nil, recordlayer.BlockRead, recordlayer.ErrNeedsMore
	}
	rec := f.incoming[f.readPos]
	return rec, 0, nil
}

func (f *fakeRecordLayer) ReadConsume() error {
	f.readPos++
	return nil
}

func (f *fakeRecordLayer) WriteHandshake(req recordlayer.WriteHandshakeRequest) (*writer.Extended, error) {
	capacity := f.recordCap
	if int(req.FragmentLength) < capacity {
		capacity = int(req.FragmentLength)
	}
	f.curBuf = make([]byte, capacity)
	f.cur = writer.NewExtended(writer.New(f.curBuf), int(req.FragmentLength))
	return f.cur, nil
}

func (f *fakeRecordLayer) WriteApplication(epoch uint16) (*writer.Writer, error) {
	buf := make([]byte, f.recordCap)
	return writer.New(buf), nil
}

func (f *fakeRecordLayer) WriteAlert(epoch uint16, a alert.Alert) error {
	f.alertsSent = append(f.alertsSent, a)
	return nil
}

func (f *fakeRecordLayer) WriteCCS(epoch uint16) error {
	f.ccsWrites++
	return nil
}

func (f *fakeRecordLayer) Dispatch() error {
	if f.cur == nil {
		return nil
	}
	f.dispatched = append(f.dispatched, append([]byte{}, f.curBuf[:f.cur.Writer.BufLen()]...))
	f.cur = nil
	return nil
}

func (f *fakeRecordLayer) Flush() (recordlayer.Deps, error)     { return 0, nil }
func (f *fakeRecordLayer) ForceNextRecordSeq(seq [8]byte) error { return nil }
func (f *fakeRecordLayer) GetCurrentRecordSeq() [8]byte         { return [8]byte{} }

// handshakeRecord builds a single-fragment (NoFragmentation) incoming
// handshake record, the common case this test file exercises.
func handshakeRecord(msgType handshake.Type, epochID uint16, seqNr uint16, payload []byte) *recordlayer.IncomingRecord {
	return &recordlayer.IncomingRecord{
		Type:   protocol.ContentTypeHandshake,
		Epoch:  epochID,
		Reader: reader.NewExtended(reader.New(payload), len(payload)),
		HandshakeHeader: handshake.Header{
			Type:            msgType,
			Length:          uint32(len(payload)),
			MessageSequence: seqNr,
			FragmentOffset:  0,
			FragmentLength:  uint32(len(payload)),
		},
	}
}

func alertRecord(a alert.Alert) *recordlayer.IncomingRecord {
	return &recordlayer.IncomingRecord{Type: protocol.ContentTypeAlert, Alert: &a}
}

func newTestMps(t *testing.T, rl *fakeRecordLayer, timer *fakeTimer) *Mps {
	t.Helper()
	m, err := NewMps(rl, timer, nil)
	if err != nil {
		t.Fatalf("NewMps: %v", err)
	}
	return m
}

func TestNewMpsRejectsNilArgs(t *testing.T) {
	if _, err := NewMps(nil, &fakeTimer{}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("NewMps(nil rl): got %v, want ErrInvalidArgument", err)
	}
	if _, err := NewMps(newFakeRecordLayer(64), nil, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("NewMps(nil timer): got %v, want ErrInvalidArgument", err)
	}
}

func TestGuardStatesRejectAsSpecified(t *testing.T) {
	rl := newFakeRecordLayer(64)
	m := newTestMps(t, rl, &fakeTimer{})

	m.state = WriteOnly
	if _, err := m.Read(); !errors.Is(err, ErrWriteOnly) {
		t.Errorf("Read in WriteOnly: got %v, want ErrWriteOnly", err)
	}

	m.state = ReadOnly
	if _, err := m.WriteApplication(); !errors.Is(err, ErrReadOnly) {
		t.Errorf("WriteApplication in ReadOnly: got %v, want ErrReadOnly", err)
	}

	m.state = Closed
	if _, err := m.Read(); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Read in Closed: got %v, want ErrConnClosed", err)
	}
	if err := m.Flush(); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Flush in Closed: got %v, want ErrConnClosed", err)
	}

	m.state = Blocked
	if _, err := m.Read(); !errors.Is(err, ErrBlocked) {
		t.Errorf("Read in Blocked: got %v, want ErrBlocked", err)
	}
	if _, err := m.WriteApplication(); !errors.Is(err, ErrBlocked) {
		t.Errorf("WriteApplication in Blocked: got %v, want ErrBlocked", err)
	}
	if err := m.Flush(); err != nil {
		t.Errorf("Flush in Blocked: got %v, want nil (the one entry point still allowed)", err)
	}
}

func TestWriteHandshakeRoundTripTransitionsFlight(t *testing.T) {
	rl := newFakeRecordLayer(64)
	m := newTestMps(t, rl, &fakeTimer{})

	id := m.AddKeyMaterial(&fakeTransform{})
	if err := m.SetOutgoingKeys(id); err != nil {
		t.Fatalf("SetOutgoingKeys: %v", err)
	}

	payload := []byte("client hello body")
	w, err := m.WriteHandshake(handshake.TypeClientHello, uint32(len(payload)), nil, nil)
	if err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	if got := m.flightMachine.State(); got != flight.Send {
		t.Fatalf("flight state after WriteHandshake: got %v, want Send", got)
	}
	dst, err := w.RequestBuffer(len(payload))
	if err != nil {
		t.Fatalf("RequestBuffer: %v", err)
	}
	copy(dst, payload)
	if err := w.Commit(len(payload)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := m.WriteSetFlags(handshake.FlagsEndsFlight); err != nil {
		t.Fatalf("WriteSetFlags: %v", err)
	}
	if err := m.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if got := m.flightMachine.State(); got != flight.Await {
		t.Errorf("flight state after Dispatch(EndsFlight): got %v, want Await", got)
	}
	if len(rl.dispatched) != 1 || !bytes.Equal(rl.dispatched[0], payload) {
		t.Errorf("dispatched records: got %v, want [%q]", rl.dispatched, payload)
	}
	if m.outSeq != 1 {
		t.Errorf("outSeq after one WriteHandshake: got %d, want 1", m.outSeq)
	}
}

func TestReadHandshakeInstallsDetectionTableOnFlightEnd(t *testing.T) {
	rl := newFakeRecordLayer(64)
	timer := &fakeTimer{}
	m := newTestMps(t, rl, timer)

	inID := m.AddKeyMaterial(&fakeTransform{})
	if err := m.SetIncomingKeys(inID); err != nil {
		t.Fatalf("SetIncomingKeys: %v", err)
	}
	outID := m.AddKeyMaterial(&fakeTransform{})
	if err := m.SetOutgoingKeys(outID); err != nil {
		t.Fatalf("SetOutgoingKeys: %v", err)
	}

	// Drive the flight machine through an outgoing flight so the peer's
	// reply below lands while in Await, the only state PeerMessageArrived
	// accepts.
	if err := m.flightMachine.BeginFlight(); err != nil {
		t.Fatalf("BeginFlight: %v", err)
	}
	if err := m.flightMachine.DispatchedEndFlight(false); err != nil {
		t.Fatalf("DispatchedEndFlight: %v", err)
	}

	payload := []byte("server hello body")
	rl.incoming = append(rl.incoming, handshakeRecord(handshake.TypeServerHello, uint16(inID), 0, payload))

	kind, err := m.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if kind != protocol.KindHandshake {
		t.Fatalf("Read kind: got %v, want KindHandshake", kind)
	}
	if got := m.flightMachine.State(); got != flight.Receive {
		t.Fatalf("flight state after first incoming record: got %v, want Receive", got)
	}

	ext, msg, err := m.ReadHandshake()
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if msg.Type != handshake.TypeServerHello || msg.SeqNr != 0 {
		t.Errorf("reassembled message metadata: got %+v", msg)
	}
	got := ext.Request(len(payload))
	if !bytes.Equal(got, payload) {
		t.Errorf("reassembled payload: got %q, want %q", got, payload)
	}

	if err := m.ReadSetFlags(handshake.FlagsEndsFlight); err != nil {
		t.Fatalf("ReadSetFlags: %v", err)
	}
	if err := m.ReadConsume(); err != nil {
		t.Fatalf("ReadConsume: %v", err)
	}

	if got := m.flightMachine.State(); got != flight.Send {
		t.Errorf("flight state after ReadConsume(EndsFlight): got %v, want Send", got)
	}
	if matched, _ := m.detect.Observe(inID, 0); !matched {
		t.Errorf("detection table: (epoch=%d, seq=0) not installed after FlightReceived", inID)
	}
}

func TestReadRetransmissionTriggersResend(t *testing.T) {
	rl := newFakeRecordLayer(64)
	m := newTestMps(t, rl, &fakeTimer{})

	inID := m.AddKeyMaterial(&fakeTransform{})
	m.SetIncomingKeys(inID)
	outID := m.AddKeyMaterial(&fakeTransform{})
	m.SetOutgoingKeys(outID)

	// Install a detection entry for (inID, 5) directly, as if it were the
	// tail of a previously received flight, and seed a one-backup
	// outgoing flight as if we had already replied to it.
	m.detect.Install([]retransmit.FlightEntry{{Epoch: inID, SeqNr: 5}})
	if err := m.outFlight.Install(outgoing.Backup{Kind: outgoing.BackupCCS, Epoch: outID}); err != nil {
		t.Fatalf("seed backup: %v", err)
	}

	rl.incoming = append(rl.incoming, handshakeRecord(handshake.TypeClientHello, uint16(inID), 5, []byte("replayed")))

	// The replayed record is recognized and absorbed by the detection
	// table rather than reassembled, so Read finds nothing further behind
	// it and reports ErrWantRead, exactly as if the queue had been empty.
	if _, err := m.Read(); !errors.Is(err, ErrWantRead) {
		t.Fatalf("Read after a detected replay: got %v, want ErrWantRead", err)
	}
	if rl.ccsWrites != 1 {
		t.Errorf("ccsWrites after replay-triggered resend: got %d, want 1", rl.ccsWrites)
	}
	if m.retransmissions != 1 {
		t.Errorf("retransmissions counter: got %d, want 1", m.retransmissions)
	}
}

func TestSendFatalEntersBlocked(t *testing.T) {
	rl := newFakeRecordLayer(64)
	m := newTestMps(t, rl, &fakeTimer{})
	outID := m.AddKeyMaterial(&fakeTransform{})
	m.SetOutgoingKeys(outID)

	a := alert.Alert{Level: alert.Fatal, Description: alert.DecodeError}
	err := m.SendFatal(a)
	if !errors.Is(err, ErrFatalAlertSent) {
		t.Fatalf("SendFatal error: got %v, want ErrFatalAlertSent", err)
	}
	if m.state != Blocked {
		t.Fatalf("state after SendFatal: got %v, want Blocked", m.state)
	}
	if m.block.reason != BlockReasonAlertSent {
		t.Errorf("block reason: got %v, want AlertSent", m.block.reason)
	}
	if len(rl.alertsSent) != 1 || rl.alertsSent[0] != a {
		t.Errorf("alert dispatched to record layer: got %v, want [%v]", rl.alertsSent, a)
	}
	if _, err := m.Read(); !errors.Is(err, ErrBlocked) {
		t.Errorf("Read after SendFatal: got %v, want ErrBlocked", err)
	}
}

func TestReadFatalAlertReceivedEntersBlocked(t *testing.T) {
	rl := newFakeRecordLayer(64)
	m := newTestMps(t, rl, &fakeTimer{})
	rl.incoming = append(rl.incoming, alertRecord(alert.Alert{Level: alert.Fatal, Description: alert.UnexpectedMessage}))

	_, err := m.Read()
	if !errors.Is(err, ErrFatalAlertReceived) {
		t.Fatalf("Read with incoming fatal alert: got %v, want ErrFatalAlertReceived", err)
	}
	if m.state != Blocked {
		t.Errorf("state after fatal alert received: got %v, want Blocked", m.state)
	}
	if m.block.reason != BlockReasonAlertReceived {
		t.Errorf("block reason: got %v, want AlertReceived", m.block.reason)
	}
}

func TestCloseThenPeerCloseNotifyReachesClosed(t *testing.T) {
	rl := newFakeRecordLayer(64)
	m := newTestMps(t, rl, &fakeTimer{})
	outID := m.AddKeyMaterial(&fakeTransform{})
	m.SetOutgoingKeys(outID)
	inID := m.AddKeyMaterial(&fakeTransform{})
	m.SetIncomingKeys(inID)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.state != WriteOnly {
		t.Fatalf("state after Close: got %v, want WriteOnly", m.state)
	}
	if len(rl.alertsSent) != 1 || rl.alertsSent[0].Description != alert.CloseNotify {
		t.Fatalf("close_notify not sent: got %v", rl.alertsSent)
	}

	// Read itself stays off limits while WriteOnly (spec.md §4.8): the
	// peer's close_notify is instead observed by Flush, the one entry
	// point Close relies on being polled after it sends our own.
	if _, err := m.Read(); !errors.Is(err, ErrWriteOnly) {
		t.Fatalf("Read while WriteOnly: got %v, want ErrWriteOnly", err)
	}

	rl.incoming = append(rl.incoming, alertRecord(alert.Alert{Level: alert.Warning, Description: alert.CloseNotify}))
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush (peer close_notify): %v", err)
	}
	if m.state != Closed {
		t.Errorf("state after peer close_notify while WriteOnly: got %v, want Closed", m.state)
	}
}

func TestMetricsReflectEpochAndReassemblyState(t *testing.T) {
	rl := newFakeRecordLayer(64)
	m := newTestMps(t, rl, &fakeTimer{})

	if got := m.epochsActive(); got != 0 {
		t.Fatalf("epochsActive before AddKeyMaterial: got %d, want 0", got)
	}
	id := m.AddKeyMaterial(&fakeTransform{})
	if got := m.epochsActive(); got != 1 {
		t.Errorf("epochsActive after AddKeyMaterial: got %d, want 1", got)
	}
	if err := m.SetIncomingKeys(id); err != nil {
		t.Fatalf("SetIncomingKeys: %v", err)
	}

	if got := m.reassemblySlotsInUse(); got != 0 {
		t.Fatalf("reassemblySlotsInUse before any fragment: got %d, want 0", got)
	}
	// A fragment covering only part of a message leaves its slot non-empty
	// without making Read return anything yet.
	partial := &recordlayer.IncomingRecord{
		Type:  protocol.ContentTypeHandshake,
		Epoch: uint16(id),
		Reader: reader.NewExtended(reader.New([]byte("ab")), 2),
		HandshakeHeader: handshake.Header{
			Type: handshake.TypeCertificate, Length: 4, MessageSequence: 0,
			FragmentOffset: 0, FragmentLength: 2,
		},
	}
	rl.incoming = append(rl.incoming, partial)
	if _, err := m.Read(); !errors.Is(err, ErrWantRead) {
		t.Fatalf("Read with only a partial fragment available: got %v, want ErrWantRead", err)
	}
	if got := m.reassemblySlotsInUse(); got != 1 {
		t.Errorf("reassemblySlotsInUse after a partial fragment: got %d, want 1", got)
	}

	collector := m.Collector()
	descs := make(chan *prometheus.Desc, 8)
	collector.Describe(descs)
	close(descs)
	n := 0
	for range descs {
		n++
	}
	if n != 4 {
		t.Errorf("Collector.Describe: got %d descriptors, want 4", n)
	}

	metrics := make(chan prometheus.Metric, 8)
	collector.Collect(metrics)
	close(metrics)
	n = 0
	for range metrics {
		n++
	}
	if n != 4 {
		t.Errorf("Collector.Collect: got %d metrics, want 4", n)
	}
}
