package hl7v2

import (
	"testing"
)

const sampleADT = "MSH|^~\\&|SendingApp|SendingFac|ReceivingApp|ReceivingFac|20240115143025||ADT^A01|MSG00001|P|2.5.1\rEVN|A01|20240115143025\rPID|1||MRN12345^^^MRNAuth||Doe^John^A||19800515|M|||123 Main St^^Springfield^IL^62701||555-555-1234\rPV1|1|I|ICU^101^A||||1234^Smith^Robert|||MED||||||||I|VN12345"

const sampleORU = "MSH|^~\\&|LabSystem|LabFac|Bridge|BridgeFac|20240115150000||ORU^R01|MSG00002|P|2.5.1\rPID|1||MRN12345^^^MRNAuth||Doe^John||19800515|M\rOBR|1|ORD001|LAB001|85025^CBC^LN|||20240115140000\rOBX|1|NM|718-7^Hemoglobin^LN||13.5|g/dL|12.0-17.5|N|||F\rOBX|2|NM|4544-3^Hematocrit^LN||40.1|%|36.0-53.0|N|||F"

const sampleWithZSegment = "MSH|^~\\&|App|Fac|||20240115143025||ADT^A01|CTRL1|P|2.5.1\rPID|1||MRN001||Smith^Jane\rZIN|GRP001|AETNA|PPO|20240101"

func TestParse_ADT_A01(t *testing.T) {
	msg, err := Parse([]byte(sampleADT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Type != "ADT^A01" {
		t.Errorf("expected Type 'ADT^A01', got %q", msg.Type)
	}
	if msg.ControlID != "MSG00001" {
		t.Errorf("expected ControlID 'MSG00001', got %q", msg.ControlID)
	}
	if msg.Version != "2.5.1" {
		t.Errorf("expected Version '2.5.1', got %q", msg.Version)
	}
	if msg.SendingApp != "SendingApp" {
		t.Errorf("expected SendingApp 'SendingApp', got %q", msg.SendingApp)
	}
	if msg.ReceivingFac != "ReceivingFac" {
		t.Errorf("expected ReceivingFac 'ReceivingFac', got %q", msg.ReceivingFac)
	}
	if msg.Timestamp.Year() != 2024 || msg.Timestamp.Month() != 1 || msg.Timestamp.Day() != 15 {
		t.Errorf("unexpected timestamp: %v", msg.Timestamp)
	}
}

func TestParse_MultipleSegments(t *testing.T) {
	msg, err := Parse([]byte(sampleADT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(msg.Segments) != 4 {
		t.Errorf("expected 4 segments, got %d", len(msg.Segments))
	}

	names := []string{"MSH", "EVN", "PID", "PV1"}
	for i, name := range names {
		if msg.Segments[i].Name != name {
			t.Errorf("expected segment %d to be %q, got %q", i, name, msg.Segments[i].Name)
		}
	}
}

func TestParse_EmptyInput(t *testing.T) {
	_, err := Parse([]byte{})
	if err == nil {
		t.Error("expected error for empty input")
	}
}

func TestParse_NilInput(t *testing.T) {
	_, err := Parse(nil)
	if err == nil {
		t.Error("expected error for nil input")
	}
}

func TestParse_NoMSH(t *testing.T) {
	_, err := Parse([]byte("PID|1||MRN12345\rPV1|1|I"))
	if err == nil {
		t.Error("expected error for message without MSH")
	}
}

func TestParse_Components(t *testing.T) {
	msg, err := Parse([]byte(sampleADT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pid := msg.GetSegment("PID")
	if pid == nil {
		t.Fatal("expected PID segment")
	}

	// PID-5 = Doe^John^A
	if got := pid.GetComponent(5, 1); got != "Doe" {
		t.Errorf("expected PID-5.1 'Doe', got %q", got)
	}
	if got := pid.GetComponent(5, 2); got != "John" {
		t.Errorf("expected PID-5.2 'John', got %q", got)
	}
	if got := pid.GetComponent(5, 3); got != "A" {
		t.Errorf("expected PID-5.3 'A', got %q", got)
	}
}

func TestParse_Repetitions(t *testing.T) {
	raw := "MSH|^~\\&|App|Fac|||20240115143025||ADT^A01|CTRL1|P|2.5.1\rPID|1||ID1~ID2~ID3||Doe^John"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pid := msg.GetSegment("PID")
	if pid == nil {
		t.Fatal("expected PID segment")
	}
	if len(pid.Fields) < 3 {
		t.Fatalf("expected at least 3 fields in PID, got %d", len(pid.Fields))
	}

	field := pid.Fields[2] // PID-3
	if len(field.Repeats) != 3 {
		t.Errorf("expected 3 repetitions, got %d", len(field.Repeats))
	}
	if len(field.Repeats) >= 1 && (len(field.Repeats[0]) == 0 || field.Repeats[0][0] != "ID1") {
		t.Errorf("expected first repetition 'ID1', got %v", field.Repeats[0])
	}
}

func TestParse_ORU_R01(t *testing.T) {
	msg, err := Parse([]byte(sampleORU))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Type != "ORU^R01" {
		t.Errorf("expected Type 'ORU^R01', got %q", msg.Type)
	}

	obxSegments := msg.GetSegments("OBX")
	if len(obxSegments) != 2 {
		t.Fatalf("expected 2 OBX segments, got %d", len(obxSegments))
	}

	if val := obxSegments[0].GetField(5); val != "13.5" {
		t.Errorf("expected OBX-5 '13.5', got %q", val)
	}
	if unit := obxSegments[0].GetField(6); unit != "g/dL" {
		t.Errorf("expected OBX-6 'g/dL', got %q", unit)
	}
}

func TestParse_CustomSegment(t *testing.T) {
	msg, err := Parse([]byte(sampleWithZSegment))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	zin := msg.GetSegment("ZIN")
	if zin == nil {
		t.Fatal("expected ZIN segment")
	}
	if !zin.IsCustom() {
		t.Error("expected ZIN to be reported as custom")
	}
	if zin.GetField(2) != "AETNA" {
		t.Errorf("expected ZIN-2 'AETNA', got %q", zin.GetField(2))
	}

	pid := msg.GetSegment("PID")
	if pid.IsCustom() {
		t.Error("expected PID not to be reported as custom")
	}
}

func TestParse_MSHFieldNumbering(t *testing.T) {
	msg, err := Parse([]byte(sampleADT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msh := msg.GetSegment("MSH")
	if msh == nil {
		t.Fatal("expected MSH segment")
	}
	if got := msh.GetField(1); got != "|" {
		t.Errorf("expected MSH-1 '|', got %q", got)
	}
	if got := msh.GetField(2); got != "^~\\&" {
		t.Errorf("expected MSH-2 '^~\\&', got %q", got)
	}
	if got := msh.GetField(9); got != "ADT^A01" {
		t.Errorf("expected MSH-9 'ADT^A01', got %q", got)
	}
}

func TestParse_WindowsLineEndings(t *testing.T) {
	raw := "MSH|^~\\&|App|Fac|||20240115143025||ADT^A01|CTRL1|P|2.5.1\r\nPID|1||MRN001||Smith^Jane\r\n"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.GetSegment("PID") == nil {
		t.Fatal("expected PID segment with \\r\\n line endings")
	}
}

func TestParse_UnixLineEndings(t *testing.T) {
	raw := "MSH|^~\\&|App|Fac|||20240115143025||ADT^A01|CTRL1|P|2.5.1\nPID|1||MRN001||Smith^Jane\n"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.GetSegment("PID") == nil {
		t.Fatal("expected PID segment with \\n line endings")
	}
}

func TestSegment_GetComponent_OutOfRange(t *testing.T) {
	msg, err := Parse([]byte(sampleADT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pid := msg.GetSegment("PID")
	if got := pid.GetComponent(3, 99); got != "" {
		t.Errorf("expected empty string for out-of-range component, got %q", got)
	}
	if got := pid.GetComponent(99, 1); got != "" {
		t.Errorf("expected empty string for out-of-range field, got %q", got)
	}
}

func TestMLLPFraming_RoundTrip(t *testing.T) {
	framed := FrameMessage([]byte(sampleADT))
	if framed[0] != MLLPStartBlock {
		t.Errorf("expected start block 0x0B, got 0x%02X", framed[0])
	}

	msg, rest, found := UnframeMessage(framed)
	if !found {
		t.Fatal("expected a complete frame")
	}
	if string(msg) != sampleADT {
		t.Error("unframed message does not match original")
	}
	if len(rest) != 0 {
		t.Errorf("expected no trailing bytes, got %d", len(rest))
	}
}

func TestUnframeMessage_Partial(t *testing.T) {
	framed := FrameMessage([]byte(sampleADT))
	_, _, found := UnframeMessage(framed[:len(framed)-2])
	if found {
		t.Error("expected incomplete frame not to be found")
	}
}

func TestGenerateACK(t *testing.T) {
	msg, err := Parse([]byte(sampleADT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ack := GenerateACK(msg, "AA")
	if ack.Type != "ACK^A01" {
		t.Errorf("expected ACK^A01, got %q", ack.Type)
	}
	if ack.SendingApp != msg.ReceivingApp {
		t.Error("expected ACK sending app to be original receiving app")
	}

	msa := ack.GetSegment("MSA")
	if msa == nil {
		t.Fatal("expected MSA segment")
	}
	if msa.GetField(1) != "AA" {
		t.Errorf("expected MSA-1 'AA', got %q", msa.GetField(1))
	}
	if msa.GetField(2) != "MSG00001" {
		t.Errorf("expected MSA-2 'MSG00001', got %q", msa.GetField(2))
	}
}
