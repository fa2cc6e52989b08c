package exchange

import (
	"encoding/binary"
	"testing"
)

func testRecord(isin string) FeedRecord {
	return FeedRecord{
		ISIN:      isin,
		Exchange:  "NSE",
		LTPPaise:  299950,
		ClosePais: 298000,
		Volume:    125,
		Timestamp: 1756096500,
	}
}

func TestDecodeFrameRoundsTrip(t *testing.T) {
	t.Parallel()

	frame, err := EncodeFrame([]FeedRecord{
		testRecord("INE002A01018"),
		testRecord("INE009A01021"),
	})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	records, malformed := DecodeFrame(frame)
	if malformed != 0 {
		t.Fatalf("malformed = %d, want 0", malformed)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].ISIN != "INE002A01018" || records[1].ISIN != "INE009A01021" {
		t.Errorf("isins = %q, %q", records[0].ISIN, records[1].ISIN)
	}
	if got := records[0].LTP(); got != 2999.50 {
		t.Errorf("LTP() = %v, want 2999.50", got)
	}
	if got := records[0].PrevClose(); got != 2980.00 {
		t.Errorf("PrevClose() = %v, want 2980.00", got)
	}
}

func TestDecodeFrameSkipsMalformedRecord(t *testing.T) {
	t.Parallel()

	good := testRecord("INE002A01018")
	frame, err := EncodeFrame([]FeedRecord{good})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	// A structurally valid record whose payload fails validation: zero LTP.
	bad := good
	bad.LTPPaise = 0
	badFrame, err := EncodeFrame([]FeedRecord{bad})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	records, malformed := DecodeFrame(append(badFrame, frame...))
	if malformed != 1 {
		t.Errorf("malformed = %d, want 1", malformed)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if records[0].ISIN != good.ISIN {
		t.Errorf("surviving record isin = %q, want %q", records[0].ISIN, good.ISIN)
	}
}

func TestDecodeFrameAbandonsOnBadLength(t *testing.T) {
	t.Parallel()

	good, err := EncodeFrame([]FeedRecord{testRecord("INE002A01018")})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	// Length prefix claims more bytes than the frame holds, so the good
	// record behind it is unreachable.
	corrupt := binary.BigEndian.AppendUint16(nil, 0xFFFF)
	corrupt = append(corrupt, 0x01, 0x02)

	records, malformed := DecodeFrame(append(corrupt, good...))
	if len(records) != 0 {
		t.Errorf("len(records) = %d, want 0", len(records))
	}
	if malformed != 1 {
		t.Errorf("malformed = %d, want 1", malformed)
	}
}

func TestDecodeFrameRejectsTruncatedPayload(t *testing.T) {
	t.Parallel()

	frame, err := EncodeFrame([]FeedRecord{testRecord("INE002A01018")})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	// Chop the tail off the record but keep the length prefix honest by
	// shrinking it too; the payload no longer parses.
	truncated := frame[:len(frame)-8]
	binary.BigEndian.PutUint16(truncated[:2], uint16(len(truncated)-2))

	records, malformed := DecodeFrame(truncated)
	if len(records) != 0 {
		t.Errorf("len(records) = %d, want 0", len(records))
	}
	if malformed != 1 {
		t.Errorf("malformed = %d, want 1", malformed)
	}
}

func TestDecodeFrameEmpty(t *testing.T) {
	t.Parallel()

	records, malformed := DecodeFrame(nil)
	if len(records) != 0 || malformed != 0 {
		t.Errorf("DecodeFrame(nil) = %d records, %d malformed, want 0, 0", len(records), malformed)
	}
}

func TestEncodeFrameRejectsOversizeISIN(t *testing.T) {
	t.Parallel()

	rec := testRecord("")
	if _, err := EncodeFrame([]FeedRecord{rec}); err == nil {
		t.Error("expected error for empty isin")
	}

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'A'
	}
	rec = testRecord(string(long))
	if _, err := EncodeFrame([]FeedRecord{rec}); err == nil {
		t.Error("expected error for oversize isin")
	}
}
