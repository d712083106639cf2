package spreadsheet

import (
	"testing"
)

func TestDecodeSheetsFromArraySkipsMissingIDs(testContext *testing.T) {
	sheets, reserved, err := DecodeSheets(`[{"id":"s2","order":2},{"name":"orphan"},{"id":"s1","order":"1"}]`)
	if err != nil {
		testContext.Fatalf("decode: %v", err)
	}
	if len(reserved) != 0 {
		testContext.Fatalf("did not expect reserved keys from an array")
	}
	if len(sheets) != 2 {
		testContext.Fatalf("expected two sheets, got %d", len(sheets))
	}
	SortSheets(sheets)
	if sheets[0].ID != "s1" || sheets[0].Order != 1 {
		testContext.Fatalf("expected string order to be read numerically, got %+v", sheets[0])
	}
}

func TestDecodeSheetsFromMapSeparatesReservedKeys(testContext *testing.T) {
	sheets, reserved, err := DecodeSheets(`{"s1":{"id":"s1"},"_version":3,"s0":{"id":"s0","order":-1}}`)
	if err != nil {
		testContext.Fatalf("decode: %v", err)
	}
	if len(sheets) != 2 || string(reserved["_version"]) != "3" {
		testContext.Fatalf("unexpected decode %+v %v", sheets, reserved)
	}
	SortSheets(sheets)
	if sheets[0].ID != "s0" || sheets[1].Order != 0 {
		testContext.Fatalf("expected missing order to sort as zero, got %+v", sheets)
	}
}

func TestDecodeSheetsMalformed(testContext *testing.T) {
	if _, _, err := DecodeSheets(`[{"id":`); err == nil {
		testContext.Fatalf("expected malformed array to fail")
	}
	if _, _, err := DecodeSheets(`nonsense`); err == nil {
		testContext.Fatalf("expected unparseable blob to fail")
	}
	sheets, _, err := DecodeSheets("   ")
	if err != nil || sheets != nil {
		testContext.Fatalf("expected empty blob to decode to nothing")
	}
}

func TestSortSheetsIsStable(testContext *testing.T) {
	sheets := []Sheet{{ID: "b"}, {ID: "a"}, {ID: "c", Order: -1}}
	SortSheets(sheets)
	if sheets[0].ID != "c" || sheets[1].ID != "b" || sheets[2].ID != "a" {
		testContext.Fatalf("unexpected order %+v", sheets)
	}
	encoded, err := EncodeSheets([]Sheet{{ID: "a", Payload: []byte(`{"id":"a"}`)}})
	if err != nil || encoded != `[{"id":"a"}]` {
		testContext.Fatalf("unexpected encoding %s err=%v", encoded, err)
	}
}
