package cryptoadapter

import (
	"encoding/json"
	"testing"
)

func TestCommitmentKnownVector(t *testing.T) {
	publicKey := "Q/NmNFEUS1fS+YeEmiZkjjblKTitrKOAk7cPEumcMlg"
	start := json.RawMessage(`{
		"from_device":"XOWLHHFSWM",
		"transaction_id":"bYxBsirjUJO9osar6ST4i2M2NjrYLA7l",
		"method":"m.sas.v1",
		"key_agreement_protocols":["curve25519-hkdf-sha256","curve25519"],
		"hashes":["sha256"],
		"message_authentication_codes":["hkdf-hmac-sha256","hmac-sha256"],
		"short_authentication_string":["decimal","emoji"]
	}`)

	got, err := Commitment(publicKey, start)
	if err != nil {
		t.Fatalf("commitment: %v", err)
	}
	want := "CCQmB4JCdB0FW21FdAnHj/Hu8+W9+Nb0vgwPEnZZQ4g"
	if got != want {
		t.Errorf("commitment = %q, want %q", got, want)
	}
}

func TestEmojiIndicesBounds(t *testing.T) {
	zero := bytesToEmojiIndices([6]byte{0, 0, 0, 0, 0, 0})
	for i, idx := range zero {
		if idx != 0 {
			t.Errorf("zero input index %d = %d, want 0", i, idx)
		}
	}
	if emojiTable[0].Value != "🐶" || emojiTable[0].Name != "Dog" {
		t.Errorf("emoji 0 = %v, want Dog", emojiTable[0])
	}

	max := bytesToEmojiIndices([6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	for i, idx := range max {
		if idx != 63 {
			t.Errorf("max input index %d = %d, want 63", i, idx)
		}
	}
	if emojiTable[63].Value != "📌" || emojiTable[63].Name != "Pin" {
		t.Errorf("emoji 63 = %v, want Pin", emojiTable[63])
	}
}

func TestEmojiIndicesAlwaysInRange(t *testing.T) {
	inputs := [][6]byte{
		{0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC},
		{0x01, 0x00, 0x00, 0x00, 0x00, 0x01},
		{0x80, 0x80, 0x80, 0x80, 0x80, 0x80},
	}
	for _, in := range inputs {
		indices := bytesToEmojiIndices(in)
		for i, idx := range indices {
			if idx < 0 || idx > 63 {
				t.Errorf("input %x index %d = %d out of range", in, i, idx)
			}
		}
	}
}

func TestDecimalBounds(t *testing.T) {
	zero := bytesToDecimal([5]byte{0, 0, 0, 0, 0})
	if zero != [3]int{1000, 1000, 1000} {
		t.Errorf("zero input = %v, want (1000, 1000, 1000)", zero)
	}
	max := bytesToDecimal([5]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	if max != [3]int{9191, 9191, 9191} {
		t.Errorf("max input = %v, want (9191, 9191, 9191)", max)
	}
}

func TestSASAgreement(t *testing.T) {
	alice, err := NewSAS()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := NewSAS()
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.SetTheirPublicKey(bob.PublicKeyBase64()); err != nil {
		t.Fatal(err)
	}
	if err := bob.SetTheirPublicKey(alice.PublicKeyBase64()); err != nil {
		t.Fatal(err)
	}

	info := "MATRIX_KEY_VERIFICATION_SAS|test"
	a, err := alice.GenerateBytes(info, 6)
	if err != nil {
		t.Fatal(err)
	}
	b, err := bob.GenerateBytes(info, 6)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Errorf("derived bytes differ: %x vs %x", a, b)
	}

	aMac, err := alice.CalculateMAC([]byte("ed25519:DEVICE"), info+"KEY_IDS")
	if err != nil {
		t.Fatal(err)
	}
	bMac, err := bob.CalculateMAC([]byte("ed25519:DEVICE"), info+"KEY_IDS")
	if err != nil {
		t.Fatal(err)
	}
	if aMac != bMac {
		t.Errorf("MACs differ: %s vs %s", aMac, bMac)
	}
}

func TestSASRequiresTheirKey(t *testing.T) {
	s, err := NewSAS()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.GenerateBytes("info", 6); err == nil {
		t.Error("expected error before peer key is set")
	}
}

func TestExtraInfoSASWireFormat(t *testing.T) {
	ids := SasIDs{
		AccountUserID:   "@alice:example.org",
		AccountDeviceID: "ALICEDEV",
		OtherUserID:     "@bob:example.org",
		OtherDeviceID:   "BOBDEV",
	}
	// The exact wire format: every field pipe-delimited, starting party
	// first, each side as user id, device id, public key. Any deviation
	// breaks SAS agreement with other Matrix clients.
	want := "MATRIX_KEY_VERIFICATION_SAS" +
		"|@alice:example.org|ALICEDEV|alicePub" +
		"|@bob:example.org|BOBDEV|bobPub" +
		"|txn"
	if got := ExtraInfoSAS(ids, "alicePub", "bobPub", "txn", true); got != want {
		t.Errorf("info = %q, want %q", got, want)
	}

	// The responder (weStarted=false) swaps the sides, keeping the
	// starting party first.
	wantResponder := "MATRIX_KEY_VERIFICATION_SAS" +
		"|@bob:example.org|BOBDEV|bobPub" +
		"|@alice:example.org|ALICEDEV|alicePub" +
		"|txn"
	if got := ExtraInfoSAS(ids, "alicePub", "bobPub", "txn", false); got != wantResponder {
		t.Errorf("responder info = %q, want %q", got, wantResponder)
	}
}

func TestExtraInfoOrderingIsRoleIndependent(t *testing.T) {
	ids := SasIDs{
		AccountUserID:   "@alice:example.org",
		AccountDeviceID: "ALICEDEV",
		OtherUserID:     "@bob:example.org",
		OtherDeviceID:   "BOBDEV",
	}
	mirror := SasIDs{
		AccountUserID:   "@bob:example.org",
		AccountDeviceID: "BOBDEV",
		OtherUserID:     "@alice:example.org",
		OtherDeviceID:   "ALICEDEV",
	}
	// Alice started the flow: her info (weStarted=true) must equal Bob's
	// (weStarted=false) with the key order flipped to match.
	aliceInfo := ExtraInfoSAS(ids, "alicePub", "bobPub", "txn", true)
	bobInfo := ExtraInfoSAS(mirror, "bobPub", "alicePub", "txn", false)
	if aliceInfo != bobInfo {
		t.Errorf("info strings differ:\n  %s\n  %s", aliceInfo, bobInfo)
	}
}

func TestExtraMacInfoMirrors(t *testing.T) {
	ids := SasIDs{
		AccountUserID:   "@alice:example.org",
		AccountDeviceID: "ALICEDEV",
		OtherUserID:     "@bob:example.org",
		OtherDeviceID:   "BOBDEV",
	}
	mirror := SasIDs{
		AccountUserID:   "@bob:example.org",
		AccountDeviceID: "BOBDEV",
		OtherUserID:     "@alice:example.org",
		OtherDeviceID:   "ALICEDEV",
	}
	if ExtraMacInfoSend(ids, "txn") != ExtraMacInfoReceive(mirror, "txn") {
		t.Error("sender's send info must equal receiver's receive info")
	}
}
