package settlement

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func testKeypair(t *testing.T) (Address, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	addr, err := AddressFromPublicKey(pub)
	if err != nil {
		t.Fatalf("address from public key: %v", err)
	}
	return addr, priv
}

func testBlockhash() [32]byte {
	var bh [32]byte
	copy(bh[:], "test-blockhash-abcdefghijklmnopq")
	return bh
}

func TestNativeTransferRoundtrip(t *testing.T) {
	from, key := testKeypair(t)
	to, _ := testKeypair(t)

	tx := NewNativeTransfer(from, to, 270_000, testBlockhash())
	if err := tx.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	decoded, err := DecodeTransaction(tx.Encode())
	if err != nil {
		t.Fatalf("DecodeTransaction: %v", err)
	}

	payer, ok := decoded.FeePayer()
	if !ok {
		t.Fatal("expected fee payer")
	}
	if payer != from {
		t.Errorf("fee payer mismatch: got %s, want %s", payer, from)
	}

	if len(decoded.Message.Instructions) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(decoded.Message.Instructions))
	}
	d := decoded.Message.Classify(decoded.Message.Instructions[0])
	nt, ok := d.(NativeTransfer)
	if !ok {
		t.Fatalf("expected NativeTransfer, got %T", d)
	}
	if nt.Dest != to {
		t.Errorf("dest mismatch: got %s, want %s", nt.Dest, to)
	}
	if nt.Lamports != 270_000 {
		t.Errorf("lamports mismatch: got %d, want 270000", nt.Lamports)
	}
	if nt.Source != from {
		t.Errorf("source mismatch: got %s, want %s", nt.Source, from)
	}

	// The signature must cover the encoded message.
	if !ed25519.Verify(ed25519.PublicKey(from[:]), decoded.Message.Encode(), decoded.Signatures[0]) {
		t.Error("signature does not verify against the message")
	}
}

func TestTokenTransferRoundtrip(t *testing.T) {
	owner, key := testKeypair(t)
	source, _ := testKeypair(t)
	dest, _ := testKeypair(t)

	tx := NewTokenTransfer(owner, source, dest, 1_500_000, testBlockhash())
	if err := tx.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	decoded, err := DecodeTransaction(tx.Encode())
	if err != nil {
		t.Fatalf("DecodeTransaction: %v", err)
	}

	d := decoded.Message.Classify(decoded.Message.Instructions[0])
	tt, ok := d.(TokenTransfer)
	if !ok {
		t.Fatalf("expected TokenTransfer, got %T", d)
	}
	if tt.Dest != dest {
		t.Errorf("dest mismatch: got %s, want %s", tt.Dest, dest)
	}
	if tt.Amount != 1_500_000 {
		t.Errorf("amount mismatch: got %d, want 1500000", tt.Amount)
	}
}

func TestClassifyTransferChecked(t *testing.T) {
	owner, _ := testKeypair(t)
	source, _ := testKeypair(t)
	mint, _ := testKeypair(t)
	dest, _ := testKeypair(t)

	data := make([]byte, 10)
	data[0] = tokenTransferCheckedTag
	data[1] = 0x40
	data[2] = 0x42
	data[3] = 0x0f // 1_000_000 little-endian
	data[9] = 6    // decimals

	msg := Message{
		Header:          MessageHeader{NumRequiredSignatures: 1, NumReadonlyUnsigned: 1},
		AccountKeys:     []Address{owner, source, mint, dest, TokenProgramID},
		RecentBlockhash: testBlockhash(),
		Instructions: []CompiledInstruction{{
			ProgramIndex:   4,
			AccountIndexes: []uint8{1, 2, 3, 0},
			Data:           data,
		}},
	}

	d := msg.Classify(msg.Instructions[0])
	tt, ok := d.(TokenTransfer)
	if !ok {
		t.Fatalf("expected TokenTransfer, got %T", d)
	}
	if tt.Dest != dest {
		t.Errorf("checked transfer dest should be account index 2 of the instruction, got %s", tt.Dest)
	}
	if tt.Amount != 1_000_000 {
		t.Errorf("amount mismatch: got %d, want 1000000", tt.Amount)
	}
}

func TestClassifyOther(t *testing.T) {
	a, _ := testKeypair(t)
	prog, _ := testKeypair(t)

	msg := Message{
		AccountKeys: []Address{a, prog},
		Instructions: []CompiledInstruction{{
			ProgramIndex:   1,
			AccountIndexes: []uint8{0},
			Data:           []byte{0xde, 0xad},
		}},
	}

	d := msg.Classify(msg.Instructions[0])
	other, ok := d.(OtherInstruction)
	if !ok {
		t.Fatalf("expected OtherInstruction, got %T", d)
	}
	if other.Program != prog {
		t.Errorf("program mismatch: got %s, want %s", other.Program, prog)
	}
}

func TestClassifyShortSystemDataIsOther(t *testing.T) {
	from, _ := testKeypair(t)
	to, _ := testKeypair(t)

	msg := Message{
		Header:      MessageHeader{NumRequiredSignatures: 1},
		AccountKeys: []Address{from, to, SystemProgramID},
		Instructions: []CompiledInstruction{{
			ProgramIndex:   2,
			AccountIndexes: []uint8{0, 1},
			Data:           []byte{2, 0, 0, 0}, // opcode only, amount truncated
		}},
	}

	if _, ok := msg.Classify(msg.Instructions[0]).(OtherInstruction); !ok {
		t.Error("truncated transfer data should classify as OtherInstruction")
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":              {},
		"truncated sigs":     {1, 0xaa, 0xbb},
		"garbage":            bytes.Repeat([]byte{0xff}, 16),
		"huge compact count": {0xff, 0xff, 0x7f},
	}
	for name, raw := range cases {
		if _, err := DecodeTransaction(raw); err == nil {
			t.Errorf("%s: expected decode error", name)
		}
	}
}

func TestDecodeOutOfRangeAccountIndex(t *testing.T) {
	from, key := testKeypair(t)
	to, _ := testKeypair(t)

	tx := NewNativeTransfer(from, to, 1, testBlockhash())
	if err := tx.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	tx.Message.Instructions[0].AccountIndexes[1] = 9

	if _, err := DecodeTransaction(tx.Encode()); err == nil {
		t.Error("expected error for out-of-range account index")
	}
}

func TestSignRejectsWrongKey(t *testing.T) {
	from, _ := testKeypair(t)
	to, _ := testKeypair(t)
	_, wrongKey := testKeypair(t)

	tx := NewNativeTransfer(from, to, 1, testBlockhash())
	if err := tx.Sign(wrongKey); err == nil {
		t.Error("expected error signing with a key that is not the fee payer")
	}
}

func TestFeePayerAbsent(t *testing.T) {
	tx := &Transaction{Message: Message{}}
	if _, ok := tx.FeePayer(); ok {
		t.Error("expected no fee payer on empty message")
	}
}

func TestCompactU16Roundtrip(t *testing.T) {
	for _, v := range []int{0, 1, 127, 128, 255, 256, 4095} {
		var buf bytes.Buffer
		writeCompactU16(&buf, v)
		r := &wireReader{buf: buf.Bytes()}
		got, err := r.compactU16()
		if err != nil {
			t.Fatalf("compactU16(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("compactU16 roundtrip: got %d, want %d", got, v)
		}
	}
}
