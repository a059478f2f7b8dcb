package settlement

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// Wire-level opcodes for the two transfer shapes the payment layer verifies.
const (
	systemTransferOpcode     uint32 = 2
	tokenTransferTag         byte   = 3
	tokenTransferCheckedTag  byte   = 12
	signatureLength                 = 64
	maxCompactArrayLen              = 4096
)

// MessageHeader describes signer/readonly counts in a transaction message.
type MessageHeader struct {
	NumRequiredSignatures uint8
	NumReadonlySigned     uint8
	NumReadonlyUnsigned   uint8
}

// CompiledInstruction is an instruction as laid out on the wire: indexes into
// the message's account key table plus opaque program data.
type CompiledInstruction struct {
	ProgramIndex   uint8
	AccountIndexes []uint8
	Data           []byte
}

// Message is the signed portion of a transaction.
type Message struct {
	Header          MessageHeader
	AccountKeys     []Address
	RecentBlockhash [32]byte
	Instructions    []CompiledInstruction
}

// Transaction is a decoded wire transaction: signatures plus the message they
// cover.
type Transaction struct {
	Signatures [][]byte
	Message    Message
}

// DecodedInstruction is the tagged union produced by Classify. Exactly one of
// NativeTransfer, TokenTransfer or OtherInstruction.
type DecodedInstruction interface {
	isDecodedInstruction()
}

// NativeTransfer is a system-program transfer of the native coin.
type NativeTransfer struct {
	Source   Address
	Dest     Address
	Lamports uint64
}

// TokenTransfer is a token-program transfer between token accounts.
type TokenTransfer struct {
	Source Address
	Dest   Address
	Amount uint64
}

// OtherInstruction is any instruction the payment layer does not interpret.
type OtherInstruction struct {
	Program Address
}

func (NativeTransfer) isDecodedInstruction()   {}
func (TokenTransfer) isDecodedInstruction()    {}
func (OtherInstruction) isDecodedInstruction() {}

// DecodeTransaction parses raw wire bytes into a Transaction. It validates
// structural bounds but does not verify signatures; verification decisions are
// made against the decoded instruction list.
func DecodeTransaction(raw []byte) (*Transaction, error) {
	r := &wireReader{buf: raw}

	numSigs, err := r.compactU16()
	if err != nil {
		return nil, fmt.Errorf("reading signature count: %w", err)
	}
	tx := &Transaction{}
	for i := 0; i < numSigs; i++ {
		sig, err := r.bytes(signatureLength)
		if err != nil {
			return nil, fmt.Errorf("reading signature %d: %w", i, err)
		}
		tx.Signatures = append(tx.Signatures, sig)
	}

	hdr, err := r.bytes(3)
	if err != nil {
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	tx.Message.Header = MessageHeader{
		NumRequiredSignatures: hdr[0],
		NumReadonlySigned:     hdr[1],
		NumReadonlyUnsigned:   hdr[2],
	}

	numKeys, err := r.compactU16()
	if err != nil {
		return nil, fmt.Errorf("reading account key count: %w", err)
	}
	for i := 0; i < numKeys; i++ {
		raw, err := r.bytes(32)
		if err != nil {
			return nil, fmt.Errorf("reading account key %d: %w", i, err)
		}
		var a Address
		copy(a[:], raw)
		tx.Message.AccountKeys = append(tx.Message.AccountKeys, a)
	}

	bh, err := r.bytes(32)
	if err != nil {
		return nil, fmt.Errorf("reading recent blockhash: %w", err)
	}
	copy(tx.Message.RecentBlockhash[:], bh)

	numIx, err := r.compactU16()
	if err != nil {
		return nil, fmt.Errorf("reading instruction count: %w", err)
	}
	for i := 0; i < numIx; i++ {
		ix, err := readInstruction(r, numKeys)
		if err != nil {
			return nil, fmt.Errorf("reading instruction %d: %w", i, err)
		}
		tx.Message.Instructions = append(tx.Message.Instructions, ix)
	}

	return tx, nil
}

func readInstruction(r *wireReader, numKeys int) (CompiledInstruction, error) {
	var ix CompiledInstruction

	progIdx, err := r.byte()
	if err != nil {
		return ix, fmt.Errorf("reading program index: %w", err)
	}
	if int(progIdx) >= numKeys {
		return ix, fmt.Errorf("program index %d out of range", progIdx)
	}
	ix.ProgramIndex = progIdx

	numAccts, err := r.compactU16()
	if err != nil {
		return ix, fmt.Errorf("reading account count: %w", err)
	}
	for j := 0; j < numAccts; j++ {
		idx, err := r.byte()
		if err != nil {
			return ix, fmt.Errorf("reading account index: %w", err)
		}
		if int(idx) >= numKeys {
			return ix, fmt.Errorf("account index %d out of range", idx)
		}
		ix.AccountIndexes = append(ix.AccountIndexes, idx)
	}

	dataLen, err := r.compactU16()
	if err != nil {
		return ix, fmt.Errorf("reading data length: %w", err)
	}
	data, err := r.bytes(dataLen)
	if err != nil {
		return ix, fmt.Errorf("reading data: %w", err)
	}
	ix.Data = data
	return ix, nil
}

// FeePayer returns the transaction's fee payer (the first required signer), or
// false if the message declares no signers.
func (t *Transaction) FeePayer() (Address, bool) {
	if t.Message.Header.NumRequiredSignatures == 0 || len(t.Message.AccountKeys) == 0 {
		return Address{}, false
	}
	return t.Message.AccountKeys[0], true
}

// Classify interprets a compiled instruction against the message's account
// table and returns the matching member of the DecodedInstruction union.
func (m *Message) Classify(ix CompiledInstruction) DecodedInstruction {
	program := m.AccountKeys[ix.ProgramIndex]

	switch program {
	case SystemProgramID:
		if len(ix.Data) >= 12 &&
			binary.LittleEndian.Uint32(ix.Data[0:4]) == systemTransferOpcode &&
			len(ix.AccountIndexes) >= 2 {
			return NativeTransfer{
				Source:   m.AccountKeys[ix.AccountIndexes[0]],
				Dest:     m.AccountKeys[ix.AccountIndexes[1]],
				Lamports: binary.LittleEndian.Uint64(ix.Data[4:12]),
			}
		}
	case TokenProgramID:
		if len(ix.Data) >= 9 && ix.Data[0] == tokenTransferTag && len(ix.AccountIndexes) >= 3 {
			return TokenTransfer{
				Source: m.AccountKeys[ix.AccountIndexes[0]],
				Dest:   m.AccountKeys[ix.AccountIndexes[1]],
				Amount: binary.LittleEndian.Uint64(ix.Data[1:9]),
			}
		}
		// TransferChecked carries the mint at index 1 and the destination at 2.
		if len(ix.Data) >= 10 && ix.Data[0] == tokenTransferCheckedTag && len(ix.AccountIndexes) >= 4 {
			return TokenTransfer{
				Source: m.AccountKeys[ix.AccountIndexes[0]],
				Dest:   m.AccountKeys[ix.AccountIndexes[2]],
				Amount: binary.LittleEndian.Uint64(ix.Data[1:9]),
			}
		}
	}
	return OtherInstruction{Program: program}
}

// DecodedInstructions classifies every instruction in the message.
func (m *Message) DecodedInstructions() []DecodedInstruction {
	out := make([]DecodedInstruction, 0, len(m.Instructions))
	for _, ix := range m.Instructions {
		out = append(out, m.Classify(ix))
	}
	return out
}

// Encode serializes the message into its wire layout.
func (m *Message) Encode() []byte {
	var buf bytes.Buffer
	buf.Write([]byte{
		m.Header.NumRequiredSignatures,
		m.Header.NumReadonlySigned,
		m.Header.NumReadonlyUnsigned,
	})
	writeCompactU16(&buf, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		buf.Write(k[:])
	}
	buf.Write(m.RecentBlockhash[:])
	writeCompactU16(&buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		buf.WriteByte(ix.ProgramIndex)
		writeCompactU16(&buf, len(ix.AccountIndexes))
		buf.Write(ix.AccountIndexes)
		writeCompactU16(&buf, len(ix.Data))
		buf.Write(ix.Data)
	}
	return buf.Bytes()
}

// Encode serializes the full transaction (signatures plus message).
func (t *Transaction) Encode() []byte {
	var buf bytes.Buffer
	writeCompactU16(&buf, len(t.Signatures))
	for _, sig := range t.Signatures {
		buf.Write(sig)
	}
	buf.Write(t.Message.Encode())
	return buf.Bytes()
}

// Sign signs the message with the given key, which must be the fee payer's.
// The signature replaces any existing signature list.
func (t *Transaction) Sign(key ed25519.PrivateKey) error {
	payer, ok := t.FeePayer()
	if !ok {
		return fmt.Errorf("transaction has no fee payer to sign for")
	}
	pub, err := AddressFromPublicKey(key.Public().(ed25519.PublicKey))
	if err != nil {
		return err
	}
	if pub != payer {
		return fmt.Errorf("signing key does not match fee payer %s", payer)
	}
	sig := ed25519.Sign(key, t.Message.Encode())
	t.Signatures = [][]byte{sig}
	return nil
}

// Signature returns the base58 primary signature, which doubles as the
// transaction's settlement reference. Empty until Sign is called.
func (t *Transaction) Signature() string {
	if len(t.Signatures) == 0 {
		return ""
	}
	return base58.Encode(t.Signatures[0])
}

// NewNativeTransfer builds an unsigned native-coin transfer from the funder to
// the recipient.
func NewNativeTransfer(from, to Address, lamports uint64, blockhash [32]byte) *Transaction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], systemTransferOpcode)
	binary.LittleEndian.PutUint64(data[4:12], lamports)

	return &Transaction{
		Message: Message{
			Header:          MessageHeader{NumRequiredSignatures: 1, NumReadonlyUnsigned: 1},
			AccountKeys:     []Address{from, to, SystemProgramID},
			RecentBlockhash: blockhash,
			Instructions: []CompiledInstruction{{
				ProgramIndex:   2,
				AccountIndexes: []uint8{0, 1},
				Data:           data,
			}},
		},
	}
}

// NewTokenTransfer builds an unsigned token-program transfer between two token
// accounts, authorized by owner.
func NewTokenTransfer(owner, source, dest Address, amount uint64, blockhash [32]byte) *Transaction {
	data := make([]byte, 9)
	data[0] = tokenTransferTag
	binary.LittleEndian.PutUint64(data[1:9], amount)

	return &Transaction{
		Message: Message{
			Header:          MessageHeader{NumRequiredSignatures: 1, NumReadonlyUnsigned: 1},
			AccountKeys:     []Address{owner, source, dest, TokenProgramID},
			RecentBlockhash: blockhash,
			Instructions: []CompiledInstruction{{
				ProgramIndex:   3,
				AccountIndexes: []uint8{1, 2, 0},
				Data:           data,
			}},
		},
	}
}

// wireReader walks a byte slice with bounds checking.
type wireReader struct {
	buf []byte
	pos int
}

func (r *wireReader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("unexpected end of input at offset %d", r.pos)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *wireReader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("unexpected end of input: need %d bytes at offset %d", n, r.pos)
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// compactU16 reads the network's variable-length u16 (1-3 bytes, 7 bits per
// byte, little-endian groups).
func (r *wireReader) compactU16() (int, error) {
	var value, shift int
	for i := 0; i < 3; i++ {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		value |= int(b&0x7f) << shift
		if b&0x80 == 0 {
			if value > maxCompactArrayLen {
				return 0, fmt.Errorf("compact length %d exceeds limit", value)
			}
			return value, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("compact-u16 too long")
}

func writeCompactU16(buf *bytes.Buffer, v int) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}
