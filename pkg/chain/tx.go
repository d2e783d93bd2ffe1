package chain

import (
	"bytes"
	"fmt"
)

// AccountMeta describes how an instruction touches an account.
type AccountMeta struct {
	Pubkey   Pubkey
	Signer   bool
	Writable bool
}

// Instruction is a single program invocation.
type Instruction struct {
	Program  Pubkey
	Accounts []AccountMeta
	Data     []byte
}

func Meta(p Pubkey) AccountMeta          { return AccountMeta{Pubkey: p} }
func WritableMeta(p Pubkey) AccountMeta  { return AccountMeta{Pubkey: p, Writable: true} }
func SignerMeta(p Pubkey) AccountMeta    { return AccountMeta{Pubkey: p, Signer: true} }
func SignerWritable(p Pubkey) AccountMeta {
	return AccountMeta{Pubkey: p, Signer: true, Writable: true}
}

// BuildTransaction compiles instructions into the wire format and signs the
// message with every signer. The first signer pays the fee.
func BuildTransaction(signers []*Keypair, blockhash [32]byte, instrs ...Instruction) ([]byte, error) {
	if len(signers) == 0 {
		return nil, fmt.Errorf("transaction needs at least one signer")
	}
	msg, signerKeys, err := compileMessage(signers[0].Public(), blockhash, instrs)
	if err != nil {
		return nil, err
	}

	byKey := make(map[Pubkey]*Keypair, len(signers))
	for _, kp := range signers {
		byKey[kp.Public()] = kp
	}

	var tx bytes.Buffer
	writeCompactU16(&tx, len(signerKeys))
	for _, key := range signerKeys {
		kp, ok := byKey[key]
		if !ok {
			return nil, fmt.Errorf("missing keypair for signer %s", key)
		}
		sig := kp.Sign(msg)
		tx.Write(sig[:])
	}
	tx.Write(msg)
	return tx.Bytes(), nil
}

// compileMessage orders accounts (fee payer first, then signer-writable,
// signer-readonly, writable, readonly), builds the header and the compiled
// instruction list, and returns the serialized message plus the signer set.
func compileMessage(payer Pubkey, blockhash [32]byte, instrs []Instruction) ([]byte, []Pubkey, error) {
	type usage struct {
		signer   bool
		writable bool
	}
	use := map[Pubkey]*usage{payer: {signer: true, writable: true}}
	var order []Pubkey
	order = append(order, payer)

	touch := func(p Pubkey, signer, writable bool) {
		u, ok := use[p]
		if !ok {
			u = &usage{}
			use[p] = u
			order = append(order, p)
		}
		u.signer = u.signer || signer
		u.writable = u.writable || writable
	}

	for _, in := range instrs {
		for _, m := range in.Accounts {
			touch(m.Pubkey, m.Signer, m.Writable)
		}
		touch(in.Program, false, false)
	}

	var signerWritable, signerReadonly, writable, readonly []Pubkey
	for _, p := range order {
		u := use[p]
		switch {
		case u.signer && u.writable:
			signerWritable = append(signerWritable, p)
		case u.signer:
			signerReadonly = append(signerReadonly, p)
		case u.writable:
			writable = append(writable, p)
		default:
			readonly = append(readonly, p)
		}
	}

	keys := make([]Pubkey, 0, len(order))
	keys = append(keys, signerWritable...)
	keys = append(keys, signerReadonly...)
	keys = append(keys, writable...)
	keys = append(keys, readonly...)

	index := make(map[Pubkey]int, len(keys))
	for i, p := range keys {
		index[p] = i
	}

	var msg bytes.Buffer
	msg.WriteByte(byte(len(signerWritable) + len(signerReadonly)))
	msg.WriteByte(byte(len(signerReadonly)))
	msg.WriteByte(byte(len(readonly)))

	writeCompactU16(&msg, len(keys))
	for _, p := range keys {
		msg.Write(p[:])
	}
	msg.Write(blockhash[:])

	writeCompactU16(&msg, len(instrs))
	for _, in := range instrs {
		msg.WriteByte(byte(index[in.Program]))
		writeCompactU16(&msg, len(in.Accounts))
		for _, m := range in.Accounts {
			msg.WriteByte(byte(index[m.Pubkey]))
		}
		writeCompactU16(&msg, len(in.Data))
		msg.Write(in.Data)
	}

	signerKeys := keys[:len(signerWritable)+len(signerReadonly)]
	return msg.Bytes(), signerKeys, nil
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
