package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Manual ABI encoding helpers, carried over verbatim in spirit from the
// teacher's x402.LocalFacilitator.packTransferWithAuth: this avoids a
// runtime abi.JSON parse for a small, fixed set of contract calls.

func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

func pad32(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func padUint64(n uint64) []byte {
	return pad32(new(big.Int).SetUint64(n))
}

func addrPad(a common.Address) []byte {
	padded := make([]byte, 32)
	copy(padded[12:], a.Bytes())
	return padded
}

func bytes32Pad(b [32]byte) []byte {
	out := make([]byte, 32)
	copy(out, b[:])
	return out
}

// packStringTail ABI-encodes a dynamic string argument's tail (length word
// followed by its content, right-padded to a 32-byte boundary).
func packStringTail(s string) []byte {
	length := pad32(big.NewInt(int64(len(s))))
	content := []byte(s)
	padLen := (32 - len(content)%32) % 32
	content = append(content, make([]byte, padLen)...)
	return append(length, content...)
}

// packStringArg ABI-encodes a single dynamic string argument placed at the
// end of the call (offset word + length word + padded content).
func packStringArg(headWords int, s string) (head []byte, tail []byte) {
	offset := pad32(big.NewInt(int64(headWords * 32)))
	return offset, packStringTail(s)
}

// packBytes32ArrayTail ABI-encodes a dynamic bytes32[] argument's tail
// (length word followed by each element; bytes32 elements need no padding
// of their own since they are already word-sized).
func packBytes32ArrayTail(elems [][32]byte) []byte {
	tail := pad32(big.NewInt(int64(len(elems))))
	for _, e := range elems {
		tail = append(tail, e[:]...)
	}
	return tail
}

// offsetWord is a dynamic argument's head-word pointing at byte position
// pos within the tail region (i.e. relative to the start of the call's
// argument block, not including the 4-byte selector).
func offsetWord(pos int) []byte {
	return pad32(big.NewInt(int64(pos)))
}
