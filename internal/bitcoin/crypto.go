// Package bitcoin provides Bitcoin protocol operations for the pool:
// coinbase and block construction, merkle calculations, difficulty/target
// conversions, and RPC/ZMQ communication with Bitcoin Core.
package bitcoin

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Pools reduce garbage collection pressure in the share validation and block
// reconstruction hot paths by reusing allocations.
var (
	// bufferPool provides reusable byte buffers for serialization
	bufferPool = sync.Pool{
		New: func() any {
			// Pre-allocate 1MB, typical for Bitcoin blocks
			return bytes.NewBuffer(make([]byte, 0, 1024*1024))
		},
	}

	// hashSlicePool provides reusable slices for merkle tree levels
	hashSlicePool = sync.Pool{
		New: func() any {
			return make([]chainhash.Hash, 0, 4000)
		},
	}

	// bigIntPool provides reusable big.Int instances for target math
	bigIntPool = sync.Pool{
		New: func() any {
			return new(big.Int)
		},
	}

	// bigFloatPool provides reusable big.Float instances for precise
	// difficulty calculations
	bigFloatPool = sync.Pool{
		New: func() any {
			return new(big.Float)
		},
	}
)

// maxTargetBytes is Bitcoin's difficulty-1 target,
// 0x00000000FFFF0000000000000000000000000000000000000000000000000000
var maxTargetBytes = []byte{
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	// Limit retained capacity
	if buf.Cap() < 10*1024*1024 {
		bufferPool.Put(buf)
	}
}

func getHashSlice() []chainhash.Hash {
	slice := hashSlicePool.Get().([]chainhash.Hash)
	return slice[:0]
}

func putHashSlice(slice []chainhash.Hash) {
	if cap(slice) < 10000 {
		hashSlicePool.Put(slice)
	}
}

func getBigInt() *big.Int {
	bi := bigIntPool.Get().(*big.Int)
	bi.SetInt64(0)
	return bi
}

func putBigInt(bi *big.Int) {
	bigIntPool.Put(bi)
}

func getBigFloat() *big.Float {
	bf := bigFloatPool.Get().(*big.Float)
	bf.SetFloat64(0)
	return bf
}

func putBigFloat(bf *big.Float) {
	bigFloatPool.Put(bf)
}

// CalculateMerkleRoot calculates the Bitcoin merkle root from a list of
// transaction hashes. For odd-sized levels the last hash is paired with
// itself.
func CalculateMerkleRoot(txHashes []chainhash.Hash) chainhash.Hash {
	if len(txHashes) == 0 {
		return chainhash.Hash{}
	}
	if len(txHashes) == 1 {
		return txHashes[0]
	}

	currentLevel := getHashSlice()
	defer putHashSlice(currentLevel)
	currentLevel = append(currentLevel, txHashes...)

	for len(currentLevel) > 1 {
		nextLevel := getHashSlice()

		for i := 0; i < len(currentLevel); i += 2 {
			left := currentLevel[i]
			right := left
			if i+1 < len(currentLevel) {
				right = currentLevel[i+1]
			}
			nextLevel = append(nextLevel, hashPair(left, right))
		}

		putHashSlice(currentLevel)
		currentLevel = nextLevel
	}

	return currentLevel[0]
}

// GetMerkleBranch calculates the merkle authentication path for the
// transaction at txIndex (0 for the coinbase). Miners combine the branch
// with their own coinbase hash to recover the merkle root.
func GetMerkleBranch(txHashes []chainhash.Hash, txIndex int) []chainhash.Hash {
	if len(txHashes) <= 1 || txIndex >= len(txHashes) {
		return []chainhash.Hash{}
	}

	currentLevel := getHashSlice()
	defer putHashSlice(currentLevel)
	currentLevel = append(currentLevel, txHashes...)
	currentIndex := txIndex

	var branch []chainhash.Hash

	for len(currentLevel) > 1 {
		siblingIndex := currentIndex + 1
		if currentIndex%2 == 1 {
			siblingIndex = currentIndex - 1
		}
		if siblingIndex < len(currentLevel) {
			branch = append(branch, currentLevel[siblingIndex])
		}

		nextLevel := getHashSlice()
		for i := 0; i < len(currentLevel); i += 2 {
			left := currentLevel[i]
			right := left
			if i+1 < len(currentLevel) {
				right = currentLevel[i+1]
			}
			nextLevel = append(nextLevel, hashPair(left, right))
		}

		putHashSlice(currentLevel)
		currentLevel = nextLevel
		currentIndex /= 2
	}

	return branch
}

// MerkleRootFromBranch folds a coinbase transaction hash through a merkle
// branch, the same computation miners perform when assembling headers.
func MerkleRootFromBranch(coinbaseHash chainhash.Hash, branch []chainhash.Hash) chainhash.Hash {
	root := coinbaseHash
	for _, sibling := range branch {
		root = hashPair(root, sibling)
	}
	return root
}

func hashPair(left, right chainhash.Hash) chainhash.Hash {
	concat := make([]byte, 0, 64)
	concat = append(concat, left[:]...)
	concat = append(concat, right[:]...)
	first := sha256.Sum256(concat)
	second := sha256.Sum256(first[:])

	var result chainhash.Hash
	copy(result[:], second[:])
	return result
}

// ReconstructBlock reconstructs a complete block from a template, a filled-in
// coinbase transaction and the miner's header fields, for submission to
// Bitcoin Core.
func ReconstructBlock(template *btcjson.GetBlockTemplateResult, coinbaseTx *wire.MsgTx, ntime, nonce, version uint32) (*wire.MsgBlock, string, error) {
	prevHash, err := chainhash.NewHashFromStr(template.PreviousHash)
	if err != nil {
		return nil, "", fmt.Errorf("invalid previous block hash: %w", err)
	}

	transactions := []*wire.MsgTx{coinbaseTx}
	for _, tx := range template.Transactions {
		txBytes, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, "", fmt.Errorf("invalid transaction data: %w", err)
		}

		msgTx := &wire.MsgTx{}
		if err := msgTx.Deserialize(bytes.NewReader(txBytes)); err != nil {
			return nil, "", fmt.Errorf("failed to deserialize transaction: %w", err)
		}
		transactions = append(transactions, msgTx)
	}

	txHashes := make([]chainhash.Hash, len(transactions))
	for i, tx := range transactions {
		txHashes[i] = tx.TxHash()
	}
	merkleRoot := CalculateMerkleRoot(txHashes)

	bits, err := ParseHexUint32(template.Bits)
	if err != nil {
		return nil, "", fmt.Errorf("invalid bits: %w", err)
	}

	headerVersion := template.Version
	if version != 0 {
		headerVersion = int32(version)
	}

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    headerVersion,
			PrevBlock:  *prevHash,
			MerkleRoot: merkleRoot,
			Timestamp:  time.Unix(int64(ntime), 0),
			Bits:       bits,
			Nonce:      nonce,
		},
		Transactions: transactions,
	}

	buf := getBuffer()
	defer putBuffer(buf)

	if err := block.Serialize(buf); err != nil {
		return nil, "", fmt.Errorf("failed to serialize block: %w", err)
	}

	return block, hex.EncodeToString(buf.Bytes()), nil
}

// HeaderHash serializes and double-hashes an 80-byte block header
func HeaderHash(header *wire.BlockHeader) (chainhash.Hash, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	if err := header.Serialize(buf); err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to serialize header: %w", err)
	}
	return chainhash.DoubleHashH(buf.Bytes()), nil
}

// DifficultyToTarget converts a mining difficulty to the 32-byte big-endian
// target threshold, target = maxTarget / difficulty.
func DifficultyToTarget(difficulty float64) []byte {
	if difficulty <= 0 {
		result := make([]byte, 32)
		copy(result, maxTargetBytes)
		return result
	}

	maxTarget := getBigInt()
	defer putBigInt(maxTarget)
	maxTarget.SetBytes(maxTargetBytes)

	difficultyFloat := getBigFloat()
	defer putBigFloat(difficultyFloat)
	difficultyFloat.SetFloat64(difficulty)

	maxTargetFloat := getBigFloat()
	defer putBigFloat(maxTargetFloat)
	maxTargetFloat.SetInt(maxTarget)

	targetFloat := getBigFloat()
	defer putBigFloat(targetFloat)
	targetFloat.Quo(maxTargetFloat, difficultyFloat)

	target := getBigInt()
	defer putBigInt(target)
	targetFloat.Int(target)

	targetBytes := target.Bytes()
	result := make([]byte, 32)
	if len(targetBytes) <= 32 {
		copy(result[32-len(targetBytes):], targetBytes)
	} else {
		copy(result, maxTargetBytes)
	}
	return result
}

// HashDifficulty returns the difficulty implied by a header hash,
// maxTarget / hashValue. Used for PPLNS weighting and vardiff sampling.
func HashDifficulty(hash chainhash.Hash) float64 {
	hashInt := getBigInt()
	defer putBigInt(hashInt)

	// chainhash stores hashes little-endian; big.Int wants big-endian
	reversed := make([]byte, 32)
	for i := range 32 {
		reversed[i] = hash[31-i]
	}
	hashInt.SetBytes(reversed)

	if hashInt.Sign() == 0 {
		return 0
	}

	maxTarget := getBigInt()
	defer putBigInt(maxTarget)
	maxTarget.SetBytes(maxTargetBytes)

	maxFloat := getBigFloat()
	defer putBigFloat(maxFloat)
	maxFloat.SetInt(maxTarget)

	hashFloat := getBigFloat()
	defer putBigFloat(hashFloat)
	hashFloat.SetInt(hashInt)

	quo := getBigFloat()
	defer putBigFloat(quo)
	quo.Quo(maxFloat, hashFloat)

	difficulty, _ := quo.Float64()
	return difficulty
}

// HashMeetsTarget reports whether a header hash is at or below the target
// threshold, the Bitcoin proof-of-work check.
func HashMeetsTarget(hash chainhash.Hash, target []byte) bool {
	// Hash bytes are little-endian; compare most significant byte first
	for i := range 32 {
		hb := hash[31-i]
		if hb < target[i] {
			return true
		}
		if hb > target[i] {
			return false
		}
	}
	return true
}

// ParseHexUint32 parses an 8-character big-endian hex string, the encoding
// mining.notify and mining.submit use for version, nbits, ntime and nonce.
func ParseHexUint32(hexStr string) (uint32, error) {
	if len(hexStr) != 8 {
		return 0, fmt.Errorf("invalid hex string length: expected 8 characters, got %d", len(hexStr))
	}

	val, err := hex.DecodeString(hexStr)
	if err != nil {
		return 0, fmt.Errorf("failed to decode hex string: %w", err)
	}

	return uint32(val[0])<<24 | uint32(val[1])<<16 | uint32(val[2])<<8 | uint32(val[3]), nil
}

// ParseHexTarget parses a hex target string into a 32-byte big-endian target
func ParseHexTarget(targetStr string) ([]byte, error) {
	if len(targetStr) == 0 {
		return nil, fmt.Errorf("target string cannot be empty")
	}
	if len(targetStr)%2 != 0 {
		return nil, fmt.Errorf("target string must have even length, got %d", len(targetStr))
	}
	if len(targetStr) > 64 {
		return nil, fmt.Errorf("target string too long: maximum 64 hex characters, got %d", len(targetStr))
	}

	target, err := hex.DecodeString(targetStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex target: %w", err)
	}

	if len(target) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(target):], target)
		target = padded
	}
	return target, nil
}
