package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Coinbase tag entries are encoded as TLV records after a 3-byte magic so
// explorers can parse pool attribution out of the scriptSig.
var tagMagic = []byte{0x54, 0x41, 0x47} // "TAG"

// TLV type prefixes for coinbase tag entries
const (
	tagPrefixPool     = 0x01
	tagPrefixMiner    = 0x02
	tagPrefixSoftware = 0x03
	tagPrefixWebsite  = 0x04
	tagPrefixCustom   = 0xFF
)

// Consensus limit on the coinbase scriptSig
const maxCoinbaseScriptLen = 100

// CoinbaseTag holds the optional attribution strings embedded in the
// coinbase scriptSig. Empty fields are omitted; entries that do not fit in
// a single length byte are skipped.
type CoinbaseTag struct {
	Pool     string
	Miner    string
	Software string
	Website  string
	Custom   string
}

// Script encodes the tag as magic || (prefix, length, value)... and returns
// nil when every field is empty.
func (t CoinbaseTag) Script() []byte {
	entries := []struct {
		prefix byte
		value  string
	}{
		{tagPrefixPool, t.Pool},
		{tagPrefixMiner, t.Miner},
		{tagPrefixSoftware, t.Software},
		{tagPrefixWebsite, t.Website},
		{tagPrefixCustom, t.Custom},
	}

	var body []byte
	for _, e := range entries {
		if e.value == "" || len(e.value) > 255 {
			continue
		}
		body = append(body, e.prefix, byte(len(e.value)))
		body = append(body, e.value...)
	}
	if len(body) == 0 {
		return nil
	}

	script := make([]byte, 0, len(tagMagic)+len(body))
	script = append(script, tagMagic...)
	return append(script, body...)
}

// CoinbaseParams describes a coinbase transaction to build
type CoinbaseParams struct {
	BlockHeight int64
	// Value is the total coinbase reward in satoshis (subsidy plus fees)
	Value       int64
	ExtraNonce1 []byte
	// ExtraNonce2Size is the byte width the miner fills in
	ExtraNonce2Size int
	PoolAddress     string
	DonationAddress string
	// DonationFraction of Value paid to DonationAddress; the pool address
	// receives the remainder. At 1.0 the pool output is omitted entirely.
	DonationFraction float64
	// WitnessCommitment is the default_witness_commitment script from the
	// template; required whenever the template carries segwit transactions
	WitnessCommitment string
	Tag               CoinbaseTag
	ChainParams       *chaincfg.Params
}

// CreateCoinbase builds a BIP 34 coinbase transaction and splits its
// serialization into the stratum coinb1/coinb2 halves around the extranonce
// placeholder. The scriptSig layout is height || tag || extranonce.
func CreateCoinbase(p CoinbaseParams) (*wire.MsgTx, string, string, error) {
	if p.ExtraNonce2Size <= 0 {
		return nil, "", "", fmt.Errorf("extranonce2 size must be positive")
	}

	heightScript, err := txscript.NewScriptBuilder().AddInt64(p.BlockHeight).Script()
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to create height script: %w", err)
	}

	tagScript := p.Tag.Script()
	extraNonceLen := len(p.ExtraNonce1) + p.ExtraNonce2Size

	scriptLen := len(heightScript) + len(tagScript) + extraNonceLen
	if scriptLen > maxCoinbaseScriptLen {
		// Drop the tag rather than produce an invalid block
		tagScript = nil
		scriptLen = len(heightScript) + extraNonceLen
		if scriptLen > maxCoinbaseScriptLen {
			return nil, "", "", fmt.Errorf("coinbase script too long: %d bytes", scriptLen)
		}
	}

	splitPoint := len(heightScript) + len(tagScript)

	extraNoncePlaceholder := make([]byte, extraNonceLen)
	copy(extraNoncePlaceholder, p.ExtraNonce1)

	fullScript := make([]byte, 0, scriptLen)
	fullScript = append(fullScript, heightScript...)
	fullScript = append(fullScript, tagScript...)
	fullScript = append(fullScript, extraNoncePlaceholder...)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{},
			Index: 0xffffffff,
		},
		SignatureScript: fullScript,
		Sequence:        0xffffffff,
	})

	outputs, err := coinbaseOutputs(p)
	if err != nil {
		return nil, "", "", err
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	buf := getBuffer()
	defer putBuffer(buf)

	if err := tx.Serialize(buf); err != nil {
		return nil, "", "", fmt.Errorf("failed to serialize coinbase: %w", err)
	}
	serialized := buf.Bytes()

	// version(4) + input count(1) + prev hash(32) + prev index(4), then the
	// script length varint. Coinbase scripts are capped at 100 bytes so the
	// varint is always a single byte.
	scriptStart := 4 + 1 + 32 + 4 + 1
	actualSplit := scriptStart + splitPoint

	if actualSplit+extraNonceLen > len(serialized) {
		return nil, "", "", fmt.Errorf("invalid coinbase split point")
	}

	coinb1 := hex.EncodeToString(serialized[:actualSplit])
	coinb2 := hex.EncodeToString(serialized[actualSplit+extraNonceLen:])

	return tx, coinb1, coinb2, nil
}

// coinbaseOutputs builds the reward outputs: donation split first, pool
// remainder, then the optional witness commitment.
func coinbaseOutputs(p CoinbaseParams) ([]*wire.TxOut, error) {
	if p.DonationFraction < 0 || p.DonationFraction > 1 {
		return nil, fmt.Errorf("donation fraction out of range: %v", p.DonationFraction)
	}

	donationValue := int64(float64(p.Value) * p.DonationFraction)
	poolValue := p.Value - donationValue

	var outputs []*wire.TxOut

	if donationValue > 0 || p.DonationFraction >= 1.0 {
		script, err := payoutScript(p.DonationAddress, p.ChainParams)
		if err != nil {
			return nil, fmt.Errorf("invalid donation address: %w", err)
		}
		outputs = append(outputs, &wire.TxOut{Value: donationValue, PkScript: script})
	}

	if p.DonationFraction < 1.0 {
		script, err := payoutScript(p.PoolAddress, p.ChainParams)
		if err != nil {
			return nil, fmt.Errorf("invalid pool address: %w", err)
		}
		outputs = append(outputs, &wire.TxOut{Value: poolValue, PkScript: script})
	}

	if p.WitnessCommitment != "" {
		commitment, err := hex.DecodeString(p.WitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("invalid witness commitment: %w", err)
		}
		outputs = append(outputs, &wire.TxOut{Value: 0, PkScript: commitment})
	}

	if len(outputs) == 0 {
		return nil, fmt.Errorf("coinbase has no outputs")
	}
	return outputs, nil
}

func payoutScript(address string, chainParams *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, chainParams)
	if err != nil {
		return nil, err
	}
	if !addr.IsForNet(chainParams) {
		return nil, fmt.Errorf("address %s is not valid for the configured network", address)
	}
	return txscript.PayToAddrScript(addr)
}

// ValidatePayoutAddress checks that a miner-supplied username parses as a
// valid address for the configured network. Used during authorization.
func ValidatePayoutAddress(address string, chainParams *chaincfg.Params) error {
	_, err := payoutScript(address, chainParams)
	return err
}

// FillExtraNonce returns a copy of the coinbase with the extranonce bytes
// substituted into its scriptSig, for block reconstruction.
func FillExtraNonce(coinb1, coinb2 string, extraNonce1, extraNonce2 []byte) (*wire.MsgTx, error) {
	prefix, err := hex.DecodeString(coinb1)
	if err != nil {
		return nil, fmt.Errorf("invalid coinb1: %w", err)
	}
	suffix, err := hex.DecodeString(coinb2)
	if err != nil {
		return nil, fmt.Errorf("invalid coinb2: %w", err)
	}

	raw := make([]byte, 0, len(prefix)+len(extraNonce1)+len(extraNonce2)+len(suffix))
	raw = append(raw, prefix...)
	raw = append(raw, extraNonce1...)
	raw = append(raw, extraNonce2...)
	raw = append(raw, suffix...)

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize coinbase: %w", err)
	}
	return tx, nil
}
