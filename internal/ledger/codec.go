package ledger

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/tidepool/pkg/errors"
)

// recordVersion tags the on-disk layout; bump on any encoding change
const recordVersion uint8 = 1

// Field limits enforced on decode. Oversized fields indicate a corrupt or
// foreign record.
const (
	maxUsernameLen    = 256
	maxWorkerNameLen  = 64
	maxExtraNonce2Len = 16
	maxRejectReason   = 256
)

// pver is passed to the wire var-length helpers; the encoding is not
// protocol-version dependent
const pver = 0

// keyLen is 8 bytes of big-endian unix nanoseconds plus 8 bytes of
// big-endian share id
const keyLen = 16

// encodeKey builds the ledger key for a share. Big-endian ordering makes
// LevelDB's lexicographic iteration equal submission order.
func encodeKey(submittedAt time.Time, id uint64) []byte {
	key := make([]byte, keyLen)
	binary.BigEndian.PutUint64(key[0:8], uint64(submittedAt.UnixNano()))
	binary.BigEndian.PutUint64(key[8:16], id)
	return key
}

// decodeKey extracts the submission time and share id from a ledger key
func decodeKey(key []byte) (time.Time, uint64, error) {
	if len(key) != keyLen {
		return time.Time{}, 0, errors.New(errors.ErrorTypeIntegrity, "decode_key",
			"ledger key has wrong length").WithContext("key_len", len(key))
	}
	nanos := int64(binary.BigEndian.Uint64(key[0:8]))
	id := binary.BigEndian.Uint64(key[8:16])
	return time.Unix(0, nanos).UTC(), id, nil
}

// EncodeShare serializes a share record using bitcoin wire conventions:
// little-endian fixed-width integers, var-length strings and byte slices,
// and a raw 32-byte hash.
func EncodeShare(s *Share) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 128))

	buf.WriteByte(recordVersion)
	writeUint64(buf, s.ID)
	writeUint64(buf, s.JobID)

	if err := wire.WriteVarString(buf, pver, s.Username); err != nil {
		return nil, err
	}
	if err := wire.WriteVarString(buf, pver, s.WorkerName); err != nil {
		return nil, err
	}
	if err := wire.WriteVarBytes(buf, pver, s.ExtraNonce2); err != nil {
		return nil, err
	}

	writeUint32(buf, s.NTime)
	writeUint32(buf, s.Nonce)
	writeUint32(buf, s.Version)
	writeUint64(buf, math.Float64bits(s.Difficulty))
	writeUint64(buf, math.Float64bits(s.ActualDifficulty))
	writeUint64(buf, uint64(s.BlockHeight))
	buf.Write(s.BlockHash[:])
	writeUint64(buf, uint64(s.SubmittedAt.UnixNano()))
	buf.WriteByte(byte(s.Outcome))

	if err := wire.WriteVarString(buf, pver, s.RejectReason); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeShare deserializes a share record. Any decoding failure is an
// integrity error: the ledger must never contain records this process
// cannot read back.
func DecodeShare(data []byte) (*Share, error) {
	r := bytes.NewReader(data)
	s := &Share{}

	version, err := r.ReadByte()
	if err != nil {
		return nil, decodeErr("record truncated", err)
	}
	if version != recordVersion {
		return nil, errors.New(errors.ErrorTypeIntegrity, "decode_share",
			"unsupported record version").WithContext("version", version)
	}

	if s.ID, err = readUint64(r); err != nil {
		return nil, decodeErr("share id", err)
	}
	if s.JobID, err = readUint64(r); err != nil {
		return nil, decodeErr("job id", err)
	}

	if s.Username, err = wire.ReadVarString(r, pver); err != nil {
		return nil, decodeErr("username", err)
	}
	if len(s.Username) > maxUsernameLen {
		return nil, decodeErr("username too long", nil)
	}
	if s.WorkerName, err = wire.ReadVarString(r, pver); err != nil {
		return nil, decodeErr("worker name", err)
	}
	if len(s.WorkerName) > maxWorkerNameLen {
		return nil, decodeErr("worker name too long", nil)
	}
	if s.ExtraNonce2, err = wire.ReadVarBytes(r, pver, maxExtraNonce2Len, "extranonce2"); err != nil {
		return nil, decodeErr("extranonce2", err)
	}

	if s.NTime, err = readUint32(r); err != nil {
		return nil, decodeErr("ntime", err)
	}
	if s.Nonce, err = readUint32(r); err != nil {
		return nil, decodeErr("nonce", err)
	}
	if s.Version, err = readUint32(r); err != nil {
		return nil, decodeErr("version", err)
	}

	diffBits, err := readUint64(r)
	if err != nil {
		return nil, decodeErr("difficulty", err)
	}
	s.Difficulty = math.Float64frombits(diffBits)

	actualBits, err := readUint64(r)
	if err != nil {
		return nil, decodeErr("actual difficulty", err)
	}
	s.ActualDifficulty = math.Float64frombits(actualBits)

	height, err := readUint64(r)
	if err != nil {
		return nil, decodeErr("block height", err)
	}
	s.BlockHeight = int64(height)

	if _, err := io.ReadFull(r, s.BlockHash[:]); err != nil {
		return nil, decodeErr("block hash", err)
	}

	nanos, err := readUint64(r)
	if err != nil {
		return nil, decodeErr("submitted at", err)
	}
	s.SubmittedAt = time.Unix(0, int64(nanos)).UTC()

	outcome, err := r.ReadByte()
	if err != nil {
		return nil, decodeErr("outcome", err)
	}
	s.Outcome = Outcome(outcome)

	if s.RejectReason, err = wire.ReadVarString(r, pver); err != nil {
		return nil, decodeErr("reject reason", err)
	}
	if len(s.RejectReason) > maxRejectReason {
		return nil, decodeErr("reject reason too long", nil)
	}

	if r.Len() != 0 {
		return nil, decodeErr("trailing bytes after record", nil)
	}

	return s, nil
}

func decodeErr(message string, cause error) error {
	if cause == nil {
		return errors.New(errors.ErrorTypeIntegrity, "decode_share", message)
	}
	return errors.Wrap(cause, errors.ErrorTypeIntegrity, "decode_share", message)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
