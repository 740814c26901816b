package crdt

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Wire format. Frames are self-describing: a two-byte magic/version header,
// a payload kind, then uvarint-delimited fields. Snapshot frames additionally
// carry the producer's state vector ahead of the operation set. Everything is
// length-prefixed so a truncated or hostile frame fails decoding cleanly
// before any state is touched.
const (
	frameMagic   byte = 0xDC
	frameVersion byte = 1

	payloadUpdate   byte = 1
	payloadSnapshot byte = 2
)

type payload struct {
	kind   byte
	vector StateVector
	ops    []op
}

func encodeUpdate(ops []op) []byte {
	return encodeFrame(payloadUpdate, nil, ops)
}

func encodeSnapshot(vector StateVector, ops []op) []byte {
	return encodeFrame(payloadSnapshot, vector, ops)
}

func encodeFrame(kind byte, vector StateVector, ops []op) []byte {
	var buf bytes.Buffer
	buf.WriteByte(frameMagic)
	buf.WriteByte(frameVersion)
	buf.WriteByte(kind)

	if kind == payloadSnapshot {
		writeUvarint(&buf, uint64(len(vector)))
		replicas := make([]uint64, 0, len(vector))
		for replica := range vector {
			replicas = append(replicas, replica)
		}
		// Deterministic encoding keeps snapshots byte-stable for a given state.
		sort.Slice(replicas, func(i, j int) bool { return replicas[i] < replicas[j] })
		for _, replica := range replicas {
			writeUvarint(&buf, replica)
			writeUvarint(&buf, vector[replica])
		}
	}

	writeUvarint(&buf, uint64(len(ops)))
	for _, o := range ops {
		buf.WriteByte(byte(o.kind))
		writeUvarint(&buf, o.stamp.Replica)
		writeUvarint(&buf, o.stamp.Clock)
		writeString(&buf, o.list)
		writeString(&buf, o.elem)
		switch o.kind {
		case opInsert:
			writeUvarint(&buf, uint64(len(o.pos)))
			for _, segment := range o.pos {
				writeUvarint(&buf, segment.Digit)
				writeUvarint(&buf, segment.Replica)
			}
		case opDelete:
			// Identity only.
		case opSetAttr, opSetCell:
			writeString(&buf, o.key)
			writeBytes(&buf, o.value)
		}
	}
	return buf.Bytes()
}

func decodePayload(data []byte) (payload, error) {
	reader := bytes.NewReader(data)

	magic, err := reader.ReadByte()
	if err != nil || magic != frameMagic {
		return payload{}, errMalformed("bad magic")
	}
	version, err := reader.ReadByte()
	if err != nil || version != frameVersion {
		return payload{}, errMalformed("unsupported version")
	}
	kind, err := reader.ReadByte()
	if err != nil || (kind != payloadUpdate && kind != payloadSnapshot) {
		return payload{}, errMalformed("unknown payload kind")
	}

	decoded := payload{kind: kind}

	if kind == payloadSnapshot {
		count, err := readCount(reader)
		if err != nil {
			return payload{}, err
		}
		decoded.vector = make(StateVector, count)
		for i := 0; i < count; i++ {
			replica, err := binary.ReadUvarint(reader)
			if err != nil {
				return payload{}, errMalformed("truncated state vector")
			}
			clock, err := binary.ReadUvarint(reader)
			if err != nil {
				return payload{}, errMalformed("truncated state vector")
			}
			decoded.vector[replica] = clock
		}
	}

	opCount, err := readCount(reader)
	if err != nil {
		return payload{}, err
	}
	decoded.ops = make([]op, 0, opCount)
	for i := 0; i < opCount; i++ {
		o, err := decodeOp(reader)
		if err != nil {
			return payload{}, err
		}
		decoded.ops = append(decoded.ops, o)
	}
	if reader.Len() != 0 {
		return payload{}, errMalformed("trailing bytes")
	}
	return decoded, nil
}

func decodeOp(reader *bytes.Reader) (op, error) {
	kindByte, err := reader.ReadByte()
	if err != nil {
		return op{}, errMalformed("truncated op")
	}
	kind := opKind(kindByte)
	if kind < opInsert || kind > opSetCell {
		return op{}, errMalformed("unknown op kind")
	}

	replica, err := binary.ReadUvarint(reader)
	if err != nil {
		return op{}, errMalformed("truncated stamp")
	}
	clock, err := binary.ReadUvarint(reader)
	if err != nil {
		return op{}, errMalformed("truncated stamp")
	}
	listName, err := readString(reader)
	if err != nil {
		return op{}, err
	}
	elemID, err := readString(reader)
	if err != nil {
		return op{}, err
	}

	decoded := op{
		kind:  kind,
		stamp: Stamp{Replica: replica, Clock: clock},
		list:  listName,
		elem:  elemID,
	}

	switch kind {
	case opInsert:
		segmentCount, err := readCount(reader)
		if err != nil {
			return op{}, err
		}
		decoded.pos = make(Position, 0, segmentCount)
		for i := 0; i < segmentCount; i++ {
			digit, err := binary.ReadUvarint(reader)
			if err != nil {
				return op{}, errMalformed("truncated position")
			}
			segmentReplica, err := binary.ReadUvarint(reader)
			if err != nil {
				return op{}, errMalformed("truncated position")
			}
			decoded.pos = append(decoded.pos, PositionSegment{Digit: digit, Replica: segmentReplica})
		}
	case opDelete:
		// Identity only.
	case opSetAttr, opSetCell:
		key, err := readString(reader)
		if err != nil {
			return op{}, err
		}
		value, err := readBytes(reader)
		if err != nil {
			return op{}, err
		}
		decoded.key = key
		decoded.value = value
	}
	return decoded, nil
}

func writeUvarint(buf *bytes.Buffer, value uint64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], value)
	buf.Write(scratch[:n])
}

func writeString(buf *bytes.Buffer, value string) {
	writeUvarint(buf, uint64(len(value)))
	buf.WriteString(value)
}

func writeBytes(buf *bytes.Buffer, value []byte) {
	writeUvarint(buf, uint64(len(value)))
	buf.Write(value)
}

func readCount(reader *bytes.Reader) (int, error) {
	value, err := binary.ReadUvarint(reader)
	if err != nil {
		return 0, errMalformed("truncated count")
	}
	if value > uint64(reader.Len()) {
		return 0, errMalformed("count exceeds frame size")
	}
	return int(value), nil
}

func readString(reader *bytes.Reader) (string, error) {
	raw, err := readBytes(reader)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func readBytes(reader *bytes.Reader) ([]byte, error) {
	length, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, errMalformed("truncated length")
	}
	if length > uint64(reader.Len()) {
		return nil, errMalformed("length exceeds frame size")
	}
	raw := make([]byte, length)
	if length > 0 {
		if _, err := reader.Read(raw); err != nil {
			return nil, errMalformed("truncated bytes")
		}
	}
	return raw, nil
}
