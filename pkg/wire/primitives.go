package wire

import (
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/latticedb/lattice/pkg/types"
)

func putBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func getBool(buf []byte) (bool, int) {
	return buf[0] != 0, 1
}

// putTime encodes a time as a serialized google.protobuf.Timestamp (the
// well-known type, not a hand-rolled nanosecond count) so ExpireAt
// round-trips through the same representation every protobuf-based
// tool in the cluster's operator tooling understands; the zero Value
// encodes as an empty length-prefixed blob, matching time.Time{}.IsZero's
// wire round-trip needs for Entry's "no expiry" sentinel.
func putTime(buf []byte, t time.Time) []byte {
	if t.IsZero() {
		return putBytes(buf, nil)
	}
	b, err := proto.Marshal(timestamppb.New(t))
	if err != nil {
		return putBytes(buf, nil)
	}
	return putBytes(buf, b)
}

func getTime(buf []byte) (time.Time, int) {
	b, n := getBytes(buf)
	if len(b) == 0 {
		return time.Time{}, n
	}
	var ts timestamppb.Timestamp
	if err := proto.Unmarshal(b, &ts); err != nil {
		return time.Time{}, n
	}
	return ts.AsTime(), n
}

// putDuration encodes a time.Duration as a serialized
// google.protobuf.Duration, the wire shape for the continuousQuery
// TimeInterval a remote ContinuousQueryRegister carries (spec §6).
func putDuration(buf []byte, d time.Duration) []byte {
	b, err := proto.Marshal(durationpb.New(d))
	if err != nil {
		return putBytes(buf, nil)
	}
	return putBytes(buf, b)
}

func getDuration(buf []byte) (time.Duration, int) {
	b, n := getBytes(buf)
	if len(b) == 0 {
		return 0, n
	}
	var d durationpb.Duration
	if err := proto.Unmarshal(b, &d); err != nil {
		return 0, n
	}
	return d.AsDuration(), n
}

func putVersion(buf []byte, v types.Version) []byte {
	buf = putUint64(buf, v.Topology)
	buf = putUint64(buf, v.Order)
	buf = putUint32(buf, v.NodeOrder)
	return buf
}

func getVersion(buf []byte) (types.Version, int) {
	var off int
	topology, n := getUint64(buf[off:])
	off += n
	order, n := getUint64(buf[off:])
	off += n
	nodeOrder, n := getUint32(buf[off:])
	off += n
	return types.Version{Topology: topology, Order: order, NodeOrder: nodeOrder}, off
}

func putStringMap(buf []byte, m map[string]string) []byte {
	buf = putUint32(buf, uint32(len(m)))
	for k, v := range m {
		buf = putString(buf, k)
		buf = putString(buf, v)
	}
	return buf
}

func getStringMap(buf []byte) (map[string]string, int) {
	var off int
	count, n := getUint32(buf[off:])
	off += n
	if count == 0 {
		return nil, off
	}
	m := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		k, n := getString(buf[off:])
		off += n
		v, n := getString(buf[off:])
		off += n
		m[k] = v
	}
	return m, off
}
