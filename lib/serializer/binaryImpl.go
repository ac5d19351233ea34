package serializer

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dVM/lib/vm"
)

// NewBinarySerializer creates a new serializer using a compact varint based
// binary format
func NewBinarySerializer() ISnapshotSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements ISnapshotSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields of an object are present
const (
	hasShadow    byte = 1 << 0
	hasShadowers byte = 1 << 1
	hasCopy      byte = 1 << 2
	hasPager     byte = 1 << 3
	hasResident  byte = 1 << 4
	hasPaging    byte = 1 << 5
	isCached     byte = 1 << 6
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.ISnapshotSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(objects []vm.ObjectInfo) ([]byte, error) {
	result := binary.AppendUvarint(nil, uint64(len(objects)))

	for _, o := range objects {
		// fixed fields
		result = binary.AppendUvarint(result, o.ID)
		result = binary.AppendVarint(result, o.Size)
		result = binary.AppendVarint(result, int64(o.RefCount))
		result = binary.AppendUvarint(result, uint64(len(o.Flags)))
		result = append(result, o.Flags...)

		var flags byte
		if o.Shadow != 0 {
			flags |= hasShadow
		}
		if len(o.Shadowers) > 0 {
			flags |= hasShadowers
		}
		if o.Copy != 0 {
			flags |= hasCopy
		}
		if o.HasPager {
			flags |= hasPager
		}
		if len(o.Resident) > 0 {
			flags |= hasResident
		}
		if o.PagingInProgress > 0 {
			flags |= hasPaging
		}
		if o.Cached {
			flags |= isCached
		}
		result = append(result, flags)

		// optional fields
		if flags&hasShadow != 0 {
			result = binary.AppendUvarint(result, o.Shadow)
			result = binary.AppendVarint(result, o.ShadowOffset)
		}
		if flags&hasShadowers != 0 {
			result = binary.AppendUvarint(result, uint64(len(o.Shadowers)))
			for _, id := range o.Shadowers {
				result = binary.AppendUvarint(result, id)
			}
		}
		if flags&hasCopy != 0 {
			result = binary.AppendUvarint(result, o.Copy)
		}
		if flags&hasPager != 0 {
			result = binary.AppendVarint(result, int64(o.PagerPages))
			result = binary.AppendVarint(result, o.PagingOffset)
		}
		if flags&hasResident != 0 {
			result = binary.AppendUvarint(result, uint64(len(o.Resident)))
			for _, off := range o.Resident {
				result = binary.AppendVarint(result, off)
			}
		}
		if flags&hasPaging != 0 {
			result = binary.AppendVarint(result, int64(o.PagingInProgress))
		}
	}

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, objects *[]vm.ObjectInfo) error {
	r := &reader{data: data}

	count := r.uvarint("object count")
	if r.err != nil {
		return r.err
	}
	if count > uint64(len(data)) {
		return fmt.Errorf("object count %d exceeds data size", count)
	}

	out := make([]vm.ObjectInfo, 0, count)
	for i := uint64(0); i < count && r.err == nil; i++ {
		var o vm.ObjectInfo
		o.ID = r.uvarint("id")
		o.Size = r.varint("size")
		o.RefCount = int(r.varint("ref count"))
		o.Flags = string(r.bytes("flags"))
		flags := r.byte("field flags")

		if flags&hasShadow != 0 {
			o.Shadow = r.uvarint("shadow")
			o.ShadowOffset = r.varint("shadow offset")
		}
		if flags&hasShadowers != 0 {
			n := r.length("shadowers")
			o.Shadowers = make([]uint64, 0, n)
			for j := 0; j < n && r.err == nil; j++ {
				o.Shadowers = append(o.Shadowers, r.uvarint("shadower"))
			}
		}
		if flags&hasCopy != 0 {
			o.Copy = r.uvarint("copy")
		}
		if flags&hasPager != 0 {
			o.HasPager = true
			o.PagerPages = int(r.varint("pager pages"))
			o.PagingOffset = r.varint("paging offset")
		}
		if flags&hasResident != 0 {
			n := r.length("resident")
			o.Resident = make([]int64, 0, n)
			for j := 0; j < n && r.err == nil; j++ {
				o.Resident = append(o.Resident, r.varint("resident offset"))
			}
		}
		if flags&hasPaging != 0 {
			o.PagingInProgress = int(r.varint("paging in progress"))
		}
		o.Cached = flags&isCached != 0

		out = append(out, o)
	}
	if r.err != nil {
		return r.err
	}

	*objects = out
	return nil
}

// --------------------------------------------------------------------------
// Decoding helpers
// --------------------------------------------------------------------------

// reader decodes varints and remembers the first error
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) fail(field string) {
	if r.err == nil {
		r.err = fmt.Errorf("data too short for %s at offset %d", field, r.pos)
	}
}

func (r *reader) uvarint(field string) uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		r.fail(field)
		return 0
	}
	r.pos += n
	return v
}

func (r *reader) varint(field string) int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.data[r.pos:])
	if n <= 0 {
		r.fail(field)
		return 0
	}
	r.pos += n
	return v
}

func (r *reader) byte(field string) byte {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.data) {
		r.fail(field)
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

// length reads an element count and checks it against the remaining data
func (r *reader) length(field string) int {
	n := r.uvarint(field)
	if r.err == nil && n > uint64(len(r.data)-r.pos) {
		r.fail(field)
		return 0
	}
	return int(n)
}

func (r *reader) bytes(field string) []byte {
	n := r.length(field)
	if r.err != nil {
		return nil
	}
	v := r.data[r.pos : r.pos+n]
	r.pos += n
	return v
}
