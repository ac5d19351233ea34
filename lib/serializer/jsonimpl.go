package serializer

import (
	"encoding/json"
	"github.com/ValentinKolb/dVM/lib/vm"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() ISnapshotSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the ISnapshotSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.ISnapshotSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(objects []vm.ObjectInfo) ([]byte, error) {
	return json.MarshalIndent(objects, "", "  ")
}

func (j jsonSerializerImpl) Deserialize(b []byte, objects *[]vm.ObjectInfo) error {
	return json.Unmarshal(b, objects)
}
