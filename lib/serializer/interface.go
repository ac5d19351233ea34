package serializer

import "github.com/ValentinKolb/dVM/lib/vm"

// ISnapshotSerializer is the interface for all object graph snapshot serializers
type ISnapshotSerializer interface {
	// Serialize serializes a snapshot (as returned by vm.Engine.Snapshot) into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(objects []vm.ObjectInfo) ([]byte, error)
	// Deserialize deserializes a byte array into a snapshot
	// It returns an error if any
	Deserialize(b []byte, objects *[]vm.ObjectInfo) error
}
