// Package serializer encodes object graph snapshots (vm.ObjectInfo slices) for
// debugging and offline analysis. It defines a common interface and multiple
// implementations with different trade-offs.
//
// Key Components:
//
//   - ISnapshotSerializer: Core interface that all serializer implementations must satisfy.
//
//   - binarySerializerImpl: Compact varint based format. Optional fields are
//     announced by a flag byte per object and omitted when empty, so large
//     graphs of mostly idle objects stay small.
//
//   - jsonSerializerImpl: Indented JSON, human readable. Used by `dvm sim --dump json`.
//
//   - gobSerializerImpl: Go's gob encoding, convenient for Go tooling that
//     loads dumps back into vm.ObjectInfo values.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use.
//
// Usage:
//
//	s := serializer.NewJSONSerializer()
//	data, err := s.Serialize(engine.Snapshot())
//	// ...
//	var objects []vm.ObjectInfo
//	err = s.Deserialize(data, &objects)
package serializer
