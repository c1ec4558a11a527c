package framedesc

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// FormatVersion is the version of the serialized directory layout.
const FormatVersion = 1

// Table is the serialized form of a directory, emitted by the code
// generator next to the compiled code.
type Table struct {
	Version     uint8         `cbor:"1,keyasint"`
	Descriptors []*Descriptor `cbor:"2,keyasint"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("framedesc: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes the directory to canonical CBOR. Equal directories
// produce identical bytes.
func Marshal(dir *Directory) ([]byte, error) {
	return cborEncMode.Marshal(&Table{
		Version:     FormatVersion,
		Descriptors: dir.Descriptors(),
	})
}

// Unmarshal decodes a serialized table and builds its directory.
func Unmarshal(data []byte) (*Directory, error) {
	var t Table
	if err := cbor.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("framedesc: unmarshal table: %w", err)
	}
	if t.Version != FormatVersion {
		return nil, fmt.Errorf("framedesc: unsupported table version %d", t.Version)
	}
	return Build(t.Descriptors)
}

// Load reads a serialized table from path.
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("framedesc: cannot read %s: %w", path, err)
	}
	return Unmarshal(data)
}

// Save writes the serialized directory to path.
func Save(path string, dir *Directory) error {
	data, err := Marshal(dir)
	if err != nil {
		return fmt.Errorf("framedesc: marshal table: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
