package classifier

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata describes the exported model artifact: tensor shapes and the
// ordered label set the output index space maps onto. It is written at
// export time next to the .onnx file and never changes for a given model
// version.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
}

// LoadMetadata reads and validates the metadata JSON at path.
func LoadMetadata(path string) (Metadata, error) {
	var meta Metadata

	raw, err := os.ReadFile(path)
	if err != nil {
		return meta, fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("parse metadata: %w", err)
	}
	if err := meta.validate(); err != nil {
		return meta, err
	}
	return meta, nil
}

func (m Metadata) validate() error {
	if len(m.Classes) == 0 {
		return fmt.Errorf("metadata has no classes")
	}
	if len(m.InputShape) == 0 || len(m.OutputShape) == 0 {
		return fmt.Errorf("metadata is missing tensor shapes")
	}
	if got := m.OutputShape[len(m.OutputShape)-1]; got != int64(len(m.Classes)) {
		return fmt.Errorf("output shape ends in %d but metadata lists %d classes", got, len(m.Classes))
	}
	for i, dim := range m.InputShape {
		if dim <= 0 {
			return fmt.Errorf("input shape dimension %d is %d", i, dim)
		}
	}
	return nil
}

// inputLength is the number of float32 values a single input tensor holds.
func (m Metadata) inputLength() int {
	n := 1
	for _, dim := range m.InputShape {
		n *= int(dim)
	}
	return n
}
