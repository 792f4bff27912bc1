package radnerf

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ===========================================================================
// CHECKPOINT FORMAT
// ===========================================================================
//
// A checkpoint is a single little-endian file:
//
//	uint32            header length in bytes
//	[]byte            JSON header: {version, config, variables}
//	raw data          every variable in header order
//
// Each variable records its name, shape and dtype. Layer weights are
// float64; grid tables are float32, exactly as held in memory. Loading
// rebuilds the decoder from the header's config and then checks every
// variable against the freshly built one, so a checkpoint can only be
// loaded into the architecture that wrote it.
//
// ===========================================================================

const checkpointVersion = 1

// DType names the element type of a stored parameter.
type DType string

const (
	Float64 DType = "float64"
	Float32 DType = "float32"
)

// Parameter is a named learned tensor. It shares storage with the layer
// that owns it, so loading writes straight into the model.
type Parameter struct {
	Name  string
	Shape []int

	f64 []float64
	f32 []float32
}

// DType returns the element type of the parameter.
func (p Parameter) DType() DType {
	if p.f32 != nil {
		return Float32
	}
	return Float64
}

// Len returns the number of scalars in the parameter.
func (p Parameter) Len() int {
	if p.f32 != nil {
		return len(p.f32)
	}
	return len(p.f64)
}

func tensorParameter(name string, t *Tensor) Parameter {
	return Parameter{Name: name, Shape: append([]int(nil), t.shape...), f64: t.data}
}

func float32Parameter(name string, shape []int, data []float32) Parameter {
	return Parameter{Name: name, Shape: append([]int(nil), shape...), f32: data}
}

type checkpointVariable struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	DType DType  `json:"dtype"`
}

type checkpointHeader struct {
	Version   int                  `json:"version"`
	Config    Config               `json:"config"`
	Variables []checkpointVariable `json:"variables"`
}

// SaveCheckpoint writes the decoder's config and parameters to filename.
func (d *Decoder) SaveCheckpoint(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := d.WriteCheckpoint(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush checkpoint: %w", err)
	}
	return f.Close()
}

// WriteCheckpoint streams the checkpoint to w.
func (d *Decoder) WriteCheckpoint(w io.Writer) error {
	params := d.Parameters()
	header := checkpointHeader{Version: checkpointVersion, Config: d.arch.Config}
	for _, p := range params {
		header.Variables = append(header.Variables, checkpointVariable{Name: p.Name, Shape: p.Shape, DType: p.DType()})
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, p := range params {
		var err error
		if p.f32 != nil {
			err = binary.Write(w, binary.LittleEndian, p.f32)
		} else {
			err = binary.Write(w, binary.LittleEndian, p.f64)
		}
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", p.Name, err)
		}
	}
	return nil
}

// LoadCheckpoint rebuilds a decoder from a checkpoint file. Options apply
// as for NewDecoder; the seed is irrelevant since every parameter is
// overwritten.
func LoadCheckpoint(filename string, opts ...Option) (*Decoder, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return ReadCheckpoint(bufio.NewReader(f), opts...)
}

// maxHeaderLen bounds the JSON header so a corrupt length cannot trigger
// a huge allocation.
const maxHeaderLen = 16 << 20

// ReadCheckpoint decodes a checkpoint stream.
func ReadCheckpoint(r io.Reader, opts ...Option) (*Decoder, error) {
	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("%w: failed to read header length: %w", ErrCheckpoint, err)
	}
	if headerLen == 0 || headerLen > maxHeaderLen {
		return nil, fmt.Errorf("%w: header length %d", ErrCheckpoint, headerLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, fmt.Errorf("%w: failed to read header: %w", ErrCheckpoint, err)
	}
	var header checkpointHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal header: %w", ErrCheckpoint, err)
	}
	if header.Version != checkpointVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCheckpoint, header.Version)
	}

	d, err := NewDecoder(header.Config, opts...)
	if err != nil {
		return nil, err
	}

	params := d.Parameters()
	if len(params) != len(header.Variables) {
		return nil, fmt.Errorf("%w: %d variables stored, model has %d", ErrCheckpoint, len(header.Variables), len(params))
	}
	for i, p := range params {
		v := header.Variables[i]
		if v.Name != p.Name || v.DType != p.DType() || !shapeEqual(v.Shape, p.Shape) {
			return nil, fmt.Errorf("%w: variable %d is %s%v/%s, model expects %s%v/%s",
				ErrCheckpoint, i, v.Name, v.Shape, v.DType, p.Name, p.Shape, p.DType())
		}
	}

	for _, p := range params {
		var err error
		if p.f32 != nil {
			err = binary.Read(r, binary.LittleEndian, p.f32)
		} else {
			err = binary.Read(r, binary.LittleEndian, p.f64)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read %s: %w", ErrCheckpoint, p.Name, err)
		}
	}

	d.syncHalf()
	d.logger.Info("checkpoint loaded")
	return d, nil
}
