// Package ndarray provides zero-copy descriptors for N-dimensional arrays that
// cross the boundary between the host process and a foreign runtime.
//
// A Descriptor never copies or dereferences the memory it points at. The
// OwnsMemory flag decides which side releases the region: the side that owns
// it calls Release exactly once, the other side only forwards the descriptor.
//
// Arrays decoded from a script result are owned descriptors. Once a step
// returns them inside output records they belong to the caller holding those
// records, which releases them when done; the step never does.
package ndarray

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

var (
	// ErrAlreadyReleased is returned when a descriptor is released twice
	ErrAlreadyReleased = errors.New("array already released")

	// ErrNotOwner is returned when a borrowed descriptor is released by the borrower
	ErrNotOwner = errors.New("array memory is owned by the foreign runtime")

	// ErrNoData is returned when a typed view is requested for a descriptor without backing bytes
	ErrNoData = errors.New("array has no host-visible data")
)

// Descriptor is a handle to an N-dimensional array living in host or foreign memory
type Descriptor struct {
	// Address is the opaque base address of the region
	Address uintptr

	// Shape holds the non-negative dimension sizes
	Shape []int64

	// Stride holds the per-dimension byte strides, same length as Shape
	Stride []int64

	// DType is the element type
	DType DType

	// OwnsMemory is true when the exchange layer must release the region
	OwnsMemory bool

	// StrideFromShape marks descriptors decoded from a wire map that carried no
	// stride field, where stride was filled from shape as the legacy encoders do.
	StrideFromShape bool

	data     []byte
	mu       sync.Mutex
	released bool
}

// New builds a descriptor over an opaque address
func New(address uintptr, shape, stride []int64, dtype DType, ownsMemory bool) (*Descriptor, error) {
	if _, err := ParseDType(string(dtype)); err != nil {
		return nil, err
	}
	if len(shape) != len(stride) {
		return nil, fmt.Errorf("shape has %d dimensions but stride has %d", len(shape), len(stride))
	}
	for i, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("dimension %d is negative: %d", i, dim)
		}
	}

	return &Descriptor{
		Address:    address,
		Shape:      append([]int64(nil), shape...),
		Stride:     append([]int64(nil), stride...),
		DType:      dtype,
		OwnsMemory: ownsMemory,
	}, nil
}

// FromBytes exposes a host byte slice as a contiguous row-major array without copying.
// The returned descriptor owns the region.
func FromBytes(data []byte, shape []int64, dtype DType) (*Descriptor, error) {
	return wrap(data, shape, dtype, true)
}

// Borrow exposes bytes owned by someone else (a foreign runtime, an Arrow
// buffer) as a contiguous array. The returned descriptor must not be released.
func Borrow(data []byte, shape []int64, dtype DType) (*Descriptor, error) {
	return wrap(data, shape, dtype, false)
}

// FromFloat64s exposes a float64 slice as an owned array sharing its memory
func FromFloat64s(values []float64, shape ...int64) (*Descriptor, error) {
	if len(shape) == 0 {
		shape = []int64{int64(len(values))}
	}
	var data []byte
	if len(values) > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(values)*8)
	}
	return FromBytes(data, shape, Float64)
}

func wrap(data []byte, shape []int64, dtype DType, owns bool) (*Descriptor, error) {
	if _, err := ParseDType(string(dtype)); err != nil {
		return nil, err
	}
	n, err := elementCount(shape)
	if err != nil {
		return nil, err
	}
	if want := n * int64(dtype.Size()); int64(len(data)) != want {
		return nil, fmt.Errorf("array of shape %v and dtype %s needs %d bytes, got %d", shape, dtype, want, len(data))
	}

	d := &Descriptor{
		Shape:      append([]int64(nil), shape...),
		Stride:     ContiguousStrides(shape, dtype),
		DType:      dtype,
		OwnsMemory: owns,
		data:       data,
	}
	if len(data) > 0 {
		d.Address = addressOf(data)
	}
	return d, nil
}

func addressOf(data []byte) uintptr {
	return uintptr(unsafe.Pointer(&data[0]))
}

// ContiguousStrides returns row-major byte strides for shape
func ContiguousStrides(shape []int64, dtype DType) []int64 {
	strides := make([]int64, len(shape))
	step := int64(dtype.Size())
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = step
		step *= shape[i]
	}
	return strides
}

func elementCount(shape []int64) (int64, error) {
	n := int64(1)
	for i, dim := range shape {
		if dim < 0 {
			return 0, fmt.Errorf("dimension %d is negative: %d", i, dim)
		}
		n *= dim
	}
	return n, nil
}

// NumElements returns the product of the shape
func (d *Descriptor) NumElements() int64 {
	n, _ := elementCount(d.Shape)
	return n
}

// IsContiguous reports whether the strides describe a row-major layout
func (d *Descriptor) IsContiguous() bool {
	want := ContiguousStrides(d.Shape, d.DType)
	for i := range want {
		if d.Shape[i] > 1 && d.Stride[i] != want[i] {
			return false
		}
	}
	return true
}

// Data returns the host-visible backing bytes, or nil when the region is only
// reachable through Address.
func (d *Descriptor) Data() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.data
}

// attach sets backing bytes decoded alongside a wire map
func (d *Descriptor) attach(data []byte) {
	d.mu.Lock()
	d.data = data
	d.mu.Unlock()
}

// Float64s returns the elements of a contiguous float64 array as a shared slice
func (d *Descriptor) Float64s() ([]float64, error) {
	if d.DType != Float64 {
		return nil, fmt.Errorf("array dtype is %s, not float64", d.DType)
	}
	if !d.IsContiguous() {
		return nil, fmt.Errorf("array is not contiguous")
	}
	data := d.Data()
	if len(data) == 0 {
		if d.NumElements() == 0 {
			return []float64{}, nil
		}
		return nil, ErrNoData
	}
	if n := d.NumElements(); int64(len(data)) != n*8 {
		return nil, fmt.Errorf("array of shape %v needs %d bytes, has %d", d.Shape, n*8, len(data))
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&data[0])), len(data)/8), nil
}

// Release ends the owning side's use of the region. Releasing twice, or
// releasing a borrowed descriptor, is an error.
func (d *Descriptor) Release() error {
	if !d.OwnsMemory {
		return ErrNotOwner
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return ErrAlreadyReleased
	}
	d.released = true
	d.data = nil
	return nil
}

// Released reports whether Release has completed
func (d *Descriptor) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// String returns a short description of the array
func (d *Descriptor) String() string {
	return fmt.Sprintf("ndarray(dtype=%s, shape=%v, stride=%v, address=0x%x, owns=%t)",
		d.DType, d.Shape, d.Stride, d.Address, d.OwnsMemory)
}

// IsUnsupportedDType reports whether err came from an unknown dtype
func IsUnsupportedDType(err error) bool {
	return errors.Is(err, cerrors.ErrUnsupportedDType)
}
