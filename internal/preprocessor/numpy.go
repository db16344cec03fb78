package preprocessor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// dtype is a decoded numpy.dtype.
type dtype struct {
	Kind     byte // 'f', 'i', 'u', 'b', 'U', 'S' or 'O'
	ItemSize int
	Order    binary.ByteOrder
}

// dtypeClass is numpy.dtype, called as dtype("f8", False, True).
type dtypeClass struct{}

func (dtypeClass) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("numpy.dtype: missing type string")
	}
	spec, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("numpy.dtype: unsupported argument %T", args[0])
	}
	return parseDtype(spec)
}

func parseDtype(spec string) (*dtype, error) {
	d := &dtype{Order: binary.LittleEndian}
	if spec != "" {
		switch spec[0] {
		case '>':
			d.Order = binary.BigEndian
			spec = spec[1:]
		case '<', '|', '=':
			spec = spec[1:]
		}
	}
	if spec == "" {
		return nil, fmt.Errorf("numpy.dtype: empty type string")
	}

	d.Kind = spec[0]
	n := 0
	if len(spec) > 1 {
		var err error
		n, err = strconv.Atoi(spec[1:])
		if err != nil {
			return nil, fmt.Errorf("numpy.dtype: unsupported type string %q", spec)
		}
	}

	switch d.Kind {
	case 'f', 'i', 'u', 'b', 'S':
		d.ItemSize = n
	case 'U':
		d.ItemSize = 4 * n
	case 'O':
		d.ItemSize = 8
	default:
		return nil, fmt.Errorf("numpy.dtype: unsupported kind %q", d.Kind)
	}
	if d.Kind == 'b' && d.ItemSize == 0 {
		d.ItemSize = 1
	}
	return d, nil
}

// PySetState receives (version, byteorder, subarray, names, fields, elsize,
// alignment, flags).
func (d *dtype) PySetState(state interface{}) error {
	items, ok := sequence(state)
	if !ok || len(items) < 2 {
		return nil
	}
	switch items[1] {
	case ">":
		d.Order = binary.BigEndian
	case "<":
		d.Order = binary.LittleEndian
	}
	return nil
}

// ndarray is a decoded numpy.ndarray. Raw holds the C-ordered buffer for
// fixed-size dtypes; Items holds the elements of object arrays.
type ndarray struct {
	Shape   []int
	Dtype   *dtype
	Fortran bool
	Raw     []byte
	Items   []interface{}
}

// ndarrayClass is numpy.ndarray, only ever passed to _reconstruct.
type ndarrayClass struct{}

// reconstructFunc is numpy.core.multiarray._reconstruct(ndarray, (0,), b"b").
// The array contents arrive afterwards through PySetState.
type reconstructFunc struct{}

func (reconstructFunc) Call(args ...interface{}) (interface{}, error) {
	return &ndarray{}, nil
}

// PySetState receives (version, shape, dtype, is_fortran, data); older
// pickles omit the version.
func (a *ndarray) PySetState(state interface{}) error {
	items, ok := sequence(state)
	if !ok {
		return fmt.Errorf("ndarray: unsupported state %T", state)
	}
	if len(items) == 5 {
		items = items[1:]
	}
	if len(items) != 4 {
		return fmt.Errorf("ndarray: state has %d fields", len(items))
	}

	shape, err := toShape(items[0])
	if err != nil {
		return err
	}
	dt, ok := items[1].(*dtype)
	if !ok {
		return fmt.Errorf("ndarray: unsupported dtype %T", items[1])
	}
	fortran, _ := items[2].(bool)

	a.Shape, a.Dtype, a.Fortran = shape, dt, fortran
	return a.setData(items[3])
}

func (a *ndarray) setData(data interface{}) error {
	if raw, ok := asBytes(data); ok {
		a.Raw = raw
		return nil
	}
	if s, ok := data.(string); ok {
		// Protocol 0-2 pickles written by Python 2 carry buffers as str.
		a.Raw = []byte(s)
		return nil
	}
	if items, ok := sequence(data); ok {
		a.Items = items
		return nil
	}
	return fmt.Errorf("ndarray: unsupported data %T", data)
}

// frombufferFunc is numpy.core.numeric._frombuffer(buf, dtype, shape, order),
// emitted by protocol 5 pickles.
type frombufferFunc struct{}

func (frombufferFunc) Call(args ...interface{}) (interface{}, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("_frombuffer: expected 4 arguments, got %d", len(args))
	}
	dt, ok := args[1].(*dtype)
	if !ok {
		return nil, fmt.Errorf("_frombuffer: unsupported dtype %T", args[1])
	}
	shape, err := toShape(args[2])
	if err != nil {
		return nil, err
	}
	a := &ndarray{Shape: shape, Dtype: dt}
	if len(args) > 3 {
		a.Fortran = args[3] == "F"
	}
	if err := a.setData(args[0]); err != nil {
		return nil, err
	}
	return a, nil
}

// scalarFunc is numpy.core.multiarray.scalar(dtype, raw), used for numpy
// scalar values such as a float64 stored as an attribute.
type scalarFunc struct{}

func (scalarFunc) Call(args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("numpy scalar: expected 2 arguments, got %d", len(args))
	}
	dt, ok := args[0].(*dtype)
	if !ok {
		return nil, fmt.Errorf("numpy scalar: unsupported dtype %T", args[0])
	}
	a := &ndarray{Shape: nil, Dtype: dt}
	if err := a.setData(args[1]); err != nil {
		return nil, err
	}
	vals, err := a.Floats()
	if err != nil {
		return nil, err
	}
	return vals[0], nil
}

// maxElements bounds the element count of a decoded array. Fitted
// statistics and label sets are orders of magnitude smaller.
const maxElements = 1 << 28

func toShape(v interface{}) ([]int, error) {
	items, ok := sequence(v)
	if !ok {
		if _, ok := toFloat(v); !ok {
			return nil, fmt.Errorf("ndarray: unsupported shape %T", v)
		}
		items = []interface{}{v}
	}
	shape := make([]int, len(items))
	total := 1
	for i, it := range items {
		n, ok := toFloat(it)
		if !ok || n < 0 || n != math.Trunc(n) || n > maxElements {
			return nil, fmt.Errorf("ndarray: invalid dimension %v", it)
		}
		shape[i] = int(n)
		if shape[i] > 0 && total > maxElements/shape[i] {
			return nil, fmt.Errorf("ndarray: shape %v exceeds %d elements", items, maxElements)
		}
		total *= shape[i]
	}
	return shape, nil
}

// Len is the number of elements in the array.
func (a *ndarray) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// checkRaw reports whether Raw holds exactly n items of size bytes.
func (a *ndarray) checkRaw(n, size int) error {
	if size <= 0 || len(a.Raw)%size != 0 || len(a.Raw)/size != n {
		return fmt.Errorf("ndarray: %d bytes for %d items of %d bytes", len(a.Raw), n, size)
	}
	return nil
}

// Floats returns the array flattened to float64 values.
func (a *ndarray) Floats() ([]float64, error) {
	if a.Dtype == nil {
		return nil, fmt.Errorf("ndarray: array state was never set")
	}
	n := a.Len()

	if a.Dtype.Kind == 'O' || a.Items != nil {
		if len(a.Items) != n {
			return nil, fmt.Errorf("ndarray: %d items for shape %v", len(a.Items), a.Shape)
		}
		out := make([]float64, n)
		for i, it := range a.Items {
			f, ok := toFloat(it)
			if !ok {
				return nil, fmt.Errorf("ndarray: item %d is %T, not a number", i, it)
			}
			out[i] = f
		}
		return out, nil
	}

	size := a.Dtype.ItemSize
	if err := a.checkRaw(n, size); err != nil {
		return nil, err
	}

	out := make([]float64, n)
	order := a.Dtype.Order
	for i := range out {
		b := a.Raw[i*size : (i+1)*size]
		switch {
		case a.Dtype.Kind == 'f' && size == 8:
			out[i] = math.Float64frombits(order.Uint64(b))
		case a.Dtype.Kind == 'f' && size == 4:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case a.Dtype.Kind == 'i' && size == 8:
			out[i] = float64(int64(order.Uint64(b)))
		case a.Dtype.Kind == 'i' && size == 4:
			out[i] = float64(int32(order.Uint32(b)))
		case a.Dtype.Kind == 'i' && size == 2:
			out[i] = float64(int16(order.Uint16(b)))
		case a.Dtype.Kind == 'i' && size == 1:
			out[i] = float64(int8(b[0]))
		case a.Dtype.Kind == 'u' && size == 8:
			out[i] = float64(order.Uint64(b))
		case a.Dtype.Kind == 'u' && size == 4:
			out[i] = float64(order.Uint32(b))
		case a.Dtype.Kind == 'u' && size == 2:
			out[i] = float64(order.Uint16(b))
		case (a.Dtype.Kind == 'u' || a.Dtype.Kind == 'b') && size == 1:
			out[i] = float64(b[0])
		default:
			return nil, fmt.Errorf("ndarray: unsupported numeric dtype %c%d", a.Dtype.Kind, size)
		}
	}
	a.reorder(out)
	return out, nil
}

// Strings returns the array flattened to strings. Numeric labels are
// formatted in their shortest decimal form.
func (a *ndarray) Strings() ([]string, error) {
	if a.Dtype == nil {
		return nil, fmt.Errorf("ndarray: array state was never set")
	}
	n := a.Len()
	size := a.Dtype.ItemSize

	switch a.Dtype.Kind {
	case 'U':
		if err := a.checkRaw(n, size); err != nil {
			return nil, err
		}
		out := make([]string, n)
		for i := range out {
			out[i] = decodeUTF32(a.Raw[i*size:(i+1)*size], a.Dtype.Order)
		}
		return out, nil

	case 'S':
		if err := a.checkRaw(n, size); err != nil {
			return nil, err
		}
		out := make([]string, n)
		for i := range out {
			out[i] = strings.TrimRight(string(a.Raw[i*size:(i+1)*size]), "\x00")
		}
		return out, nil

	case 'O':
		if len(a.Items) != n {
			return nil, fmt.Errorf("ndarray: %d items for shape %v", len(a.Items), a.Shape)
		}
		out := make([]string, n)
		for i, it := range a.Items {
			s, err := labelString(it)
			if err != nil {
				return nil, fmt.Errorf("ndarray: item %d: %w", i, err)
			}
			out[i] = s
		}
		return out, nil
	}

	vals, err := a.Floats()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return out, nil
}

// reorder converts a Fortran-ordered 2-D buffer to row-major order in place.
func (a *ndarray) reorder(vals []float64) {
	if !a.Fortran || len(a.Shape) != 2 {
		return
	}
	rows, cols := a.Shape[0], a.Shape[1]
	src := append([]float64(nil), vals...)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			vals[r*cols+c] = src[c*rows+r]
		}
	}
}

func decodeUTF32(b []byte, order binary.ByteOrder) string {
	var sb strings.Builder
	for i := 0; i+4 <= len(b); i += 4 {
		r := rune(order.Uint32(b[i:]))
		if r == 0 {
			break
		}
		if !utf8.ValidRune(r) {
			r = utf8.RuneError
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func labelString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	if b, ok := asBytes(v); ok {
		return string(b), nil
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("unsupported label %T", v)
}
