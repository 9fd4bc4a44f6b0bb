package theseus

// Tensor is a float32 view with row-major dims. Views created by newTensor share
// memory with the arena they were carved from.
type Tensor struct {
	data []float32
	dims []int
}

func (t Tensor) Data() []float32 {
	return t.data
}

func (t Tensor) Dims() []int {
	return t.dims
}

func newTensor(data []float32, dims ...int) (Tensor, int) {
	s := 1
	for _, d := range dims {
		s *= d
	}
	if s > len(data) {
		panic("dimensions larger than supplied data")
	}
	return Tensor{
		data: data[:s:s],
		dims: dims,
	}, s
}

func (t Tensor) size() int {
	size := 1
	for _, dim := range t.dims {
		size *= dim
	}
	return size
}

// index returns the sub-tensor at the given leading indices.
func (t Tensor) index(idx ...int) Tensor {
	if len(idx) > len(t.dims) {
		panic("too many indices for tensor dimensions")
	}
	for i, dim := range idx {
		if dim < 0 || dim >= t.dims[i] {
			panic("index out of bounds")
		}
	}
	newDims := t.dims[len(idx):]
	sub := 1
	for _, d := range newDims {
		sub *= d
	}
	linear := 0
	for i, dim := range idx {
		stride := 1
		for _, d := range t.dims[i+1:] {
			stride *= d
		}
		linear += dim * stride
	}
	return Tensor{
		data: t.data[linear : linear+sub],
		dims: newDims,
	}
}

// arena carves consecutive tensors out of one backing slice, the way the
// parameter and activation memories are laid out.
type arena struct {
	mem []float32
}

func (a *arena) take(dims ...int) Tensor {
	t, n := newTensor(a.mem, dims...)
	a.mem = a.mem[n:]
	return t
}

func (a *arena) done() {
	if len(a.mem) != 0 {
		panic("something went real bad here")
	}
}

func sizeOf(dims ...[]int) int {
	total := 0
	for _, d := range dims {
		s := 1
		for _, x := range d {
			s *= x
		}
		total += s
	}
	return total
}

func zero(xs []float32) {
	for i := range xs {
		xs[i] = 0
	}
}
