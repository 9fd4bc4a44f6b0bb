package theseus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_tensor_index(t1 *testing.T) {
	type args struct {
		idx []int
	}
	type testCase struct {
		name string
		t    Tensor
		args args
		want Tensor
	}
	tests := []testCase{
		{
			name: "",
			t: Tensor{
				data: []float32{1, 2, 3, 4},
				dims: []int{2, 2},
			},
			args: args{
				idx: []int{1},
			},
			want: Tensor{
				data: []float32{3, 4},
				dims: []int{2},
			},
		},
		{
			name: "",
			t: Tensor{
				data: []float32{1, 2, 3, 4},
				dims: []int{2, 2},
			},
			args: args{
				idx: []int{0},
			},
			want: Tensor{
				data: []float32{1, 2},
				dims: []int{2},
			},
		},
		{
			name: "scalar",
			t: Tensor{
				data: []float32{1, 2, 3, 4, 5, 6, 7, 8},
				dims: []int{2, 2, 2},
			},
			args: args{
				idx: []int{1, 0, 1},
			},
			want: Tensor{
				data: []float32{6},
				dims: []int{},
			},
		},
	}
	for _, tt := range tests {
		t1.Run(tt.name, func(t1 *testing.T) {
			got := tt.t.index(tt.args.idx...)
			assert.Equalf(t1, tt.want, got, "index(%v)", tt.args.idx)
		})
	}
}

func Test_tensor_index_panics(t *testing.T) {
	tensor := Tensor{data: []float32{1, 2, 3, 4}, dims: []int{2, 2}}
	assert.Panics(t, func() { tensor.index(2) })
	assert.Panics(t, func() { tensor.index(0, 0, 0) })
}

func Test_newTensor(t *testing.T) {
	type args struct {
		data []float32
		dims []int
	}
	tests := []struct {
		name  string
		args  args
		want  Tensor
		want1 int
	}{
		{
			name: "",
			args: args{
				data: []float32{1, 2, 3, 4, 5, 6},
				dims: []int{2, 2},
			},
			want: Tensor{
				data: []float32{1, 2, 3, 4},
				dims: []int{2, 2},
			},
			want1: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, got1 := newTensor(tt.args.data, tt.args.dims...)
			assert.Equalf(t, tt.want.data, got.data, "newTensor(%v, %v)", tt.args.data, tt.args.dims)
			assert.Equalf(t, tt.want.dims, got.dims, "newTensor(%v, %v)", tt.args.data, tt.args.dims)
			assert.Equalf(t, tt.want1, got1, "newTensor(%v, %v)", tt.args.data, tt.args.dims)
			assert.Equal(t, tt.want1, got.size())
		})
	}
	assert.Panics(t, func() { newTensor([]float32{1}, 2) })
}

func Test_arena(t *testing.T) {
	mem := []float32{0, 1, 2, 3, 4, 5}
	a := &arena{mem: mem}
	first := a.take(2, 2)
	second := a.take(2)
	a.done()
	assert.Equal(t, []float32{0, 1, 2, 3}, first.Data())
	assert.Equal(t, []float32{4, 5}, second.Data())
	assert.Equal(t, []int{2}, second.Dims())

	// views share the backing memory
	second.Data()[0] = 40
	assert.Equal(t, float32(40), mem[4])

	assert.Panics(t, func() { (&arena{mem: make([]float32, 1)}).done() })
	assert.Equal(t, 7, sizeOf([]int{2, 3}, []int{1}))
}
