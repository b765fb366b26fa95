package main

import (
	"image"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/testacc-art/mmdeploy/pkg/ascend"
	"github.com/testacc-art/mmdeploy/types/shapes"
	"github.com/testacc-art/mmdeploy/types/tensors"
)

// parseHW parses an image size formatted as "<height>x<width>".
func parseHW(value string) (size [2]int, err error) {
	parts := strings.Split(strings.ToLower(value), "x")
	if len(parts) != 2 {
		return size, errors.Errorf("invalid image size %q, want <height>x<width>", value)
	}
	for ii, part := range parts {
		size[ii], err = strconv.Atoi(strings.TrimSpace(part))
		if err != nil || size[ii] <= 0 {
			return size, errors.Errorf("invalid image size %q, want <height>x<width> with positive values", value)
		}
	}
	return size, nil
}

// shapeChoice holds the concrete values used for the dynamic axes of the inputs.
type shapeChoice struct {
	batch   int
	hw      [2]int
	profile int
}

// concreteDims returns the dimensions of each input of the model, replacing its dynamic axes according
// to the shape mode of the model.
func concreteDims(resolver *ascend.ShapeResolver, bindings []*ascend.Binding, choice shapeChoice) ([][]int, error) {
	allDims := make([][]int, len(bindings))
	switch resolver.Mode() {
	case ascend.DynamicDims:
		profiles := resolver.Profiles()
		if choice.profile < 0 || choice.profile >= len(profiles) {
			return nil, errors.Errorf("profile #%d out of range, the model has %d profiles", choice.profile, len(profiles))
		}
		profile := profiles[choice.profile].Dims
		pos := 0
		for ii, binding := range bindings {
			if pos+len(binding.Dims) > len(profile) {
				return nil, errors.Errorf("profile #%d %v is too short for input %q", choice.profile, profile, binding.Name)
			}
			dims := slices.Clone(profile[pos : pos+len(binding.Dims)])
			if len(dims) > 0 && choice.batch < dims[0] {
				dims[0] = choice.batch
			}
			allDims[ii] = dims
			pos += len(binding.Dims)
		}
		return allDims, nil

	case ascend.DynamicHW:
		if choice.hw == [2]int{} {
			choice.hw = resolver.ImageSizes()[0]
		}
	}

	for ii, binding := range bindings {
		dims := slices.Clone(binding.Dims)
		for _, axis := range binding.Shape().DynamicAxes() {
			switch {
			case resolver.Mode() == ascend.DynamicHW && axis == len(dims)-2:
				dims[axis] = choice.hw[0]
			case resolver.Mode() == ascend.DynamicHW && axis == len(dims)-1:
				dims[axis] = choice.hw[1]
			default:
				dims[axis] = choice.batch
			}
		}
		allDims[ii] = dims
	}
	return allDims, nil
}

// randomInput returns a tensor with the given shape filled with pseudo-random values: uniform in [0, 1)
// for floats and in [0, 10) for integers.
func randomInput(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
	t := tensors.FromShape(shape)
	switch flat := t.FlatData().(type) {
	case []float32:
		for ii := range flat {
			flat[ii] = rng.Float32()
		}
	case []int32:
		for ii := range flat {
			flat[ii] = rng.Int32N(10)
		}
	case []int64:
		for ii := range flat {
			flat[ii] = rng.Int64N(10)
		}
	}
	return t
}

// imageInput reads the image file and returns it as a float32 tensor with the given NCHW dimensions: it is
// resized to HxW and replicated over the batch. Channels are RGB (C=3) or gray scale (C=1), with values in
// [0, 255].
func imageInput(path string, dims []int) (*tensors.Tensor, error) {
	if len(dims) != 4 {
		return nil, errors.Errorf("image inputs must have rank 4 (NCHW), got dimensions %v", dims)
	}
	batch, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("image inputs must have 1 or 3 channels, got dimensions %v", dims)
	}
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %q", path)
	}
	return imageToTensor(img, batch, channels, height, width), nil
}

func imageToTensor(img image.Image, batch, channels, height, width int) *tensors.Tensor {
	if channels == 1 {
		img = imaging.Grayscale(img)
	}
	resized := imaging.Resize(img, width, height, imaging.Lanczos)
	t := tensors.FromShape(shapes.Make(dtypes.Float32, batch, channels, height, width))
	flat := t.FlatData().([]float32)
	planeSize := height * width
	for y := range height {
		for x := range width {
			offset := y*resized.Stride + x*4
			pixel := resized.Pix[offset : offset+channels]
			for c, value := range pixel {
				flat[c*planeSize+y*width+x] = float32(value)
			}
		}
	}
	imageSize := channels * planeSize
	for b := 1; b < batch; b++ {
		copy(flat[b*imageSize:(b+1)*imageSize], flat[:imageSize])
	}
	return t
}

// buildInputs creates the inputs of the model keyed by name: the first image input is read from imagePath
// (if given), every other input is filled with pseudo-random values.
func buildInputs(rng *rand.Rand, bindings []*ascend.Binding, allDims [][]int, imagePath string) (map[string]*tensors.Tensor, error) {
	inputs := make(map[string]*tensors.Tensor, len(bindings))
	for ii, binding := range bindings {
		dims := allDims[ii]
		if imagePath != "" && binding.DType == dtypes.Float32 && len(dims) == 4 {
			t, err := imageInput(imagePath, dims)
			if err != nil {
				return nil, errors.WithMessagef(err, "input %q", binding.Name)
			}
			inputs[binding.Name] = t
			imagePath = ""
			continue
		}
		inputs[binding.Name] = randomInput(rng, shapes.Make(binding.DType, dims...))
	}
	return inputs, nil
}
